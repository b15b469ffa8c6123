package bmff

import (
	"bytes"
	"io"
)

// maxDepth 防止恶意输入构造过深的嵌套
const maxDepth = 64

// Box arena 中的一个盒子。子盒子在 arena 中连续存放
type Box struct {
	Header
	Offset     int64 // 绝对偏移
	Parent     int   // 顶层为 -1
	Depth      int
	FirstChild int // 无子盒子时为 -1
	ChildCount int
	ChildStart int64 // 子盒子区域起始（跳过 meta 的 version/flags）
}

// End 盒子结束位置（不含）
func (b *Box) End() int64 {
	return b.Offset + b.Size
}

// PayloadOffset 负载起始偏移
func (b *Box) PayloadOffset() int64 {
	return b.Offset + b.HeaderSize
}

// Tree 盒子树，以 arena 形式保存，父子关系通过下标表示
type Tree struct {
	Boxes []Box
	Top   int   // Boxes[:Top] 为顶层盒子
	Size  int64 // 源流长度
}

// Parse 解析完整的盒子树。只读取盒子头，不加载负载
func Parse(r io.ReaderAt, size int64) (*Tree, error) {
	t := &Tree{Size: size}

	w := NewWalker(r, size)
	for w.Next() {
		t.Boxes = append(t.Boxes, w.Box())
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	t.Top = len(t.Boxes)

	// 广度优先展开，保证同一父盒子的子盒子在 arena 中连续
	for i := 0; i < len(t.Boxes); i++ {
		if !IsContainer(t.Boxes[i].Type) {
			continue
		}
		if t.Boxes[i].Depth >= maxDepth {
			return nil, malformed("box nesting deeper than %d at %d", maxDepth, t.Boxes[i].Offset)
		}
		start, err := childStart(r, &t.Boxes[i])
		if err != nil {
			return nil, err
		}
		t.Boxes[i].ChildStart = start

		first := len(t.Boxes)
		children, err := parseChildren(r, i, t.Boxes[i])
		if err != nil {
			return nil, err
		}
		t.Boxes = append(t.Boxes, children...)
		if len(children) > 0 {
			t.Boxes[i].FirstChild = first
			t.Boxes[i].ChildCount = len(children)
		}
	}

	return t, nil
}

// childStart 计算容器子盒子区域的起点
func childStart(r io.ReaderAt, b *Box) (int64, error) {
	start := b.PayloadOffset()
	if b.Type != TypeMeta {
		return start, nil
	}

	// meta 通常是 full box；QuickTime 的 meta 没有 version/flags，hdlr 紧跟其后
	if b.PayloadSize() >= 8 {
		var peek [8]byte
		if err := ReadFullAt(r, peek[:], start); err != nil {
			return 0, err
		}
		if BoxType(peek[4:8]) == TypeHdlr {
			return start, nil
		}
	}
	if b.PayloadSize() < 4 {
		return 0, malformed("meta box at %d too small for version/flags", b.Offset)
	}
	return start + 4, nil
}

func parseChildren(r io.ReaderAt, parent int, p Box) ([]Box, error) {
	var children []Box
	off := p.ChildStart
	end := p.End()

	for off < end {
		if end-off < HeaderSize {
			// QuickTime udta 等允许以 4 字节 0 结尾
			if zeroTail(r, off, end) {
				break
			}
			return nil, malformed("box header at %d truncated inside %s", off, p.Type)
		}

		h, err := ReadHeader(r, off, end)
		if err != nil {
			return nil, err
		}
		children = append(children, Box{
			Header:     h,
			Offset:     off,
			Parent:     parent,
			Depth:      p.Depth + 1,
			FirstChild: -1,
		})
		off += h.Size
	}
	return children, nil
}

func zeroTail(r io.ReaderAt, off, end int64) bool {
	buf := make([]byte, end-off)
	if err := ReadFullAt(r, buf, off); err != nil {
		return false
	}
	return bytes.Count(buf, []byte{0}) == len(buf)
}

// TopLevel 顶层盒子
func (t *Tree) TopLevel() []Box {
	return t.Boxes[:t.Top]
}

// Children 子盒子下标
func (t *Tree) Children(i int) []int {
	b := &t.Boxes[i]
	if b.ChildCount == 0 {
		return nil
	}
	idx := make([]int, b.ChildCount)
	for k := range idx {
		idx[k] = b.FirstChild + k
	}
	return idx
}

// TopIndex 返回任意深度盒子所属的顶层盒子下标
func (t *Tree) TopIndex(i int) int {
	for t.Boxes[i].Parent >= 0 {
		i = t.Boxes[i].Parent
	}
	return i
}

// Descendants 依次访问顶层盒子 top 下的所有后代（不含自身）
func (t *Tree) Descendants(top int, fn func(i int) error) error {
	queue := t.Children(top)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if err := fn(i); err != nil {
			return err
		}
		queue = append(queue, t.Children(i)...)
	}
	return nil
}

// Path 返回盒子从顶层到自身的类型路径，如 moov/trak/mdia
func (t *Tree) Path(i int) string {
	var parts []string
	for i >= 0 {
		parts = append(parts, t.Boxes[i].Type.String())
		i = t.Boxes[i].Parent
	}
	var buf bytes.Buffer
	for k := len(parts) - 1; k >= 0; k-- {
		buf.WriteString(parts[k])
		if k > 0 {
			buf.WriteByte('/')
		}
	}
	return buf.String()
}

// FindTop 返回第一个指定类型的顶层盒子下标，不存在为 -1
func (t *Tree) FindTop(typ BoxType) int {
	for i := 0; i < t.Top; i++ {
		if t.Boxes[i].Type == typ {
			return i
		}
	}
	return -1
}
