package bmff

import (
	"io"
)

// WriteTo 按原始头部编码重新输出整棵树。未修改的树输出与源字节完全一致
func (t *Tree) WriteTo(w io.Writer, src io.ReaderAt) (int64, error) {
	var total int64
	for i := 0; i < t.Top; i++ {
		n, err := t.WriteBox(w, src, i)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type frame struct {
	idx    int
	next   int
	cursor int64
}

// WriteBox 输出单个盒子：头部重新编码，叶子负载和子盒子之间的字节从 src 复制
func (t *Tree) WriteBox(w io.Writer, src io.ReaderAt, i int) (int64, error) {
	var total int64

	emitHeader := func(b *Box) error {
		n, err := w.Write(AppendHeader(nil, b.Header))
		total += int64(n)
		return err
	}
	copyRange := func(from, to int64) error {
		if to <= from {
			return nil
		}
		n, err := io.Copy(w, io.NewSectionReader(src, from, to-from))
		total += n
		if err != nil {
			return err
		}
		if n != to-from {
			return readErr(io.ErrUnexpectedEOF, from+n)
		}
		return nil
	}

	root := &t.Boxes[i]
	if err := emitHeader(root); err != nil {
		return total, err
	}
	if root.ChildCount == 0 {
		return total, copyRange(root.PayloadOffset(), root.End())
	}

	stack := []frame{{idx: i, cursor: root.PayloadOffset()}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		b := &t.Boxes[f.idx]

		if f.next < b.ChildCount {
			c := &t.Boxes[b.FirstChild+f.next]
			f.next++
			// 子盒子之前的字节（meta 的 version/flags 等）
			if err := copyRange(f.cursor, c.Offset); err != nil {
				return total, err
			}
			f.cursor = c.End()

			if err := emitHeader(c); err != nil {
				return total, err
			}
			if c.ChildCount == 0 {
				if err := copyRange(c.PayloadOffset(), c.End()); err != nil {
					return total, err
				}
				continue
			}
			stack = append(stack, frame{idx: b.FirstChild + f.next - 1, cursor: c.PayloadOffset()})
			continue
		}

		if err := copyRange(f.cursor, b.End()); err != nil {
			return total, err
		}
		stack = stack[:len(stack)-1]
	}

	return total, nil
}
