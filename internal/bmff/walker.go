package bmff

import "io"

// Walker 惰性遍历顶层盒子，只读取盒子头
type Walker struct {
	r    io.ReaderAt
	off  int64
	size int64
	cur  Box
	err  error
	done bool
}

// NewWalker 创建顶层遍历器，size 为流长度
func NewWalker(r io.ReaderAt, size int64) *Walker {
	return &Walker{r: r, size: size}
}

// Next 前进到下一个顶层盒子。结束或出错时返回 false
func (w *Walker) Next() bool {
	if w.done || w.err != nil || w.off >= w.size {
		return false
	}

	h, err := ReadHeader(w.r, w.off, w.size)
	if err != nil {
		w.err = err
		return false
	}

	w.cur = Box{
		Header:     h,
		Offset:     w.off,
		Parent:     -1,
		FirstChild: -1,
	}
	w.off += h.Size
	if h.ToEOF {
		w.done = true
	}
	return true
}

// Box 当前盒子
func (w *Walker) Box() Box {
	return w.cur
}

// Err 遍历过程中的错误
func (w *Walker) Err() error {
	return w.err
}
