package bmff

import (
	"io"
	"sync"
)

// Source 把 ReadSeeker 适配为 ReaderAt 并返回流长度。
// 已实现 ReaderAt 的流（*os.File、*bytes.Reader）直接使用
func Source(r io.ReadSeeker) (io.ReaderAt, int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	if ra, ok := r.(io.ReaderAt); ok {
		return ra, size, nil
	}
	return &seekReaderAt{r: r}, size, nil
}

type seekReaderAt struct {
	mu sync.Mutex
	r  io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// ReadPayload 读取盒子的全部负载
func ReadPayload(r io.ReaderAt, b *Box) ([]byte, error) {
	buf := make([]byte, b.PayloadSize())
	if err := ReadFullAt(r, buf, b.PayloadOffset()); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBox 读取整个盒子（含头）
func ReadBox(r io.ReaderAt, b *Box) ([]byte, error) {
	buf := make([]byte, b.Size)
	if err := ReadFullAt(r, buf, b.Offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFullAt 读满 buf。读到流末尾视为结构错误
func ReadFullAt(r io.ReaderAt, buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return readErr(err, off+int64(n))
}
