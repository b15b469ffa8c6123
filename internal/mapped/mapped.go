// Package mapped 只读内存映射文件
//
// 路径变体的读取操作（读取存储、计算哈希区间）通过 mmap 访问资产，
// 避免为大文件反复 seek/read。
package mapped

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File mmap 映射的只读文件
type File struct {
	*bytes.Reader
	data []byte // mmap 原始数据
	f    *os.File
}

var (
	_ io.ReadSeeker = (*File)(nil)
	_ io.ReaderAt   = (*File)(nil)
)

// Open 以只读方式映射文件。空文件无法映射，退化为普通读取
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		f.Close()
		return &File{Reader: bytes.NewReader(nil)}, nil
	}
	if int64(int(size)) != size {
		f.Close()
		return nil, &os.PathError{Op: "mmap", Path: path, Err: unix.EFBIG}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}

	return &File{
		Reader: bytes.NewReader(data),
		data:   data,
		f:      f,
	}, nil
}

// Bytes 映射的原始字节，Close 之后不可再使用
func (m *File) Bytes() []byte {
	return m.data
}

// Close 释放 mmap 映射
func (m *File) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
