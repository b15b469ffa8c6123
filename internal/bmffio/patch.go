package bmffio

import (
	"fmt"
	"io"
	"os"

	"mediacred/internal/assetio"
	"mediacred/internal/logger"
)

// PatchStoreStream 在现有存储的预留空间内原地覆盖。新字节较短时剩余部分补零；
// 较长时返回 ErrPatchSizeMismatch 且不写入任何字节。偏移表不需要修复
func (b *BmffIO) PatchStoreStream(rw io.ReadWriteSeeker, store []byte) error {
	p, err := b.parse(rw)
	if err != nil {
		return assetio.WrapOp("patch store", "", err)
	}
	if p.loc.store == nil {
		return assetio.ErrNotFound
	}

	reserved := p.loc.store.dataLen
	if int64(len(store)) > reserved {
		return fmt.Errorf("%w: %d bytes into %d reserved", assetio.ErrPatchSizeMismatch, len(store), reserved)
	}

	buf := make([]byte, reserved)
	copy(buf, store)

	if _, err := rw.Seek(p.loc.store.dataOffset, io.SeekStart); err != nil {
		return assetio.WrapOp("patch store", "", err)
	}
	if _, err := rw.Write(buf); err != nil {
		return assetio.WrapOp("patch store", "", err)
	}

	logger.LogDebug("[BMFF] 原地修补存储", "offset", p.loc.store.dataOffset,
		"size", len(store), "reserved", reserved)
	return nil
}

// PatchStore 原地修补文件中的存储
func (b *BmffIO) PatchStore(path string, store []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return assetio.WrapOp("patch store", path, err)
	}
	if err := b.PatchStoreStream(f, store); err != nil {
		f.Close()
		return assetio.WrapOp("patch store", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return assetio.WrapOp("patch store", path, err)
	}
	return assetio.WrapOp("patch store", path, f.Close())
}
