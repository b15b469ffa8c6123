package assetio

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedContainer 结构错误：头部截断、size 越界、数量不匹配。不做任何修复
	ErrMalformedContainer = errors.New("malformed container")

	// ErrNotFound 资产中没有存储或远程引用，属于正常结果
	ErrNotFound = errors.New("content credential store not found")

	// ErrPatchSizeMismatch 新存储放不进预留空间，调用方应改用完整写入
	ErrPatchSizeMismatch = errors.New("store does not fit reserved space")

	// ErrUnsupportedAssetType 解析出的分段类型不在支持列表中
	ErrUnsupportedAssetType = errors.New("unsupported asset type")
)

// OpError 带操作名的底层 I/O 错误
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// WrapOp 给错误附加操作名；哨兵错误与已包装的错误不重复包装
func WrapOp(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		if oe.Path == "" && path != "" {
			return &OpError{Op: oe.Op, Path: path, Err: oe.Err}
		}
		return err
	}
	if IsTaxonomy(err) {
		return err
	}
	return &OpError{Op: op, Path: path, Err: err}
}

// IsTaxonomy 是否为本包定义的分类错误
func IsTaxonomy(err error) bool {
	return errors.Is(err, ErrMalformedContainer) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPatchSizeMismatch) ||
		errors.Is(err, ErrUnsupportedAssetType)
}
