// Package assetio 资产处理器的能力接口
//
// 引擎只消费最小的流能力：可 seek 的读游标，以及用于修改的独立读写游标。
// 输出流永远不假定与输入流是同一个句柄。
package assetio

import (
	"io"

	"mediacred/internal/models"
)

// ReadSeeker 可 seek 的只读资产流
type ReadSeeker = io.ReadSeeker

// ReadWriteSeeker 可 seek 的读写资产流
type ReadWriteSeeker = io.ReadWriteSeeker

// AssetIO 按文件路径操作的处理器
type AssetIO interface {
	// SupportedTypes 支持的扩展名与 MIME 类型
	SupportedTypes() []string

	ReadStore(path string) ([]byte, error)
	WriteStore(path string, store []byte) error
	HashRanges(path string) ([]models.HashObjectPosition, error)
	RemoveStore(path string) error

	// StreamReader / StreamWriter 流变体
	StreamReader() StreamReader
	StreamWriter() StreamWriter

	// AssetPatcher 不支持原地修补时返回 nil，调用方只能完整写入
	AssetPatcher() Patcher

	// RemoteEmbedder 不支持远程引用时返回 nil
	RemoteEmbedder() RemoteRefEmbedder
}

// StreamReader 从流中读取
type StreamReader interface {
	ReadStoreStream(r ReadSeeker) ([]byte, error)
	HashRangesStream(r ReadSeeker) ([]models.HashObjectPosition, error)
}

// StreamWriter 从输入流生成完整改写后的输出流，输入流只读
type StreamWriter interface {
	WriteStoreStream(in ReadSeeker, out ReadWriteSeeker, store []byte) error
	RemoveStoreStream(in ReadSeeker, out ReadWriteSeeker) error
}

// Patcher 在预留空间内原地覆盖存储
type Patcher interface {
	PatchStore(path string, store []byte) error
	PatchStoreStream(rw ReadWriteSeeker, store []byte) error
}

// RemoteRefEmbedder 写入/读取远程引用
type RemoteRefEmbedder interface {
	EmbedRemoteReference(path string, ref models.RemoteRef) error
	EmbedRemoteReferenceStream(in ReadSeeker, out ReadWriteSeeker, ref models.RemoteRef) error
	ReadRemoteReference(path string) (models.RemoteRef, error)
	ReadRemoteReferenceStream(r ReadSeeker) (models.RemoteRef, error)
}
