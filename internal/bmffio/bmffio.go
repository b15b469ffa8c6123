// Package bmffio ISO-BMFF 内容凭证存储引擎
//
// 在 MP4 系列容器中定位、写入、替换、原地修补和删除存储盒子，
// 修复受插入影响的偏移表，并计算硬绑定哈希的字节区间。
// 引擎对每次调用无状态：盒子树与偏移表都在调用内重新计算。
package bmffio

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/logger"
	"mediacred/internal/mapped"
	"mediacred/internal/models"
)

// supportedTypes 扩展名与 MIME 类型
var supportedTypes = []string{
	"mp4", "m4a", "m4v", "mov", "3gp", "heic", "heif", "avif",
	"m4s", "cmfv", "cmfa", "cmft",
	"video/mp4", "audio/mp4", "application/mp4", "video/quicktime",
	"image/heic", "image/heif", "image/avif", "video/iso.segment",
}

// Options 引擎选项
type Options struct {
	// Layout 新写入记录的布局，读取时两种布局都识别
	Layout models.StoreLayout
	// StrictDuplicates 为 true 时重复的存储盒子视为结构错误
	StrictDuplicates bool
	// UseMmap 路径变体的只读操作通过 mmap 访问文件
	UseMmap bool
}

// Option 选项函数
type Option func(*Options)

// WithLayout 设置写入布局
func WithLayout(l models.StoreLayout) Option {
	return func(o *Options) { o.Layout = l }
}

// WithStrictDuplicates 设置重复存储的处理方式
func WithStrictDuplicates(strict bool) Option {
	return func(o *Options) { o.StrictDuplicates = strict }
}

// WithMmap 设置是否使用 mmap
func WithMmap(enabled bool) Option {
	return func(o *Options) { o.UseMmap = enabled }
}

// BmffIO ISO-BMFF 资产处理器
type BmffIO struct {
	assetType string
	opts      Options
}

var (
	_ assetio.AssetIO           = (*BmffIO)(nil)
	_ assetio.StreamReader      = (*BmffIO)(nil)
	_ assetio.StreamWriter      = (*BmffIO)(nil)
	_ assetio.Patcher           = (*BmffIO)(nil)
	_ assetio.RemoteRefEmbedder = (*BmffIO)(nil)
)

// New 创建处理器，assetType 为扩展名或 MIME 提示
func New(assetType string, opts ...Option) *BmffIO {
	o := Options{Layout: models.LayoutPlain, UseMmap: true}
	for _, fn := range opts {
		fn(&o)
	}
	return &BmffIO{assetType: strings.ToLower(assetType), opts: o}
}

// AssetType 构造时的类型提示
func (b *BmffIO) AssetType() string {
	return b.assetType
}

// Options 当前选项
func (b *BmffIO) Options() Options {
	return b.opts
}

// SupportedTypes 支持的类型
func (b *BmffIO) SupportedTypes() []string {
	return append([]string(nil), supportedTypes...)
}

// Supports 类型（扩展名或 MIME）是否受支持
func Supports(assetType string) bool {
	t := strings.TrimPrefix(strings.ToLower(assetType), ".")
	for _, s := range supportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// StreamReader 流读取能力
func (b *BmffIO) StreamReader() assetio.StreamReader { return b }

// StreamWriter 流写入能力
func (b *BmffIO) StreamWriter() assetio.StreamWriter { return b }

// AssetPatcher 原地修补能力
func (b *BmffIO) AssetPatcher() assetio.Patcher { return b }

// RemoteEmbedder 远程引用能力
func (b *BmffIO) RemoteEmbedder() assetio.RemoteRefEmbedder { return b }

// ============================================================================
// 解析
// ============================================================================

// parsed 一次调用中的盒子树与定位结果
type parsed struct {
	tree *bmff.Tree
	src  io.ReaderAt
	loc  *location
}

func (b *BmffIO) parse(r io.ReadSeeker) (*parsed, error) {
	src, size, err := bmff.Source(r)
	if err != nil {
		return nil, err
	}
	t, err := bmff.Parse(src, size)
	if err != nil {
		return nil, err
	}
	loc, err := locate(t, src, b.opts.StrictDuplicates)
	if err != nil {
		return nil, err
	}
	return &parsed{tree: t, src: src, loc: loc}, nil
}

// stripProvenance XMP 带有 provenance 时追加一次只去掉该属性的盒子替换
func (p *parsed) stripProvenance(edits editList) editList {
	if p.loc.xmp < 0 || p.loc.xmpRef == "" {
		return edits
	}
	packet := stripXMPProvenance(p.loc.xmpPacket)
	return replaceBox(edits, p.tree, p.loc.xmp, encodeXMPBox(packet))
}

// Locate 定位存储盒子
func (b *BmffIO) Locate(r io.ReadSeeker) (StoreLocation, error) {
	p, err := b.parse(r)
	if err != nil {
		return StoreLocation{}, assetio.WrapOp("locate", "", err)
	}
	return p.loc.storeLocation(), nil
}

// ============================================================================
// 读取
// ============================================================================

// ReadStoreStream 读取存储字节
func (b *BmffIO) ReadStoreStream(r io.ReadSeeker) ([]byte, error) {
	p, err := b.parse(r)
	if err != nil {
		return nil, assetio.WrapOp("read store", "", err)
	}
	if p.loc.store == nil {
		return nil, assetio.ErrNotFound
	}
	data := make([]byte, p.loc.store.dataLen)
	if err := bmff.ReadFullAt(p.src, data, p.loc.store.dataOffset); err != nil {
		return nil, assetio.WrapOp("read store", "", err)
	}
	return data, nil
}

// ReadStore 读取文件中的存储
func (b *BmffIO) ReadStore(path string) ([]byte, error) {
	var data []byte
	err := b.withReader(path, func(r io.ReadSeeker) error {
		var err error
		data, err = b.ReadStoreStream(r)
		return err
	})
	if err != nil {
		return nil, assetio.WrapOp("read store", path, err)
	}
	return data, nil
}

// withReader 以只读方式打开文件，优先使用 mmap
func (b *BmffIO) withReader(path string, fn func(r io.ReadSeeker) error) error {
	if b.opts.UseMmap {
		m, err := mapped.Open(path)
		if err == nil {
			defer m.Close()
			return fn(m)
		}
		if os.IsNotExist(err) {
			return err
		}
		logger.LogDebug("[BMFF] mmap 失败，改用普通读取", "path", path, "error", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// ============================================================================
// 写入
// ============================================================================

// WriteStoreStream 写入或替换存储，输出完整改写后的容器。输入流不会被修改
func (b *BmffIO) WriteStoreStream(in io.ReadSeeker, out io.ReadWriteSeeker, store []byte) error {
	p, err := b.parse(in)
	if err != nil {
		return assetio.WrapOp("write store", "", err)
	}

	rec := encodeRecord(b.opts.Layout, purposeManifest, store)

	// 现有存储（含重复）与远程引用全部移除，新存储放在第一个存储的位置；
	// XMP 中的 provenance 属性去掉，XMP 盒子本身保留
	var removals []int
	replaceAt := -1
	for _, r := range p.loc.records {
		removals = append(removals, r.index)
	}
	if p.loc.store != nil {
		replaceAt = p.loc.store.index
	}

	edits, err := planRecord(p.tree, removals, replaceAt, rec)
	if err != nil {
		return assetio.WrapOp("write store", "", err)
	}
	edits = p.stripProvenance(edits)

	rw := &rewrite{tree: p.tree, src: p.src, loc: p.loc, edits: edits, record: rec}
	return rw.run("write store", out)
}

// WriteStore 写入文件。先写临时文件，校验通过后再原子替换
func (b *BmffIO) WriteStore(path string, store []byte) error {
	return b.rewriteFile("write store", path, func(in io.ReadSeeker, out io.ReadWriteSeeker) error {
		return b.WriteStoreStream(in, out, store)
	})
}

// RemoveStoreStream 删除存储盒子。没有存储时返回 ErrNotFound
func (b *BmffIO) RemoveStoreStream(in io.ReadSeeker, out io.ReadWriteSeeker) error {
	p, err := b.parse(in)
	if err != nil {
		return assetio.WrapOp("remove store", "", err)
	}
	if p.loc.store == nil {
		return assetio.ErrNotFound
	}

	var removals []int
	for _, r := range p.loc.records {
		if r.isManifest() {
			removals = append(removals, r.index)
		}
	}
	edits, err := planRecord(p.tree, removals, -1, nil)
	if err != nil {
		return assetio.WrapOp("remove store", "", err)
	}

	rw := &rewrite{tree: p.tree, src: p.src, loc: p.loc, edits: edits}
	return rw.run("remove store", out)
}

// RemoveStore 删除文件中的存储
func (b *BmffIO) RemoveStore(path string) error {
	return b.rewriteFile("remove store", path, b.RemoveStoreStream)
}

// rewriteFile 在同目录临时文件中生成新容器，成功后 rename 覆盖原文件；
// 任何失败都删除临时文件，原文件保持不变
func (b *BmffIO) rewriteFile(op, path string, fn func(in io.ReadSeeker, out io.ReadWriteSeeker) error) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return assetio.WrapOp(op, path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return assetio.WrapOp(op, path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return assetio.WrapOp(op, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err = fn(in, tmp); err != nil {
		return assetio.WrapOp(op, path, err)
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return assetio.WrapOp(op, path, err)
	}
	if err = tmp.Sync(); err != nil {
		return assetio.WrapOp(op, path, err)
	}
	if err = tmp.Close(); err != nil {
		return assetio.WrapOp(op, path, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return assetio.WrapOp(op, path, err)
	}

	logger.LogInfo("[BMFF] 已更新", "op", op, "path", path)
	return nil
}
