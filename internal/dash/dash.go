package dash

import (
	"fmt"
	"path/filepath"
	"strings"

	"mediacred/internal/assetio"
	"mediacred/internal/bmffio"
	"mediacred/internal/logger"
	"mediacred/internal/models"
)

// supportedTypes 演示本身与分段级的类型
var supportedTypes = []string{"dash", "mp4", "m4s", "cmfv", "cmfa", "cmft"}

// SegmentKind 要解析的分段种类
type SegmentKind string

const (
	// SegmentInit 初始化分段，存储默认放在这里
	SegmentInit SegmentKind = "init"
	// SegmentMedia 第一个媒体分段
	SegmentMedia SegmentKind = "media"
)

// ParseSegmentKind 空串视为 init
func ParseSegmentKind(s string) (SegmentKind, error) {
	switch SegmentKind(s) {
	case "", SegmentInit:
		return SegmentInit, nil
	case SegmentMedia:
		return SegmentMedia, nil
	}
	return "", fmt.Errorf("unknown segment kind %q", s)
}

// DashIO 分段演示适配器。所有存储操作都由内嵌的 BmffIO 完成，
// 适配器只负责决定操作哪一个物理分段
type DashIO struct {
	*bmffio.BmffIO

	presentation *Presentation
	baseDir      string
}

var (
	_ assetio.AssetIO           = (*DashIO)(nil)
	_ assetio.StreamReader      = (*DashIO)(nil)
	_ assetio.StreamWriter      = (*DashIO)(nil)
	_ assetio.Patcher           = (*DashIO)(nil)
	_ assetio.RemoteRefEmbedder = (*DashIO)(nil)
)

// New 创建适配器，assetType 为类型提示，opts 传给引擎
func New(assetType string, opts ...bmffio.Option) *DashIO {
	return &DashIO{BmffIO: bmffio.New(assetType, opts...)}
}

// Open 读取 MPD 并以其所在目录为分段根目录
func Open(mpdPath, assetType string, opts ...bmffio.Option) (*DashIO, error) {
	p, err := LoadPresentation(mpdPath)
	if err != nil {
		return nil, err
	}
	return New(assetType, opts...).WithPresentation(p, filepath.Dir(mpdPath)), nil
}

// WithPresentation 返回绑定了演示模型的副本
func (d *DashIO) WithPresentation(p *Presentation, baseDir string) *DashIO {
	c := *d
	c.presentation = p
	c.baseDir = baseDir
	return &c
}

// Presentation 当前绑定的演示模型
func (d *DashIO) Presentation() *Presentation {
	return d.presentation
}

// SupportedTypes 支持的类型
func (d *DashIO) SupportedTypes() []string {
	return append([]string(nil), supportedTypes...)
}

// Supports 分段文件扩展名是否受支持
func Supports(assetType string) bool {
	t := strings.TrimPrefix(strings.ToLower(assetType), ".")
	for _, s := range supportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// ResolveSegment 展开码流的分段模板，返回 baseDir 下的物理文件路径
func (d *DashIO) ResolveSegment(repID string, kind SegmentKind) (string, error) {
	if d.presentation == nil {
		return "", fmt.Errorf("%w: no presentation bound", assetio.ErrUnsupportedAssetType)
	}
	rep, as, ok := d.presentation.Representation(repID)
	if !ok {
		return "", fmt.Errorf("%w: unknown representation %q", assetio.ErrUnsupportedAssetType, repID)
	}
	tmpl := rep.Template(as)
	if tmpl == nil {
		return "", fmt.Errorf("%w: representation %q has no segment template", assetio.ErrUnsupportedAssetType, repID)
	}

	vars := TemplateVars{RepresentationID: rep.ID, Bandwidth: rep.Bandwidth}
	var pattern string
	switch kind {
	case SegmentInit, "":
		pattern = tmpl.Initialization
	case SegmentMedia:
		pattern = tmpl.Media
		vars.Number = tmpl.FirstNumber()
	default:
		return "", fmt.Errorf("unknown segment kind %q", kind)
	}
	if pattern == "" {
		return "", fmt.Errorf("%w: representation %q has no %s template", assetio.ErrUnsupportedAssetType, repID, kind)
	}

	name, err := ExpandTemplate(pattern, vars)
	if err != nil {
		return "", err
	}
	if !Supports(filepath.Ext(name)) || filepath.Ext(name) == ".dash" {
		return "", fmt.Errorf("%w: segment %q", assetio.ErrUnsupportedAssetType, name)
	}

	path := filepath.Join(d.baseDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(d.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("segment %q escapes presentation directory", name)
	}

	logger.LogDebug("[DASH] 解析分段", "rep", repID, "kind", string(kind), "path", path)
	return path, nil
}

// ============================================================================
// 按码流操作
// ============================================================================

// ReadStoreForRepresentation 读取码流初始化分段中的存储
func (d *DashIO) ReadStoreForRepresentation(repID string) ([]byte, error) {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return nil, err
	}
	return d.ReadStore(path)
}

// WriteStoreForRepresentation 写入码流初始化分段
func (d *DashIO) WriteStoreForRepresentation(repID string, store []byte) error {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return err
	}
	return d.WriteStore(path, store)
}

// PatchStoreForRepresentation 原地修补码流初始化分段
func (d *DashIO) PatchStoreForRepresentation(repID string, store []byte) error {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return err
	}
	return d.PatchStore(path, store)
}

// RemoveStoreForRepresentation 删除码流初始化分段中的存储
func (d *DashIO) RemoveStoreForRepresentation(repID string) error {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return err
	}
	return d.RemoveStore(path)
}

// HashRangesForRepresentation 码流初始化分段的哈希区间
func (d *DashIO) HashRangesForRepresentation(repID string) ([]models.HashObjectPosition, error) {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return nil, err
	}
	return d.HashRanges(path)
}

// EmbedRemoteReferenceForRepresentation 向码流初始化分段写入远程引用
func (d *DashIO) EmbedRemoteReferenceForRepresentation(repID string, ref models.RemoteRef) error {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return err
	}
	return d.EmbedRemoteReference(path, ref)
}

// ReadRemoteReferenceForRepresentation 读取码流初始化分段中的远程引用
func (d *DashIO) ReadRemoteReferenceForRepresentation(repID string) (models.RemoteRef, error) {
	path, err := d.ResolveSegment(repID, SegmentInit)
	if err != nil {
		return models.RemoteRef{}, err
	}
	return d.ReadRemoteReference(path)
}
