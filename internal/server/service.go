package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mediacred/internal/assetio"
	"mediacred/internal/bmffio"
	"mediacred/internal/config"
	"mediacred/internal/dash"
	"mediacred/internal/digest"
	"mediacred/internal/logger"
	"mediacred/internal/models"
)

// ErrBadPath 请求路径为空或逃出资产根目录
var ErrBadPath = errors.New("invalid asset path")

// CredServer 内容凭证服务核心。引擎本身无状态，
// 这里只负责路径解析以及同一资产上修改操作的串行化
type CredServer struct {
	root   string
	engine *bmffio.BmffIO
	dash   *dash.DashIO

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.RWMutex
	refs int
}

// WriteResult 写入方式
type WriteResult struct {
	Path    string `json:"path"`
	Patched bool   `json:"patched"`
	Size    int    `json:"size"`
}

// NewCredServer 创建服务
func NewCredServer(cfg *config.Config) (*CredServer, error) {
	root, err := filepath.Abs(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", root)
	}

	opts := cfg.EngineOptions()
	s := &CredServer{
		root:   root,
		engine: bmffio.New("mp4", opts...),
		locks:  make(map[string]*pathLock),
	}

	if mpd := cfg.PresentationPath(); mpd != "" {
		d, err := dash.Open(filepath.Join(root, cfg.Storage.Presentation), "dash", opts...)
		if err != nil {
			return nil, fmt.Errorf("load presentation %s: %w", mpd, err)
		}
		s.dash = d
		logger.LogInfo("[Server] 已加载演示", "mpd", mpd, "representations", len(d.Presentation().RepresentationIDs()))
	}

	logger.LogInfo("[Server] 资产根目录", "root", root)
	return s, nil
}

// Root 资产根目录
func (s *CredServer) Root() string {
	return s.root
}

// Resolve 把请求中的相对路径解析到根目录下
func (s *CredServer) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrBadPath)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrBadPath, rel)
	}
	return filepath.Join(s.root, clean), nil
}

// relative 绝对路径转为相对根目录的形式
func (s *CredServer) relative(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// lock 对同一资产加锁：读共享，修改独占
func (s *CredServer) lock(path string, write bool) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &pathLock{}
		s.locks[path] = l
	}
	l.refs++
	s.mu.Unlock()

	if write {
		l.mu.Lock()
	} else {
		l.mu.RLock()
	}

	return func() {
		if write {
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, path)
		}
		s.mu.Unlock()
	}
}

// SupportedTypes 引擎与适配器支持的类型
func (s *CredServer) SupportedTypes() map[string][]string {
	out := map[string][]string{
		"bmff": s.engine.SupportedTypes(),
	}
	if s.dash != nil {
		out["dash"] = s.dash.SupportedTypes()
	} else {
		out["dash"] = dash.New("dash").SupportedTypes()
	}
	return out
}

// ReadStore 读取存储
func (s *CredServer) ReadStore(rel string) ([]byte, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	defer s.lock(path, false)()
	return s.engine.ReadStore(path)
}

// WriteStore 写入存储。patch 为 true 时先尝试原地修补，放不下再完整写入
func (s *CredServer) WriteStore(rel string, store []byte, patch bool) (*WriteResult, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	defer s.lock(path, true)()

	res := &WriteResult{Path: rel, Size: len(store)}
	if patch {
		err := s.engine.PatchStore(path, store)
		switch {
		case err == nil:
			res.Patched = true
			return res, nil
		case errors.Is(err, assetio.ErrPatchSizeMismatch), errors.Is(err, assetio.ErrNotFound):
			logger.LogDebug("[Server] 无法原地修补，改为完整写入", "path", rel, "reason", err)
		default:
			return nil, err
		}
	}

	if err := s.engine.WriteStore(path, store); err != nil {
		return nil, err
	}
	return res, nil
}

// RemoveStore 删除存储
func (s *CredServer) RemoveStore(rel string) error {
	path, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	defer s.lock(path, true)()
	return s.engine.RemoveStore(path)
}

// HashRanges 计算哈希区间
func (s *CredServer) HashRanges(rel string) ([]models.HashObjectPosition, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	defer s.lock(path, false)()
	return s.engine.HashRanges(path)
}

// Digest 计算硬绑定摘要
func (s *CredServer) Digest(rel string, alg digest.Algorithm) (*digest.Result, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	defer s.lock(path, false)()
	return digest.File(path, s.engine, alg)
}

// Locate 存储位置
func (s *CredServer) Locate(rel string) (bmffio.StoreLocation, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return bmffio.StoreLocation{}, err
	}
	defer s.lock(path, false)()

	f, err := os.Open(path)
	if err != nil {
		return bmffio.StoreLocation{}, assetio.WrapOp("locate", path, err)
	}
	defer f.Close()
	return s.engine.Locate(f)
}

// EmbedReference 写入远程引用
func (s *CredServer) EmbedReference(rel string, ref models.RemoteRef) error {
	path, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	defer s.lock(path, true)()
	return s.engine.EmbedRemoteReference(path, ref)
}

// ReadReference 读取远程引用
func (s *CredServer) ReadReference(rel string) (models.RemoteRef, error) {
	path, err := s.Resolve(rel)
	if err != nil {
		return models.RemoteRef{}, err
	}
	defer s.lock(path, false)()
	return s.engine.ReadRemoteReference(path)
}

// ResolveSegment 通过演示模型找到码流的物理分段，返回相对根目录的路径
func (s *CredServer) ResolveSegment(repID string, kind dash.SegmentKind) (string, error) {
	if s.dash == nil {
		return "", fmt.Errorf("%w: no presentation configured", assetio.ErrUnsupportedAssetType)
	}
	path, err := s.dash.ResolveSegment(repID, kind)
	if err != nil {
		return "", err
	}
	rel := s.relative(path)
	if _, err := s.Resolve(rel); err != nil {
		return "", err
	}
	return rel, nil
}
