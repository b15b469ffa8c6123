package server

import (
	"errors"
	"os"

	"mediacred/internal/assetio"
	"mediacred/internal/dash"
	"mediacred/internal/digest"
	"mediacred/internal/logger"
	"mediacred/internal/models"

	"github.com/kataras/iris/v12"
)

// Handlers API 处理器
type Handlers struct {
	svc     *CredServer
	metrics *Metrics
}

// NewHandlers 创建处理器
func NewHandlers(svc *CredServer, metrics *Metrics) *Handlers {
	return &Handlers{svc: svc, metrics: metrics}
}

// statusOf 错误分类到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, assetio.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return iris.StatusNotFound
	case errors.Is(err, assetio.ErrMalformedContainer):
		return iris.StatusUnprocessableEntity
	case errors.Is(err, assetio.ErrPatchSizeMismatch):
		return iris.StatusConflict
	case errors.Is(err, assetio.ErrUnsupportedAssetType):
		return iris.StatusUnsupportedMediaType
	case errors.Is(err, ErrBadPath):
		return iris.StatusBadRequest
	default:
		return iris.StatusInternalServerError
	}
}

// fail 输出错误。没有存储属于正常结果，不记为错误日志
func (h *Handlers) fail(ctx iris.Context, op string, err error) {
	code := statusOf(err)
	if code >= iris.StatusInternalServerError {
		logger.LogError("[API] 请求失败", "op", op, "path", ctx.URLParam("path"), "error", err)
	} else if !errors.Is(err, assetio.ErrNotFound) {
		logger.LogWarn("[API] 请求被拒绝", "op", op, "path", ctx.URLParam("path"), "error", err)
	}
	ctx.StatusCode(code)
	ctx.JSON(iris.Map{"error": err.Error()})
}

// GetTypes 支持的类型
// GET /api/v1/types
func (h *Handlers) GetTypes(ctx iris.Context) {
	ctx.JSON(h.svc.SupportedTypes())
}

// GetStore 读取存储字节
// GET /api/v1/store?path=
func (h *Handlers) GetStore(ctx iris.Context) {
	data, err := h.svc.ReadStore(ctx.URLParam("path"))
	h.metrics.observe("read", err)
	if err != nil {
		h.fail(ctx, "read", err)
		return
	}
	ctx.Binary(data)
}

// PutStore 写入存储，?patch=1 优先原地修补
// PUT /api/v1/store?path=
func (h *Handlers) PutStore(ctx iris.Context) {
	body, err := ctx.GetBody()
	if err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "无法读取请求体"})
		return
	}
	if len(body) == 0 {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "存储内容为空"})
		return
	}

	patch, _ := ctx.URLParamBool("patch")
	res, err := h.svc.WriteStore(ctx.URLParam("path"), body, patch)
	op := "write"
	if res != nil && res.Patched {
		op = "patch"
	}
	h.metrics.observe(op, err)
	if err != nil {
		h.fail(ctx, op, err)
		return
	}
	h.metrics.observeSize(op, len(body))
	ctx.JSON(res)
}

// DeleteStore 删除存储
// DELETE /api/v1/store?path=
func (h *Handlers) DeleteStore(ctx iris.Context) {
	err := h.svc.RemoveStore(ctx.URLParam("path"))
	h.metrics.observe("remove", err)
	if err != nil {
		h.fail(ctx, "remove", err)
		return
	}
	ctx.StatusCode(iris.StatusNoContent)
}

// GetLocation 存储位置
// GET /api/v1/store/location?path=
func (h *Handlers) GetLocation(ctx iris.Context) {
	loc, err := h.svc.Locate(ctx.URLParam("path"))
	h.metrics.observe("locate", err)
	if err != nil {
		h.fail(ctx, "locate", err)
		return
	}
	ctx.JSON(iris.Map{
		"found":      loc.Found,
		"offset":     loc.Offset,
		"length":     loc.Length,
		"dataOffset": loc.DataOffset,
		"dataLength": loc.DataLength,
		"layout":     loc.Layout,
		"duplicates": loc.Duplicates,
	})
}

// GetRanges 哈希区间
// GET /api/v1/ranges?path=
func (h *Handlers) GetRanges(ctx iris.Context) {
	ranges, err := h.svc.HashRanges(ctx.URLParam("path"))
	h.metrics.observe("ranges", err)
	if err != nil {
		h.fail(ctx, "ranges", err)
		return
	}
	if ranges == nil {
		ranges = []models.HashObjectPosition{}
	}
	ctx.JSON(iris.Map{
		"ranges": ranges,
		"total":  models.TotalLength(ranges),
	})
}

// GetDigest 硬绑定摘要
// GET /api/v1/digest?path=&alg=
func (h *Handlers) GetDigest(ctx iris.Context) {
	alg, err := digest.ParseAlgorithm(ctx.URLParam("alg"))
	if err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": err.Error()})
		return
	}
	res, err := h.svc.Digest(ctx.URLParam("path"), alg)
	h.metrics.observe("digest", err)
	if err != nil {
		h.fail(ctx, "digest", err)
		return
	}
	ctx.JSON(res)
}

// PostReference 写入远程引用
// POST /api/v1/reference?path=
func (h *Handlers) PostReference(ctx iris.Context) {
	var req struct {
		Kind string `json:"kind"`
		URI  string `json:"uri"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "无效的 JSON"})
		return
	}
	kind, err := models.ParseRefKind(req.Kind)
	if err != nil || req.URI == "" {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "需要 kind (box|xmp) 与 uri"})
		return
	}

	ref := models.RemoteRef{Kind: kind, URI: req.URI}
	err = h.svc.EmbedReference(ctx.URLParam("path"), ref)
	h.metrics.observe("embed_reference", err)
	if err != nil {
		h.fail(ctx, "embed_reference", err)
		return
	}
	ctx.JSON(ref)
}

// GetReference 读取远程引用
// GET /api/v1/reference?path=
func (h *Handlers) GetReference(ctx iris.Context) {
	ref, err := h.svc.ReadReference(ctx.URLParam("path"))
	h.metrics.observe("read_reference", err)
	if err != nil {
		h.fail(ctx, "read_reference", err)
		return
	}
	ctx.JSON(ref)
}

// GetDashSegment 解析码流对应的物理分段
// GET /api/v1/dash/segment?rep=&kind=
func (h *Handlers) GetDashSegment(ctx iris.Context) {
	kind, err := dash.ParseSegmentKind(ctx.URLParam("kind"))
	if err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": err.Error()})
		return
	}
	rep := ctx.URLParam("rep")
	path, err := h.svc.ResolveSegment(rep, kind)
	if err != nil {
		h.fail(ctx, "resolve_segment", err)
		return
	}
	ctx.JSON(iris.Map{"rep": rep, "kind": kind, "path": path})
}

// ==================== 路由注册 ====================

// RegisterRoutes 注册路由
func RegisterRoutes(app *iris.Application, h *Handlers) {
	app.Get("/metrics", iris.FromStd(h.metrics.Handler()))

	v1 := app.Party("/api/v1")
	{
		v1.Use(h.metrics.Middleware)
		v1.Get("/types", h.GetTypes)
		v1.Get("/store", h.GetStore)
		v1.Put("/store", h.PutStore)
		v1.Delete("/store", h.DeleteStore)
		v1.Get("/store/location", h.GetLocation)
		v1.Get("/ranges", h.GetRanges)
		v1.Get("/digest", h.GetDigest)
		v1.Post("/reference", h.PostReference)
		v1.Get("/reference", h.GetReference)
		v1.Get("/dash/segment", h.GetDashSegment)
		v1.Get("/ws", h.HandleWebSocket) // WebSocket 区间/摘要推送
	}
}
