package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"mediacred/internal/digest"
	"mediacred/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSMessage WebSocket 请求
type WSMessage struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Alg    string `json:"alg"`
}

// CredSession 一个 WebSocket 连接。请求按到达顺序依次处理
type CredSession struct {
	ws       *websocket.Conn
	handlers *Handlers
	mu       sync.Mutex
}

// HandleWebSocket WebSocket 处理器
func (h *Handlers) HandleWebSocket(ctx iris.Context) {
	ws, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
	if err != nil {
		logger.LogWarn("[WS] 升级失败", "error", err)
		return
	}
	defer ws.Close()

	session := &CredSession{ws: ws, handlers: h}
	sessionID := fmt.Sprintf("%p", ws)
	logger.LogInfo("[WS] 新连接", "session", sessionID)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.LogWarn("[WS] 连接异常", "session", sessionID, "error", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			session.sendError("", "无效的 JSON")
			continue
		}
		logger.LogDebug("[WS] 请求", "session", sessionID, "action", msg.Action, "path", msg.Path)

		switch msg.Action {
		case "ranges":
			session.streamRanges(msg.Path)
		case "digest":
			session.digest(msg.Path, msg.Alg)
		case "locate":
			session.locate(msg.Path)
		default:
			session.sendError(msg.Action, "未知操作")
		}
	}

	logger.LogInfo("[WS] 断开连接", "session", sessionID)
}

func (s *CredSession) sendJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *CredSession) sendError(action, msg string) {
	s.sendJSON(map[string]interface{}{"type": "error", "action": action, "error": msg})
}

// streamRanges 逐条推送哈希区间，最后发送 done
func (s *CredSession) streamRanges(path string) {
	svc, m := s.handlers.svc, s.handlers.metrics
	ranges, err := svc.HashRanges(path)
	m.observe("ranges", err)
	if err != nil {
		s.sendError("ranges", err.Error())
		return
	}

	for i, p := range ranges {
		err := s.sendJSON(map[string]interface{}{
			"type":   "range",
			"index":  i,
			"offset": p.Offset,
			"length": p.Length,
			"role":   p.Role,
		})
		if err != nil {
			return
		}
	}
	s.sendJSON(map[string]interface{}{"type": "done", "action": "ranges", "count": len(ranges)})
}

func (s *CredSession) digest(path, algName string) {
	alg, err := digest.ParseAlgorithm(algName)
	if err != nil {
		s.sendError("digest", err.Error())
		return
	}
	svc, m := s.handlers.svc, s.handlers.metrics
	res, err := svc.Digest(path, alg)
	m.observe("digest", err)
	if err != nil {
		s.sendError("digest", err.Error())
		return
	}
	s.sendJSON(map[string]interface{}{"type": "digest", "result": res})
}

func (s *CredSession) locate(path string) {
	svc, m := s.handlers.svc, s.handlers.metrics
	loc, err := svc.Locate(path)
	m.observe("locate", err)
	if err != nil {
		s.sendError("locate", err.Error())
		return
	}
	s.sendJSON(map[string]interface{}{
		"type":       "location",
		"found":      loc.Found,
		"offset":     loc.Offset,
		"length":     loc.Length,
		"layout":     loc.Layout,
		"duplicates": loc.Duplicates,
	})
}
