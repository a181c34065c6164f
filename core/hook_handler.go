package core

import (
	"encoding/json"
	"net/http"
	"time"

	"llm-toolfix/core/schema"
	"llm-toolfix/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	SourceHook  = "hook"
	SourceWS    = "ws"
	SourceProxy = "proxy"
)

// HookHandler 将 Interceptor 暴露为 HTTP / WebSocket 回调接口
type HookHandler struct {
	interceptor *Interceptor
	audit       AuditSink
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

// NewHookHandler audit 为 nil 时不记录审计
func NewHookHandler(interceptor *Interceptor, audit AuditSink, logger *logrus.Logger) *HookHandler {
	if audit == nil {
		audit = noopAuditSink{}
	}
	return &HookHandler{
		interceptor: interceptor,
		audit:       audit,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// 宿主框架通常与本服务同机部署，不做 Origin 校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// run 执行回调并投递审计记录
func (h *HookHandler) run(source string, req *models.HookRequest) *models.Node {
	kwargs, result := h.interceptor.Run(req.Kwargs, req.CompletionResponse, req.StartTime.TimeOrNil(), req.EndTime.TimeOrNil())
	h.audit.Log(NewHookLog(source, result))
	return kwargs
}

// HandleHook POST /v1/hooks/tool-fixer
func (h *HookHandler) HandleHook(c *gin.Context) {
	var req models.HookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Invalid hook request: "+err.Error(), "invalid_request_error"))
		return
	}
	if !req.Kwargs.IsObject() {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("kwargs must be a JSON object", "invalid_request_error"))
		return
	}

	// PureJSON 不转义 HTML，透传文本保持原样
	c.PureJSON(http.StatusOK, models.HookResponse{Kwargs: h.run(SourceHook, &req)})
}

// HandleLocate POST /v1/hooks/locate，只定位不修改
func (h *HookHandler) HandleLocate(c *gin.Context) {
	var req models.HookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Invalid hook request: "+err.Error(), "invalid_request_error"))
		return
	}

	resp := models.LocateResponse{
		Event:   EventOf(req.CompletionResponse),
		Matches: make([]models.LocatedTools, 0),
	}
	for m := range h.interceptor.Locator().Locate(req.Kwargs) {
		// 在副本上预演修正，原请求不变
		preview := FixTools(m.Tools.Clone())
		located := models.LocatedTools{
			Location:      string(m.Tag),
			Path:          m.Path,
			ToolCount:     m.Tools.Len(),
			WouldFix:      preview.Fixed,
			WouldFlatten:  preview.Rewrite.FlattenedWrappers,
			WouldCollapse: preview.Rewrite.CollapsedTypes,
		}
		for _, tool := range m.Tools.Elems() {
			fn, _ := tool.Get("function")
			name, _ := fn.Get("name")
			if s, ok := name.Str(); ok {
				located.ToolNames = append(located.ToolNames, s)
			}
		}
		resp.Matches = append(resp.Matches, located)
	}
	c.PureJSON(http.StatusOK, resp)
}

// HandleSimplify POST /v1/schema/simplify，请求体即 schema
func (h *HookHandler) HandleSimplify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Failed to read body: "+err.Error(), "invalid_request_error"))
		return
	}
	node, err := models.ParseNode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Invalid schema: "+err.Error(), "invalid_request_error"))
		return
	}

	out, report := schema.SimplifyReport(node)
	c.PureJSON(http.StatusOK, models.SimplifyResponse{
		Schema:            out,
		FlattenedWrappers: report.FlattenedWrappers,
		CollapsedTypes:    report.CollapsedTypes,
	})
}

// HandleHookStream GET /v1/hooks/ws
// 长连接模式：每个文本帧是一个 HookRequest，按顺序回复 HookResponse 或错误帧
func (h *HookHandler) HandleHookStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Infof("🔌 Hook stream connected: %s", clientIP)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("⚠️ Hook stream read error: %v", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req models.HookRequest
		var reply interface{}
		if err := json.Unmarshal(data, &req); err != nil {
			reply = models.NewErrorDetail("Invalid hook request: "+err.Error(), "invalid_request_error")
		} else if !req.Kwargs.IsObject() {
			reply = models.NewErrorDetail("kwargs must be a JSON object", "invalid_request_error")
		} else {
			reply = models.HookResponse{Kwargs: h.run(SourceWS, &req)}
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := writeFrame(conn, reply); err != nil {
			h.logger.Warnf("⚠️ Hook stream write error: %v", err)
			break
		}
	}

	h.logger.Infof("Hook stream closed: %s", clientIP)
}

// writeFrame 同 conn.WriteJSON，但不转义 HTML
func writeFrame(conn *websocket.Conn, v interface{}) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
