package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llm-toolfix/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var ErrUpstreamNotConfigured = errors.New("upstream url not configured")

// ProxyHandler 透传代理：请求体作为 kwargs 走一次 pre-call 回调，再原样转发给上游
type ProxyHandler struct {
	interceptor *Interceptor
	audit       AuditSink
	logger      *logrus.Logger
	client      *http.Client
	upstreamURL string
	apiKey      string
	timeout     time.Duration
}

// NewProxyHandler apiKey 须为已解密的明文
func NewProxyHandler(interceptor *Interceptor, audit AuditSink, logger *logrus.Logger, client *http.Client, cfg UpstreamConfig, apiKey string) (*ProxyHandler, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrUpstreamNotConfigured
	}
	if audit == nil {
		audit = noopAuditSink{}
	}
	if client == nil {
		client = NewUpstreamClient()
	}
	return &ProxyHandler{
		interceptor: interceptor,
		audit:       audit,
		logger:      logger,
		client:      client,
		upstreamURL: normalizeURL(cfg.URL),
		apiKey:      apiKey,
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil
}

// HandleChatCompletions POST /v1/chat/completions
func (h *ProxyHandler) HandleChatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Failed to read body: "+err.Error(), "invalid_request_error"))
		return
	}
	kwargs, err := models.ParseNode(body)
	if err != nil || !kwargs.IsObject() {
		c.JSON(http.StatusBadRequest, models.NewErrorDetail("Invalid request body: expected a JSON object", "invalid_request_error"))
		return
	}

	kwargs, result := h.interceptor.Run(kwargs, nil, nil, nil)
	h.audit.Log(NewHookLog(SourceProxy, result))

	payload, err := kwargs.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewErrorDetail("Failed to encode request: "+err.Error(), "internal_error"))
		return
	}

	stream := false
	if v, ok := kwargs.Get("stream"); ok {
		stream, _ = v.BoolValue()
	}

	// 流式请求依靠客户端断开取消，不设总超时
	ctx := c.Request.Context()
	if !stream && h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.upstreamURL, bytes.NewReader(payload))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewErrorDetail("Failed to create request: "+err.Error(), "internal_error"))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	req.Header.Set("User-Agent", "LLM-Toolfix/1.0")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WithField("request_id", result.RequestID).Warnf("⚠️ Upstream request failed: %v", err)
		c.JSON(http.StatusBadGateway, models.NewErrorDetail(fmt.Sprintf("upstream unavailable: %v", err), "service_unavailable"))
		return
	}
	defer resp.Body.Close()

	h.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"status":     resp.StatusCode,
		"latency_ms": time.Since(start).Milliseconds(),
		"stream":     stream,
	}).Info("🎯 Upstream responded")

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)

	if stream && resp.StatusCode == http.StatusOK {
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.Flush()
		if err := streamCopy(c.Writer, resp.Body); err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "broken pipe") || strings.Contains(errStr, "connection reset") {
				h.logger.Warnf("⚠️ Stream disconnected by client: %v", err)
			} else {
				h.logger.Errorf("❌ Stream copy error: %v", err)
			}
		}
		return
	}

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Errorf("❌ Response copy error: %v", err)
	}
}

// copyResponseHeaders 跳过传输控制类与 CORS 头（全局中间件已处理）
func copyResponseHeaders(c *gin.Context, header http.Header) {
	for k, v := range header {
		switch k {
		case "Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection",
			"Access-Control-Allow-Origin", "Access-Control-Allow-Methods",
			"Access-Control-Allow-Headers", "Access-Control-Allow-Credentials",
			"Date", "Server":
			continue
		}
		for _, val := range v {
			c.Header(k, val)
		}
	}
}

// streamCopy 边读边刷新，保证 SSE 实时到达客户端
func streamCopy(dst gin.ResponseWriter, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			dst.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// normalizeURL 只追加缺失的 /chat/completions，其余完全信任配置
func normalizeURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(u, "/chat/completions") {
		return u
	}
	if strings.HasSuffix(u, "/v1") {
		return u + "/chat/completions"
	}
	return u
}
