package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// CallEvent 回调事件类型
type CallEvent string

const (
	// PreCall 请求发送前（尚无响应），唯一允许修改请求的阶段
	PreCall CallEvent = "pre_call"
	// PostCall 已拿到 completion 响应，终态
	PostCall CallEvent = "post_call"
)

// HookRequest 宿主框架传入的回调参数
// completion_response 为 null 或缺失即 pre-call
type HookRequest struct {
	Kwargs             *Node      `json:"kwargs" binding:"required"`
	CompletionResponse *Node      `json:"completion_response,omitempty"`
	StartTime          *Timestamp `json:"start_time,omitempty"`
	EndTime            *Timestamp `json:"end_time,omitempty"`
}

// Timestamp 兼容 RFC3339 字符串与 unix 秒（可带小数）两种写法
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// TimeOrNil 转换为 *time.Time，nil 保持 nil
func (t *Timestamp) TimeOrNil() *time.Time {
	if t == nil {
		return nil
	}
	tm := t.Time
	return &tm
}

// HookResponse 返回给宿主框架的 kwargs
type HookResponse struct {
	Kwargs *Node `json:"kwargs"`
}

// LocatedTools 定位结果摘要（dry run 输出）
type LocatedTools struct {
	Location  string   `json:"location"`
	Path      string   `json:"path"`
	ToolCount int      `json:"tool_count"`
	ToolNames []string `json:"tool_names,omitempty"`

	// 预演结果：真正调用回调时会发生的改写
	WouldFix      int `json:"would_fix"`
	WouldFlatten  int `json:"would_flatten"`
	WouldCollapse int `json:"would_collapse"`
}

// LocateResponse 定位接口响应
type LocateResponse struct {
	Event   CallEvent      `json:"event"`
	Matches []LocatedTools `json:"matches"`
}

// SimplifyResponse Schema 简化接口响应
type SimplifyResponse struct {
	Schema            *Node `json:"schema"`
	FlattenedWrappers int   `json:"flattened_wrappers"`
	CollapsedTypes    int   `json:"collapsed_types"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewErrorDetail 构造 OpenAI 风格错误体
func NewErrorDetail(message, errType string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	Locations []string `json:"locations"`
	ProxyMode bool     `json:"proxy_mode"`
	Timestamp int64    `json:"timestamp"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}
