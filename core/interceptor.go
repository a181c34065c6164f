package core

import (
	"io"
	"time"

	"llm-toolfix/core/locator"
	"llm-toolfix/core/schema"
	"llm-toolfix/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FixReport 一组工具的修正结果
type FixReport struct {
	Fixed   int
	Skipped int
	Tools   []string // 已修正的工具名
	Rewrite schema.Report
}

// MatchResult 单个命中位置的处理结果
type MatchResult struct {
	Location locator.Location
	Path     string
	FixReport
}

// Result 一次回调的完整结果，供日志与审计使用
type Result struct {
	RequestID string
	Event     models.CallEvent
	Matches   []MatchResult
	Duration  time.Duration
}

// ToolsFixed 所有位置修正的工具总数
func (r *Result) ToolsFixed() int {
	n := 0
	for _, m := range r.Matches {
		n += m.Fixed
	}
	return n
}

// ToolsSkipped 所有位置跳过的条目总数
func (r *Result) ToolsSkipped() int {
	n := 0
	for _, m := range r.Matches {
		n += m.Skipped
	}
	return n
}

// Rewrites 所有位置的改写统计
func (r *Result) Rewrites() schema.Report {
	var total schema.Report
	for _, m := range r.Matches {
		total.Add(m.Rewrite)
	}
	return total
}

// EventOf 根据是否存在 completion 响应判定事件类型
func EventOf(completionResponse *models.Node) models.CallEvent {
	if completionResponse == nil {
		return models.PreCall
	}
	return models.PostCall
}

// FixTools 原位替换每个工具的 function.parameters 为简化后的 schema
// 缺少 function 或 parameters 的条目直接跳过，不影响其余工具
func FixTools(tools *models.Node) FixReport {
	var report FixReport
	for _, tool := range tools.Elems() {
		fn, ok := tool.Get("function")
		if !ok || !fn.IsObject() {
			report.Skipped++
			continue
		}
		params, ok := fn.Get("parameters")
		if !ok {
			report.Skipped++
			continue
		}

		cleaned, rw := schema.SimplifyReport(params)
		fn.Set("parameters", cleaned)

		name, ok := fn.Get("name")
		if s, isStr := name.Str(); ok && isStr {
			report.Tools = append(report.Tools, s)
		} else {
			report.Tools = append(report.Tools, "unknown")
		}
		report.Fixed++
		report.Rewrite.Add(rw)
	}
	return report
}

// Interceptor 请求前置回调：定位工具定义并修正参数 schema
// 无状态，可在多个 goroutine 中对互不相关的请求并发调用
type Interceptor struct {
	locator *locator.Locator
	logger  logrus.FieldLogger
}

// NewInterceptor logger 为 nil 时丢弃日志；loc 为 nil 时使用默认位置
func NewInterceptor(loc *locator.Locator, logger logrus.FieldLogger) *Interceptor {
	if loc == nil {
		loc = locator.Default()
	}
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Interceptor{locator: loc, logger: logger}
}

// Locator 返回使用中的 Locator
func (i *Interceptor) Locator() *locator.Locator {
	return i.locator
}

// Intercept 回调入口，返回同一个 kwargs 引用
// startTime / endTime 仅为签名兼容，不参与逻辑
func (i *Interceptor) Intercept(kwargs, completionResponse *models.Node, startTime, endTime *time.Time) *models.Node {
	out, _ := i.Run(kwargs, completionResponse, startTime, endTime)
	return out
}

// Run 同 Intercept，额外返回处理结果
func (i *Interceptor) Run(kwargs, completionResponse *models.Node, startTime, endTime *time.Time) (*models.Node, *Result) {
	start := time.Now()
	result := &Result{
		RequestID: uuid.New().String(),
		Event:     EventOf(completionResponse),
	}
	log := i.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"event":      result.Event,
	})

	if result.Event == models.PostCall {
		log.Debug("Not a pre-call event, skipping")
		result.Duration = time.Since(start)
		return kwargs, result
	}

	log.WithField("kwargs_keys", kwargs.Keys()).Debug("🔍 Intercepted request, scanning for tool schemas")

	for m := range i.locator.Locate(kwargs) {
		mlog := log.WithFields(logrus.Fields{"location": m.Tag, "path": m.Path})
		mlog.Infof("Detected %d tools", m.Tools.Len())

		report := FixTools(m.Tools)
		for _, name := range report.Tools {
			mlog.WithField("tool", name).Debug("Tool schema corrected")
		}
		if report.Skipped > 0 {
			mlog.Warnf("⏭️ Skipped %d malformed tool entries", report.Skipped)
		}

		result.Matches = append(result.Matches, MatchResult{
			Location:  m.Tag,
			Path:      m.Path,
			FixReport: report,
		})
	}

	result.Duration = time.Since(start)
	if len(result.Matches) == 0 {
		log.Debug("No tools found in request")
		return kwargs, result
	}

	rw := result.Rewrites()
	log.WithFields(logrus.Fields{
		"matches":   len(result.Matches),
		"fixed":     result.ToolsFixed(),
		"skipped":   result.ToolsSkipped(),
		"flattened": rw.FlattenedWrappers,
		"collapsed": rw.CollapsedTypes,
	}).Info("✅ Tool schemas cleaned")
	return kwargs, result
}
