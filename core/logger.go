package core

import (
	"errors"
	"strings"
	"sync"
	"time"

	"llm-toolfix/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncHookLogger 异步审计日志记录器
// 回调路径只投递到 channel，落库与统计聚合在后台 worker 中完成
type AsyncHookLogger struct {
	db        *gorm.DB
	logChan   chan *models.HookLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retention int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncHookLogger 创建异步审计日志记录器，retention 为保留的最新记录数
func NewAsyncHookLogger(db *gorm.DB, logger *logrus.Logger, retention int) *AsyncHookLogger {
	if retention <= 0 {
		retention = 100
	}
	l := &AsyncHookLogger{
		db:        db,
		logChan:   make(chan *models.HookLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		retention: retention,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// NewHookLog 将一次回调结果转换为审计记录
func NewHookLog(source string, result *Result) *models.HookLog {
	rw := result.Rewrites()
	entry := &models.HookLog{
		CreatedAt:    time.Now(),
		RequestID:    result.RequestID,
		Event:        string(result.Event),
		Source:       source,
		Matches:      len(result.Matches),
		ToolsFixed:   result.ToolsFixed(),
		ToolsSkipped: result.ToolsSkipped(),
		Flattened:    rw.FlattenedWrappers,
		Collapsed:    rw.CollapsedTypes,
		Duration:     result.Duration.Microseconds(),
	}

	locs := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		locs = append(locs, string(m.Location))
		entry.Deltas = append(entry.Deltas, models.LocationDelta{
			Location:     string(m.Location),
			Matches:      1,
			ToolsFixed:   m.Fixed,
			ToolsSkipped: m.Skipped,
		})
	}
	entry.Locations = strings.Join(locs, ",")
	return entry
}

// Log 提交日志到队列，Close 之后的记录直接丢弃
func (l *AsyncHookLogger) Log(log *models.HookLog) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Debugf("[Audit] Logger closed, dropping hook log %s", log.RequestID)
		return
	}
	select {
	case l.logChan <- log:
	default:
		// 队列满了直接丢弃，不能阻塞回调
		l.logger.Warn("Audit channel full, dropping hook log")
	}
}

func (l *AsyncHookLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncHookLogger) workerLoop() {
	var batch []*models.HookLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case log := <-l.logChan:
			batch = append(batch, log)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前把 channel 中剩余的也带上
		drain:
			for {
				select {
				case log := <-l.logChan:
					batch = append(batch, log)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

// flush 批量写入并更新按位置聚合的统计
func (l *AsyncHookLogger) flush(logs []*models.HookLog) {
	if len(logs) == 0 {
		return
	}

	l.logger.Debugf("[Audit] Flushing %d hook logs to DB...", len(logs))

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to flush logs: %v", err)
	}

	l.prune()

	deltas := make(map[string]*models.LocationDelta)
	for _, log := range logs {
		for _, d := range log.Deltas {
			agg, ok := deltas[d.Location]
			if !ok {
				agg = &models.LocationDelta{Location: d.Location}
				deltas[d.Location] = agg
			}
			agg.Matches += d.Matches
			agg.ToolsFixed += d.ToolsFixed
			agg.ToolsSkipped += d.ToolsSkipped
		}
	}

	now := time.Now()
	for loc, delta := range deltas {
		var stat models.LocationStats
		err := l.db.Where("location = ?", loc).First(&stat).Error
		switch {
		case err == nil:
			stat.Matches += int64(delta.Matches)
			stat.ToolsFixed += int64(delta.ToolsFixed)
			stat.ToolsSkipped += int64(delta.ToolsSkipped)
			stat.LastSeenAt = now
			if err := l.db.Save(&stat).Error; err != nil {
				l.logger.Errorf("[Audit] Failed to update stats for %s: %v", loc, err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			stat = models.LocationStats{
				Location:     loc,
				Matches:      int64(delta.Matches),
				ToolsFixed:   int64(delta.ToolsFixed),
				ToolsSkipped: int64(delta.ToolsSkipped),
				LastSeenAt:   now,
			}
			if err := l.db.Create(&stat).Error; err != nil {
				l.logger.Errorf("[Audit] Failed to create stats for %s: %v", loc, err)
			}
		default:
			l.logger.Errorf("[Audit] Failed to load stats for %s: %v", loc, err)
		}
	}
}

// prune 只保留最新的 retention 条记录
func (l *AsyncHookLogger) prune() {
	var count int64
	if err := l.db.Model(&models.HookLog{}).Count(&count).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to count logs: %v", err)
		return
	}
	if count <= int64(l.retention) {
		return
	}
	var pivotID uint
	if err := l.db.Model(&models.HookLog{}).Select("id").Order("id desc").Offset(l.retention).Limit(1).Scan(&pivotID).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to find prune pivot: %v", err)
		return
	}
	if pivotID == 0 {
		return
	}
	if err := l.db.Where("id <= ?", pivotID).Delete(&models.HookLog{}).Error; err != nil {
		l.logger.Errorf("[Audit] Failed to prune logs: %v", err)
	}
}

// Close 停止 worker 并刷新剩余日志，可重复调用
func (l *AsyncHookLogger) Close() {
	l.closeOnce.Do(func() {
		// 先拒绝新记录，已入队的由 worker 排空
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.quit)
		l.wg.Wait()
	})
}
