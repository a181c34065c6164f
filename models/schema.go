package models

import (
	"time"

	"gorm.io/gorm"
)

// HookLog 单次回调的审计记录
type HookLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RequestID    string    `gorm:"index" json:"request_id"`
	Event        string    `json:"event"`     // pre_call / post_call
	Source       string    `json:"source"`    // hook / ws / proxy
	Locations    string    `json:"locations"` // 逗号分隔的命中位置
	Matches      int       `json:"matches"`
	ToolsFixed   int       `json:"tools_fixed"`
	ToolsSkipped int       `json:"tools_skipped"`
	Flattened    int       `json:"flattened"`
	Collapsed    int       `json:"collapsed"`
	Duration     int64     `json:"duration"` // 微秒

	// 按位置拆分的增量，仅用于聚合，不落库
	Deltas []LocationDelta `gorm:"-" json:"-"`
}

// LocationStats 按定位位置聚合的统计
type LocationStats struct {
	gorm.Model
	Location     string    `gorm:"uniqueIndex;not null" json:"location"`
	Matches      int64     `gorm:"default:0" json:"matches"`
	ToolsFixed   int64     `gorm:"default:0" json:"tools_fixed"`
	ToolsSkipped int64     `gorm:"default:0" json:"tools_skipped"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// LocationDelta 一批日志中某个位置的增量，由审计日志器计算
type LocationDelta struct {
	Location     string
	Matches      int
	ToolsFixed   int
	ToolsSkipped int
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&HookLog{},
		&LocationStats{},
	)
}
