package main

import (
	"strconv"
	"time"

	"llm-toolfix/core"
	"llm-toolfix/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const serviceName = "LLM Tool Schema Fixer"

// handleRoot 处理根路径请求
func handleRoot(interceptor *core.Interceptor, proxyMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoints := gin.H{
			"hook":     "/v1/hooks/tool-fixer",
			"locate":   "/v1/hooks/locate",
			"stream":   "/v1/hooks/ws",
			"simplify": "/v1/schema/simplify",
			"health":   "/health",
		}
		if proxyMode {
			endpoints["chat"] = "/v1/chat/completions"
		}
		c.JSON(200, gin.H{
			"name":      serviceName,
			"version":   "1.0.0",
			"endpoints": endpoints,
			"locations": interceptor.Locator().Tags(),
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 处理健康检查
func handleHealth(interceptor *core.Interceptor, proxyMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.HealthResponse{
			Status:    "healthy",
			Service:   serviceName,
			Locations: interceptor.Locator().Tags(),
			ProxyMode: proxyMode,
			Timestamp: time.Now().Unix(),
		})
	}
}

// handleStats 按位置汇总的修正统计
func handleStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var stats []models.LocationStats
		if err := db.Order("location asc").Find(&stats).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query stats: "+err.Error()))
			return
		}

		var totalLogs int64
		db.Model(&models.HookLog{}).Count(&totalLogs)

		c.JSON(200, models.NewSuccessResponse("ok", gin.H{
			"locations":   stats,
			"recent_logs": totalLogs,
		}))
	}
}

// handleRecentLogs 最近的回调审计记录，?limit= 默认 20，最多 100
func handleRecentLogs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(400, models.NewErrorResponse("invalid limit: must be a positive number"))
				return
			}
			limit = n
		}
		if limit > 100 {
			limit = 100
		}

		var logs []models.HookLog
		if err := db.Order("id desc").Limit(limit).Find(&logs).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query logs: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("ok", logs))
	}
}
