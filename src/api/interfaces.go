package api

import (
	"context"

	"xray-insight/src/core/report"
	"xray-insight/src/models"

	"github.com/gin-gonic/gin"
)

// XrayService 定义 X光分析服务接口
type XrayService interface {
	// 将路由注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}

// Analyzer 执行一次报告生成
type Analyzer interface {
	Run(ctx context.Context, paths report.Paths) (*report.Outcome, error)
}

// RecordStore 历史记录存储
type RecordStore interface {
	Save(ctx context.Context, rec *models.ReportRecord) error
	List(ctx context.Context, userID string, limit int) ([]models.ReportRecord, error)
}
