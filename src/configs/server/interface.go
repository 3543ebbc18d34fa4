package server

import (
	"context"

	"github.com/gin-gonic/gin"
)

// CfgService 对外提供当前流水线参数
type CfgService interface {
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
	// Settings 不含任何密钥的生效参数
	Settings() PipelineSettings
}
