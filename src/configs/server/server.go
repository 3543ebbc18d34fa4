package server

import (
	"context"
	"net/http"

	"xray-insight/src/configs"
	"xray-insight/src/core/utils"

	"github.com/gin-gonic/gin"
)

type DefaultCfgService struct {
	logger *utils.Logger
	config *configs.Config
}

// PipelineSettings 对外公开的流水线参数，不包含密钥
type PipelineSettings struct {
	Detector  configs.DetectorConfig `json:"detector"`
	Saliency  configs.SaliencyConfig `json:"saliency"`
	Report    configs.ReportConfig   `json:"report"`
	Narrative string                 `json:"narrative"`
	Model     string                 `json:"narrative_model,omitempty"`
}

// NewDefaultCfgService 构造函数
func NewDefaultCfgService(config *configs.Config, logger *utils.Logger) *DefaultCfgService {
	return &DefaultCfgService{
		logger: logger,
		config: config,
	}
}

// Start 实现 CfgService 接口，注册所有 Cfg 相关路由
func (s *DefaultCfgService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/cfg", s.handleGet)
	apiGroup.OPTIONS("/cfg", s.handleOptions)

	s.logger.Info("Cfg HTTP服务路由注册完成")
	return nil
}

// Settings 当前生效的流水线参数
func (s *DefaultCfgService) Settings() PipelineSettings {
	name, nc, _ := s.config.SelectedNarrative()
	return PipelineSettings{
		Detector:  s.config.Detector,
		Saliency:  s.config.Saliency,
		Report:    s.config.Report,
		Narrative: name,
		Model:     nc.ModelName,
	}
}

func (s *DefaultCfgService) handleGet(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"settings": s.Settings(),
	})
}

func (s *DefaultCfgService) handleOptions(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")
	c.Status(http.StatusNoContent)
}
