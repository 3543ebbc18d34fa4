package ollama

import (
	"xray-insight/src/core/providers/narrative"
	"xray-insight/src/core/utils"
)

// NewProvider 创建Ollama类型的报告撰写模型提供者，模型需要支持图片输入（如llava、qwen2.5vl）
func NewProvider(config *narrative.Config, logger *utils.Logger) (*narrative.Provider, error) {
	if config.ModelName == "" {
		config.ModelName = "llava"
	}
	provider, err := narrative.NewProvider(config, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("Ollama报告撰写模型创建成功", map[string]interface{}{
		"model_name": config.ModelName,
		"base_url":   config.BaseURL,
	})

	return provider, nil
}

// init 注册Ollama提供者
func init() {
	narrative.Register("ollama", NewProvider)
}
