package openai

import (
	"xray-insight/src/core/providers/narrative"
	"xray-insight/src/core/utils"
)

// NewProvider 创建OpenAI类型的报告撰写模型提供者，默认使用gpt-4o
func NewProvider(config *narrative.Config, logger *utils.Logger) (*narrative.Provider, error) {
	if config.ModelName == "" {
		config.ModelName = "gpt-4o"
	}
	provider, err := narrative.NewProvider(config, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("OpenAI报告撰写模型创建成功", map[string]interface{}{
		"model_name": config.ModelName,
		"base_url":   config.BaseURL,
	})

	return provider, nil
}

// init 注册OpenAI提供者
func init() {
	narrative.Register("openai", NewProvider)
}
