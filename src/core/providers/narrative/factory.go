package narrative

import (
	"fmt"
	"sort"

	"xray-insight/src/configs"
	"xray-insight/src/core/utils"
)

// Factory 报告撰写模型工厂函数类型
type Factory func(config *Config, logger *utils.Logger) (*Provider, error)

var (
	factories = make(map[string]Factory)
)

// Register 注册提供者工厂
func Register(name string, factory Factory) {
	factories[name] = factory
}

// Create 按类型创建并初始化提供者实例
func Create(name string, nc configs.NarrativeConfig, logger *utils.Logger) (*Provider, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("未知的报告撰写模型提供者: %s", name)
	}

	config := &Config{
		Type:        nc.Type,
		ModelName:   nc.ModelName,
		BaseURL:     nc.BaseURL,
		APIKey:      nc.APIKey,
		Temperature: nc.Temperature,
		MaxTokens:   nc.MaxTokens,
		Data:        nc.Extra,
	}

	provider, err := factory(config, logger)
	if err != nil {
		return nil, fmt.Errorf("创建报告撰写模型提供者失败: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("初始化报告撰写模型提供者失败: %w", err)
	}
	return provider, nil
}

// GetRegisteredProviders 获取已注册的提供者列表
func GetRegisteredProviders() []string {
	var names []string
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
