package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"xray-insight/src/core/providers"
	"xray-insight/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// Config 报告撰写模型配置
type Config struct {
	Type        string
	ModelName   string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Data        map[string]interface{}
}

// Provider 报告撰写模型提供者，直接调用多模态API
type Provider struct {
	config *Config
	logger *utils.TaggedLogger

	openaiClient *openai.Client // 用于OpenAI类型
	httpClient   *http.Client   // 用于Ollama类型
}

// OllamaRequest Ollama API请求结构
type OllamaRequest struct {
	Model    string                 `json:"model"`
	Messages []OllamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// OllamaMessage Ollama消息结构
type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64编码的图片
}

// OllamaResponse Ollama API响应结构
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// NewProvider 创建报告撰写模型提供者
func NewProvider(config *Config, logger *utils.Logger) (*Provider, error) {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1500
	}
	return &Provider{
		config:     config,
		logger:     logger.WithTag("Narrative"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Initialize 初始化对应类型的客户端
func (p *Provider) Initialize() error {
	switch strings.ToLower(p.config.Type) {
	case "openai":
		if p.config.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required")
		}
		if p.config.ModelName == "" {
			p.config.ModelName = "gpt-4o"
		}
		clientConfig := openai.DefaultConfig(p.config.APIKey)
		if p.config.BaseURL != "" {
			clientConfig.BaseURL = p.config.BaseURL
		}
		clientConfig.HTTPClient = p.httpClient
		p.openaiClient = openai.NewClientWithConfig(clientConfig)

	case "ollama":
		if p.config.BaseURL == "" {
			p.config.BaseURL = "http://localhost:11434"
		}

	default:
		return fmt.Errorf("不支持的报告撰写模型类型: %s", p.config.Type)
	}

	p.logger.Debug("报告撰写模型初始化成功", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
		"base_url":   p.config.BaseURL,
	})
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// GetConfig 获取配置信息
func (p *Provider) GetConfig() *Config {
	return p.config
}

// Describe 发送包含图片的多模态请求
func (p *Provider) Describe(ctx context.Context, req providers.Request) (string, error) {
	images := 0
	for _, part := range req.Parts {
		if part.Type == providers.PartImage {
			images++
		}
	}
	p.logger.Info("发送多模态请求", map[string]interface{}{
		"type":   p.config.Type,
		"model":  p.config.ModelName,
		"parts":  len(req.Parts),
		"images": images,
	})

	var (
		content string
		err     error
	)
	switch strings.ToLower(p.config.Type) {
	case "openai":
		content, err = p.openaiChat(ctx, req)
	case "ollama":
		content, err = p.ollamaChat(ctx, req)
	default:
		err = fmt.Errorf("不支持的报告撰写模型类型: %s", p.config.Type)
	}
	if err != nil {
		return "", err
	}
	return stripThinkTags(content), nil
}

// DescribeText 只发送文本
func (p *Provider) DescribeText(ctx context.Context, system, prompt string) (string, error) {
	return p.Describe(ctx, providers.Request{
		System: system,
		Parts:  []providers.Part{providers.TextPart(prompt)},
	})
}

func (p *Provider) openaiChat(ctx context.Context, req providers.Request) (string, error) {
	if p.openaiClient == nil {
		return "", fmt.Errorf("OpenAI客户端未初始化")
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Parts) == 1 && req.Parts[0].Type == providers.PartText {
		user.Content = req.Parts[0].Text
	} else {
		for _, part := range req.Parts {
			switch part.Type {
			case providers.PartText:
				user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case providers.PartImage:
				user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:image/png;base64," + part.Image,
					},
				})
			}
		}
	}
	messages = append(messages, user)

	resp, err := p.openaiClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.config.ModelName,
		Messages:    messages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: float32(p.config.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API调用失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API没有返回内容")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) ollamaChat(ctx context.Context, req providers.Request) (string, error) {
	messages := make([]OllamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, OllamaMessage{Role: "system", Content: req.System})
	}
	user := OllamaMessage{Role: "user"}
	texts := make([]string, 0, len(req.Parts))
	for _, part := range req.Parts {
		switch part.Type {
		case providers.PartText:
			texts = append(texts, part.Text)
		case providers.PartImage:
			// Ollama需要纯base64，不需要data URL前缀
			user.Images = append(user.Images, part.Image)
		}
	}
	user.Content = strings.Join(texts, "\n\n")
	messages = append(messages, user)

	options := map[string]interface{}{"num_predict": p.config.MaxTokens}
	if p.config.Temperature > 0 {
		options["temperature"] = p.config.Temperature
	}
	body, err := json.Marshal(OllamaRequest{
		Model:    p.config.ModelName,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", fmt.Errorf("请求序列化失败: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(p.config.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("Ollama API调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("Ollama API返回错误: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("解析Ollama响应失败: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("Ollama API返回错误: %s", out.Error)
	}
	return out.Message.Content, nil
}

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripThinkTags 去掉推理模型输出的思考内容
func stripThinkTags(content string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(content, ""))
}
