package providers

import (
	"context"
)

// Provider 所有提供者的基础接口
type Provider interface {
	Initialize() error
	Cleanup() error
}

// PartType 请求内容片段类型
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image" // PNG的base64编码，不带data URL前缀
)

// Part 多模态请求中的一个内容片段
type Part struct {
	Type PartType
	Text string
	// Image base64编码的PNG
	Image string
}

// TextPart 文本片段
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart 图片片段
func ImagePart(base64PNG string) Part {
	return Part{Type: PartImage, Image: base64PNG}
}

// Request 一次报告撰写请求：系统提示词加一条多模态用户消息
type Request struct {
	System string
	Parts  []Part
}

// NarrativeProvider 报告撰写模型提供者接口
type NarrativeProvider interface {
	Provider
	// Describe 发送包含图片的请求
	Describe(ctx context.Context, req Request) (string, error)
	// DescribeText 只发送文本的降级请求
	DescribeText(ctx context.Context, system, prompt string) (string, error)
}
