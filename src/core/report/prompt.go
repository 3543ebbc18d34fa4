package report

import (
	"fmt"
	"strings"
)

const (
	// VisionSystemPrompt 多模态请求的系统提示词
	VisionSystemPrompt = "You are a radiologist AI assistant with expertise in analyzing chest X-rays. Provide technical analysis of the detected regions."
	// TextSystemPrompt 纯文本降级请求的系统提示词
	TextSystemPrompt = "You are a radiologist AI assistant with expertise in analyzing chest X-rays."

	overviewText = "Chest X-ray with detected conditions. I need detailed anatomical descriptions and explanations for each finding."

	explanationPrefix = "Error getting explanation: "
)

const promptTemplate = `As a radiologist, provide a detailed technical explanation for a chest X-ray showing the following conditions: %s.

For each detected condition:
1. Describe the precise anatomical location using proper anatomical landmarks (e.g., "upper left lung field near the 3rd anterior rib," "right costophrenic angle," "left hilar region")
2. Explain the radiographic findings visible at this location
3. Provide technical insights on why this pathology typically appears at this anatomical location
4. Detail the underlying anatomical or physiological factors contributing to this presentation
5. Discuss the severity based on the visual characteristics and anatomical involvement
6. Explain technical considerations for differential diagnoses given the specific location
7. Include specific follow-up imaging recommendations with rationale

Format as a professional medical report with technical details appropriate for a specialist.`

// BuildPrompt 生成报告撰写提示词，条件列表格式为['A', 'B']
func BuildPrompt(conditions []string) string {
	quoted := make([]string, len(conditions))
	for i, c := range conditions {
		quoted[i] = "'" + c + "'"
	}
	return fmt.Sprintf(promptTemplate, "["+strings.Join(quoted, ", ")+"]")
}

// closeUpText 裁剪区域前的说明文字
func closeUpText(condition string) string {
	return fmt.Sprintf("Close-up of detected %s. Please describe the specific anatomical location and findings:", condition)
}

// FormatLabel 检测结果的展示文字
func FormatLabel(name string, confidence float64) string {
	return fmt.Sprintf("%s (confidence: %.2f)", name, confidence)
}

// ErrorDescription 报告撰写失败时写入description的文字
func ErrorDescription(err error) string {
	return explanationPrefix + err.Error()
}
