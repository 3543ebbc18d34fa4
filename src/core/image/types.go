package image

// ValidationResult 图片验证结果
type ValidationResult struct {
	IsValid      bool   // 是否有效
	Format       string // 实际格式
	Width        int    // 图片宽度
	Height       int    // 图片高度
	FileSize     int64  // 文件大小
	Error        error  // 错误信息
	SecurityRisk string // 安全风险描述
}

// LetterboxOptions 等比缩放加填充的参数
type LetterboxOptions struct {
	Height    int  // 目标高度
	Width     int  // 目标宽度
	Stride    int  // 步长，Auto模式下输出尺寸按步长对齐
	Auto      bool // 最小矩形模式，只填充到步长的整数倍
	ScaleFill bool // 拉伸模式，直接拉伸到目标尺寸
	ScaleUp   bool // 允许放大
}

// DefaultLetterbox 默认参数：640x640，步长32，最小矩形，允许放大
func DefaultLetterbox() LetterboxOptions {
	return LetterboxOptions{
		Height:  640,
		Width:   640,
		Stride:  32,
		Auto:    true,
		ScaleUp: true,
	}
}
