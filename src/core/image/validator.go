package image

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"strings"

	"xray-insight/src/configs"
	"xray-insight/src/core/utils"

	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/bmp"  // 注册BMP解码器
	_ "golang.org/x/image/tiff" // 注册TIFF解码器
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// ImageSecurityValidator 图片安全验证器
type ImageSecurityValidator struct {
	config *configs.SecurityConfig
	logger *utils.Logger
}

// NewImageSecurityValidator 创建新的图片安全验证器
func NewImageSecurityValidator(config *configs.SecurityConfig, logger *utils.Logger) *ImageSecurityValidator {
	return &ImageSecurityValidator{
		config: config,
		logger: logger,
	}
}

// 图片格式魔数签名
var imageSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8},
	"jpg":  {0xFF, 0xD8},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46}, // RIFF，需要进一步检查WEBP标识
	"bmp":  {0x42, 0x4D},
	"tiff": {0x49, 0x49, 0x2A, 0x00},
}

// ValidateFile 读取并验证图片文件，文件不存在时直接返回无效结果
func (v *ImageSecurityValidator) ValidateFile(path string) ValidationResult {
	info, err := os.Stat(path)
	if err != nil {
		return ValidationResult{Error: fmt.Errorf("输入文件不存在: %s", path)}
	}
	if info.IsDir() {
		return ValidationResult{Error: fmt.Errorf("输入路径是目录: %s", path)}
	}
	if info.Size() > v.config.MaxFileSize {
		return ValidationResult{
			Error:        fmt.Errorf("文件大小超限: %d bytes，最大允许: %d bytes", info.Size(), v.config.MaxFileSize),
			SecurityRisk: "文件过大",
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{Error: fmt.Errorf("读取输入文件失败: %w", err)}
	}
	return v.ValidateBytes(data, DetectFormat(data))
}

// ValidateBytes 深度验证图片字节
func (v *ImageSecurityValidator) ValidateBytes(data []byte, declaredFormat string) ValidationResult {
	result := ValidationResult{IsValid: false}

	// 1. 基础大小检查
	if int64(len(data)) > v.config.MaxFileSize {
		result.Error = fmt.Errorf("文件大小超限: %d bytes，最大允许: %d bytes", len(data), v.config.MaxFileSize)
		result.SecurityRisk = "文件过大"
		return result
	}

	// 2. 格式支持检查
	if declaredFormat != "" && !v.isFormatAllowed(declaredFormat) {
		result.Error = fmt.Errorf("不支持的格式: %s", declaredFormat)
		result.SecurityRisk = "使用了不被允许的格式"
		return result
	}

	// 3. 可执行文件签名检测
	if v.config.EnableDeepScan && hasExecutableSignature(data) {
		result.Error = fmt.Errorf("检测到潜在恶意内容")
		result.SecurityRisk = "文件开头是可执行文件签名"
		v.logger.Warn("检测到可疑内容", map[string]interface{}{
			"format": declaredFormat,
			"size":   len(data),
		})
		return result
	}

	// 4. 解码图片头获取尺寸
	decodeResult := v.validateImageDecoding(data, declaredFormat)
	if !decodeResult.IsValid && declaredFormat != "" && !validateFileSignature(data, declaredFormat) {
		v.logger.Warn("文件头验证失败", map[string]interface{}{
			"declared_format": declaredFormat,
			"actual_header":   fmt.Sprintf("%x", data[:min(len(data), 16)]),
		})
	}
	return decodeResult
}

// validateFileSignature 验证文件头签名
func validateFileSignature(data []byte, format string) bool {
	format = strings.ToLower(format)
	signature, exists := imageSignatures[format]
	if !exists || len(data) < len(signature) {
		return false
	}
	if format == "tiff" && bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return true
	}
	if !bytes.HasPrefix(data, signature) {
		return false
	}
	// WEBP需要额外验证
	if format == "webp" {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}
	return true
}

// DetectFormat 根据文件头检测图片格式，无法识别时返回空字符串
func DetectFormat(data []byte) string {
	for _, format := range []string{"png", "jpeg", "gif", "webp", "bmp", "tiff"} {
		if validateFileSignature(data, format) {
			return format
		}
	}
	return ""
}

// isFormatAllowed 检查格式是否被允许
func (v *ImageSecurityValidator) isFormatAllowed(format string) bool {
	formatLower := strings.ToLower(format)
	if formatLower == "jpg" {
		formatLower = "jpeg"
	}
	for _, allowedFormat := range v.config.AllowedFormats {
		if strings.ToLower(allowedFormat) == formatLower {
			return true
		}
	}
	return false
}

// hasExecutableSignature 只检查文件开头的可执行文件签名
func hasExecutableSignature(data []byte) bool {
	executableSignatures := [][]byte{
		{0x4D, 0x5A},             // PE (MZ)
		{0x7F, 0x45, 0x4C, 0x46}, // ELF
		{0xCA, 0xFE, 0xBA, 0xBE}, // Mach-O
	}
	for _, signature := range executableSignatures {
		if bytes.HasPrefix(data, signature) {
			return true
		}
	}
	return false
}

// validateImageDecoding 验证图片解码
func (v *ImageSecurityValidator) validateImageDecoding(data []byte, format string) ValidationResult {
	result := ValidationResult{Format: format}

	config, actualFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		result.Error = fmt.Errorf("图片解码失败: %w", err)
		result.SecurityRisk = "损坏的图片数据"
		return result
	}
	if actualFormat != "" {
		result.Format = actualFormat
	}

	// 检查尺寸限制
	if config.Width > v.config.MaxWidth || config.Height > v.config.MaxHeight {
		result.Error = fmt.Errorf("图片尺寸超限: %dx%d，最大允许: %dx%d",
			config.Width, config.Height, v.config.MaxWidth, v.config.MaxHeight)
		result.SecurityRisk = "图片过大，可能消耗过多资源"
		return result
	}

	// 检查像素总数
	totalPixels := int64(config.Width) * int64(config.Height)
	if totalPixels > v.config.MaxPixels {
		result.Error = fmt.Errorf("像素总数超限: %d，最大允许: %d", totalPixels, v.config.MaxPixels)
		result.SecurityRisk = "像素过多，可能导致内存耗尽"
		return result
	}
	if config.Width == 0 || config.Height == 0 {
		result.Error = fmt.Errorf("图片尺寸为空: %dx%d", config.Width, config.Height)
		return result
	}

	result.IsValid = true
	result.Width = config.Width
	result.Height = config.Height
	result.FileSize = int64(len(data))

	v.logger.Debug("图片验证成功", map[string]interface{}{
		"format": result.Format,
		"width":  result.Width,
		"height": result.Height,
		"size":   result.FileSize,
	})

	return result
}
