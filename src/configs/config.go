package configs

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Log struct {
		LogLevel string `yaml:"log_level"`
		LogDir   string `yaml:"log_dir"`
		LogFile  string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Port       int    `yaml:"port"`
		UploadsDir string `yaml:"uploads_dir"`
	} `yaml:"web"`

	Auth struct {
		Enabled bool   `yaml:"enabled"`
		Secret  string `yaml:"secret"`
	} `yaml:"auth"`

	Database struct {
		URL string `yaml:"url"` // sqlite://、mysql://、postgres:// 前缀，为空时不记录历史
	} `yaml:"database"`

	Detector DetectorConfig `yaml:"detector"`
	Saliency SaliencyConfig `yaml:"saliency"`
	Report   ReportConfig   `yaml:"report"`
	Security SecurityConfig `yaml:"security"`

	SelectedModule map[string]string          `yaml:"selected_module"`
	Narrative      map[string]NarrativeConfig `yaml:"Narrative"`
}

// DetectorConfig 检测模型配置
type DetectorConfig struct {
	Weights       string  `yaml:"weights"`        // 权重清单文件路径
	Device        string  `yaml:"device"`         // 计算设备，目前只支持cpu
	FrameSize     int     `yaml:"frame_size"`     // 检测前统一缩放的边长
	ConfThreshold float64 `yaml:"conf_threshold"` // 检测置信度阈值
	IoUThreshold  float64 `yaml:"iou_threshold"`  // NMS IoU阈值
}

// SaliencyConfig 热力图配置
type SaliencyConfig struct {
	Method        string  `yaml:"method"`
	Layers        []int   `yaml:"layers"`
	ConfThreshold float64 `yaml:"conf_threshold"`
	Ratio         float64 `yaml:"ratio"`
	BackwardType  string  `yaml:"backward_type"` // class, box, all
	ShowBox       bool    `yaml:"show_box"`
	Renormalize   bool    `yaml:"renormalize"`
	Seed          int64   `yaml:"seed"` // 类别颜色的随机种子
}

// ReportConfig 报告生成配置
type ReportConfig struct {
	CropPadding int `yaml:"crop_padding"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`    // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`       // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`        // 最大宽度
	MaxHeight      int      `yaml:"max_height"`       // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"`  // 允许的图片格式
	EnableDeepScan bool     `yaml:"enable_deep_scan"` // 启用深度安全扫描
}

// NarrativeConfig 报告撰写模型配置（视觉语言大模型）
type NarrativeConfig struct {
	Type        string                 `yaml:"type"`        // openai 或 ollama
	ModelName   string                 `yaml:"model_name"`  // 支持视觉的模型名称
	BaseURL     string                 `yaml:"url"`         // API地址
	APIKey      string                 `yaml:"api_key"`     // API密钥
	Temperature float64                `yaml:"temperature"` // 温度参数
	MaxTokens   int                    `yaml:"max_tokens"`  // 最大令牌数
	Extra       map[string]interface{} `yaml:",inline"`     // 额外配置
}

// Default 返回内置默认配置，与原有推理脚本的参数保持一致
func Default() *Config {
	c := &Config{}
	c.Log.LogLevel = "info"
	c.Log.LogDir = "logs"
	c.Log.LogFile = "xray-insight.log"
	c.Web.Port = 8000
	c.Web.UploadsDir = "uploads"
	c.Auth.Enabled = true
	c.Detector = DetectorConfig{
		Weights:       "best.json",
		Device:        "cpu",
		FrameSize:     1024,
		ConfThreshold: 0.2,
		IoUThreshold:  0.7,
	}
	c.Saliency = SaliencyConfig{
		Method:        "EigenGradCAM",
		Layers:        []int{10, 12, 14, 16, 18, -3},
		ConfThreshold: 0.2,
		Ratio:         0.02,
		BackwardType:  "all",
		ShowBox:       true,
		Renormalize:   false,
	}
	c.Report.CropPadding = 20
	c.Security = SecurityConfig{
		MaxFileSize:    20 * 1024 * 1024,
		MaxPixels:      64 * 1024 * 1024,
		MaxWidth:       8192,
		MaxHeight:      8192,
		AllowedFormats: []string{"jpeg", "png", "gif", "bmp", "tiff", "webp"},
		EnableDeepScan: true,
	}
	c.SelectedModule = map[string]string{"Narrative": "OpenAI"}
	c.Narrative = map[string]NarrativeConfig{
		"OpenAI": {
			Type:      "openai",
			ModelName: "gpt-4o",
			MaxTokens: 1500,
		},
	}
	return c
}

// LoadConfig 从文件加载配置，文件不存在时使用默认配置
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.ApplyEnv()
			return config, "", nil
		}
		return nil, path, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, path, err
	}
	config.ApplyEnv()

	return config, path, nil
}

// ApplyEnv 用环境变量覆盖敏感配置
func (c *Config) ApplyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for name, nc := range c.Narrative {
			if nc.Type == "openai" && nc.APIKey == "" {
				nc.APIKey = key
				c.Narrative[name] = nc
			}
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.URL = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Web.Port = p
		}
	}
}

// SelectedNarrative 返回当前选中的报告撰写模型配置
func (c *Config) SelectedNarrative() (string, NarrativeConfig, bool) {
	name := c.SelectedModule["Narrative"]
	nc, ok := c.Narrative[name]
	return name, nc, ok
}
