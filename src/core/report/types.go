package report

import (
	"context"
	"errors"
	"image"

	"xray-insight/src/core/detector"
)

var (
	// ErrInputMissing 输入文件不存在
	ErrInputMissing = errors.New("input file does not exist")
	// ErrInvalidInput 输入文件不是可用的图片
	ErrInvalidInput = errors.New("invalid input image")
	// ErrDetectionFailed 检测本身无法完成
	ErrDetectionFailed = errors.New("detection failed")
	// ErrNoNarrator 未配置报告撰写模型
	ErrNoNarrator = errors.New("narrative provider is not configured")
	// ErrSaliencyUnavailable 未配置热力图生成器或热力图不可用
	ErrSaliencyUnavailable = errors.New("heatmap unavailable")
)

// State 流水线状态
type State string

const (
	StateDetecting         State = "Detecting"
	StateNoFindings        State = "NoFindings"
	StateHasFindings       State = "HasFindings"
	StateSaliencyAttempted State = "SaliencyAttempted"
	StateNarrating         State = "Narrating"
	StateDone              State = "Done"
)

// Result 最终输出，字段名即对外的JSON格式
type Result struct {
	Disease      string   `json:"disease"`
	DiseaseNames []string `json:"disease_names"`
	Description  string   `json:"description"`
}

// NoFindingsResult 没有检测到异常时的固定结果
func NoFindingsResult() Result {
	return Result{
		Disease:      "No Abnormality Detected",
		DiseaseNames: []string{"No abnormalities detected"},
		Description:  "No abnormalities were detected in this chest X-ray.",
	}
}

// Finding 单个检测结果及其在原图上的裁剪区域
type Finding struct {
	Label      string
	Name       string
	Confidence float64
	Box        [4]float64  // 原图坐标
	Image      *image.RGBA // 裁剪为空时为nil
}

// SaliencyOutcome 热力图生成结果，失败不影响报告
type SaliencyOutcome struct {
	Saved bool
	Path  string
	Err   error
}

// Paths 输入和输出文件位置
type Paths struct {
	Input           string
	DetectionOutput string
	HeatmapOutput   string
}

// Outcome 一次流水线运行的完整结果
type Outcome struct {
	Result     Result
	State      State
	Trace      []State
	Detections []detector.Detection // 检测用的固定尺寸坐标系
	Findings   []Finding
	Saliency   SaliencyOutcome
}

// Detector 流水线依赖的检测能力
type Detector interface {
	Predict(ctx context.Context, img *image.RGBA, conf, iou float64) ([]detector.Detection, error)
	Plot(img *image.RGBA, dets []detector.Detection) *image.RGBA
	Label(classID int) string
}

// Saliency 流水线依赖的热力图能力
type Saliency interface {
	SaveResult(ctx context.Context, input, output string) (bool, error)
}
