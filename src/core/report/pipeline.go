package report

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	"xray-insight/src/core/detector"
	ximage "xray-insight/src/core/image"
	"xray-insight/src/core/providers"
	"xray-insight/src/core/utils"

	"golang.org/x/sync/errgroup"
)

// Options 流水线参数
type Options struct {
	FrameSize   int     // 检测前统一缩放的边长
	Conf        float64 // 检测置信度阈值
	IoU         float64 // NMS IoU阈值
	CropPadding int     // 裁剪区域的外扩像素
}

// DefaultOptions 默认参数：1024x1024，置信度0.2，外扩20像素
func DefaultOptions() Options {
	return Options{FrameSize: 1024, Conf: 0.2, IoU: 0.7, CropPadding: 20}
}

// Pipeline 报告生成流水线。热力图和报告撰写失败都只会降级，不会中断流程
type Pipeline struct {
	detector  Detector
	saliency  Saliency
	narrator  providers.NarrativeProvider
	validator *ximage.ImageSecurityValidator
	opts      Options
	logger    *utils.TaggedLogger
}

// New 创建流水线，saliency和narrator可以为nil
func New(det Detector, saliency Saliency, narrator providers.NarrativeProvider, opts Options, logger *utils.Logger) *Pipeline {
	def := DefaultOptions()
	if opts.FrameSize <= 0 {
		opts.FrameSize = def.FrameSize
	}
	if opts.IoU <= 0 {
		opts.IoU = def.IoU
	}
	if opts.CropPadding < 0 {
		opts.CropPadding = def.CropPadding
	}
	return &Pipeline{
		detector: det,
		saliency: saliency,
		narrator: narrator,
		opts:     opts,
		logger:   logger.WithTag("Report"),
	}
}

// WithValidator 在检测前校验输入图片
func (p *Pipeline) WithValidator(v *ximage.ImageSecurityValidator) *Pipeline {
	p.validator = v
	return p
}

func (p *Pipeline) enter(out *Outcome, state State, fields ...interface{}) {
	out.State = state
	out.Trace = append(out.Trace, state)
	p.logger.Info("进入状态 "+string(state), fields...)
}

// Run 执行完整流程。只有输入缺失、输入无效或检测失败会返回error
func (p *Pipeline) Run(ctx context.Context, paths Paths) (*Outcome, error) {
	if info, err := os.Stat(paths.Input); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInputMissing, paths.Input)
	}
	if p.validator != nil {
		if res := p.validator.ValidateFile(paths.Input); !res.IsValid {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, res.Error)
		}
	}
	original, _, err := ximage.Load(paths.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	out := &Outcome{}
	p.enter(out, StateDetecting, map[string]interface{}{"input": paths.Input})
	frame := ximage.Resize(original, p.opts.FrameSize, p.opts.FrameSize)
	dets, err := p.detector.Predict(ctx, frame, p.opts.Conf, p.opts.IoU)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}
	annotated := p.detector.Plot(frame, dets)
	if err := ximage.SavePNG(paths.DetectionOutput, annotated); err != nil {
		return nil, fmt.Errorf("%w: 保存检测结果失败: %v", ErrDetectionFailed, err)
	}
	out.Detections = dets

	if len(dets) == 0 {
		p.enter(out, StateNoFindings)
		out.Result = NoFindingsResult()
		return out, nil
	}

	labels := make([]string, len(dets))
	for i, d := range dets {
		labels[i] = FormatLabel(p.detector.Label(d.ClassID), d.Confidence)
	}
	p.enter(out, StateHasFindings, map[string]interface{}{"findings": labels})

	out.Saliency = p.attemptSaliency(ctx, paths)
	p.enter(out, StateSaliencyAttempted, map[string]interface{}{
		"saved": out.Saliency.Saved,
		"error": errString(out.Saliency.Err),
	})

	p.enter(out, StateNarrating)
	out.Findings = p.findings(original, dets)
	description := p.narrate(ctx, annotated, out.Findings)

	out.Result = Result{
		Disease:      "Other Diseases",
		DiseaseNames: labels,
		Description:  description,
	}
	p.enter(out, StateDone)
	return out, nil
}

// attemptSaliency 生成热力图，错误和panic都转换为结果值
func (p *Pipeline) attemptSaliency(ctx context.Context, paths Paths) (outcome SaliencyOutcome) {
	outcome.Path = paths.HeatmapOutput
	if p.saliency == nil {
		outcome.Err = ErrSaliencyUnavailable
		return outcome
	}
	defer func() {
		if r := recover(); r != nil {
			outcome.Saved = false
			outcome.Err = fmt.Errorf("热力图生成异常: %v", r)
			p.logger.Error("热力图生成异常，继续生成报告", outcome.Err)
		}
	}()

	saved, err := p.saliency.SaveResult(ctx, paths.Input, paths.HeatmapOutput)
	switch {
	case err != nil:
		outcome.Err = err
		p.logger.Warn("热力图生成失败，继续生成报告", err)
	case !saved:
		outcome.Err = ErrSaliencyUnavailable
		p.logger.Warn("热力图不可用，继续生成报告")
	default:
		outcome.Saved = true
	}
	return outcome
}

// findings 把检测框从固定尺寸坐标系映射回原图后裁剪
func (p *Pipeline) findings(original *image.RGBA, dets []detector.Detection) []Finding {
	b := original.Bounds()
	sx := float64(b.Dx()) / float64(p.opts.FrameSize)
	sy := float64(b.Dy()) / float64(p.opts.FrameSize)
	findings := make([]Finding, len(dets))
	for i, d := range dets {
		box := [4]float64{d.Box[0] * sx, d.Box[1] * sy, d.Box[2] * sx, d.Box[3] * sy}
		name := p.detector.Label(d.ClassID)
		findings[i] = Finding{
			Label:      FormatLabel(name, d.Confidence),
			Name:       name,
			Confidence: d.Confidence,
			Box:        box,
			Image:      ximage.CropPadded(original, box, p.opts.CropPadding),
		}
	}
	return findings
}

// narrate 先发送多模态请求，失败后降级为纯文本请求，仍失败时返回错误描述
func (p *Pipeline) narrate(ctx context.Context, annotated *image.RGBA, findings []Finding) string {
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Name
	}
	prompt := BuildPrompt(names)

	if p.narrator == nil {
		p.logger.Warn("未配置报告撰写模型")
		return ErrorDescription(ErrNoNarrator)
	}

	regions := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Image != nil {
			regions = append(regions, f)
		}
	}
	if len(regions) > 0 {
		req, err := buildVisionRequest(annotated, regions, prompt)
		if err == nil {
			var text string
			text, err = p.narrator.Describe(ctx, req)
			if err == nil {
				return strings.TrimSpace(text)
			}
		}
		p.logger.Warn("多模态请求失败，降级为纯文本请求", err)
	}

	text, err := p.narrator.DescribeText(ctx, TextSystemPrompt, prompt)
	if err != nil {
		p.logger.Error("报告撰写失败", err)
		return ErrorDescription(err)
	}
	return strings.TrimSpace(text)
}

// buildVisionRequest 标注图、提示词和各区域裁剪图依次组成一条消息，图片并行编码
func buildVisionRequest(annotated *image.RGBA, regions []Finding, prompt string) (providers.Request, error) {
	encoded := make([]string, len(regions)+1)
	var g errgroup.Group
	g.Go(func() error {
		s, err := ximage.EncodePNGBase64(annotated)
		encoded[0] = s
		return err
	})
	for i, r := range regions {
		i, img := i, r.Image
		g.Go(func() error {
			s, err := ximage.EncodePNGBase64(img)
			encoded[i+1] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return providers.Request{}, err
	}

	parts := []providers.Part{
		providers.TextPart(overviewText),
		providers.ImagePart(encoded[0]),
		providers.TextPart(prompt),
	}
	for i, r := range regions {
		parts = append(parts, providers.TextPart(closeUpText(r.Name)), providers.ImagePart(encoded[i+1]))
	}
	return providers.Request{System: VisionSystemPrompt, Parts: parts}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
