package saliency

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"

	"xray-insight/src/configs"
	"xray-insight/src/core/detector"
	ximage "xray-insight/src/core/image"
	"xray-insight/src/core/utils"
)

// 最终检测使用的固定NMS IoU阈值
const heatmapIoU = 0.45

// Heatmap 热力图生成器，持有检测网络、采集会话和算法。不能并发调用Process
type Heatmap struct {
	model     *detector.Model
	session   *CaptureSession
	algorithm Algorithm
	method    Method
	target    Target
	device    string
	showBox   bool
	renorm    bool
	colors    []color.RGBA
	logger    *utils.TaggedLogger
}

// NewHeatmap 加载权重并按配置构建热力图生成器
func NewHeatmap(weights, device string, cfg configs.SaliencyConfig, logger *utils.Logger) (*Heatmap, error) {
	model, err := detector.Load(weights)
	if err != nil {
		return nil, err
	}
	return NewHeatmapWithModel(model, device, cfg, logger)
}

// NewHeatmapWithModel 使用已加载的网络构建热力图生成器，网络会被开启梯度跟踪
func NewHeatmapWithModel(model *detector.Model, device string, cfg configs.SaliencyConfig, logger *utils.Logger) (*Heatmap, error) {
	method, err := ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(cfg.BackwardType)
	if err != nil {
		return nil, err
	}
	if device == "" {
		device = "cpu"
	}

	model.SetRequiresGrad(true)
	session, err := NewCaptureSession(model, cfg.Layers, nil)
	if err != nil {
		return nil, fmt.Errorf("挂载目标层失败: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	h := &Heatmap{
		model:     model,
		session:   session,
		algorithm: NewCAM(method, session, cfg.Seed),
		method:    method,
		target:    Target{Kind: kind, Conf: cfg.ConfThreshold, Ratio: cfg.Ratio},
		device:    device,
		showBox:   cfg.ShowBox,
		renorm:    cfg.Renormalize,
		colors:    ximage.ClassColors(model.NumClasses(), rng.Float64),
		logger:    logger.WithTag("Heatmap"),
	}
	if device != "cpu" {
		h.logger.Warn(fmt.Sprintf("设备 %s 不可用，使用cpu计算", device))
	}
	return h, nil
}

// Method 当前使用的算法
func (h *Heatmap) Method() Method {
	return h.method
}

// Color 类别的显示颜色，生命周期内固定
func (h *Heatmap) Color(classID int) color.RGBA {
	if classID < 0 || classID >= len(h.colors) {
		return color.RGBA{255, 0, 0, 255}
	}
	return h.colors[classID]
}

// incompatible 目标层与网络不匹配或没有可用目标时返回true，此时热力图不可用但不算错误
func incompatible(err error) bool {
	return errors.Is(err, ErrDegenerateObjective) ||
		errors.Is(err, ErrIncompleteCapture) ||
		errors.Is(err, detector.ErrLayerIndex)
}

// Process 生成叠加检测框的热力图。热力图不可用时返回nil, nil
func (h *Heatmap) Process(ctx context.Context, path string) (*image.RGBA, error) {
	img, _, err := ximage.Load(path)
	if err != nil {
		return nil, err
	}
	return h.ProcessImage(ctx, img)
}

// ProcessImage 对已解码的图片生成热力图
func (h *Heatmap) ProcessImage(ctx context.Context, img *image.RGBA) (*image.RGBA, error) {
	opts := ximage.DefaultLetterbox()
	opts.Height, opts.Width, opts.Stride = h.model.InputSize, h.model.InputSize, h.model.MaxStride
	boxed, _, _ := ximage.Letterbox(img, opts)
	x := detector.FromImage(boxed)

	cam, err := h.algorithm.Compute(ctx, x, h.target)
	if err != nil {
		if incompatible(err) {
			h.logger.Warn("热力图不可用", err)
			return nil, nil
		}
		return nil, fmt.Errorf("%s计算失败: %w", h.method, err)
	}

	pred, err := h.model.Forward(x)
	if err != nil {
		return nil, err
	}
	dets := detector.NonMaxSuppression(pred, h.target.Conf, heatmapIoU, 300)

	mask := cam.Data
	if h.renorm {
		mask = renormalizeInBoxes(cam, dets)
	}
	out := ximage.OverlayHeatmap(boxed, mask, cam.W, cam.H, 0.5)

	if h.showBox {
		for _, d := range dets {
			c := h.Color(d.ClassID)
			ximage.DrawBox(out, d.Box, c, 2)
			ximage.DrawLabel(out, int(d.Box[0]), int(d.Box[1])-5, h.model.Label(d.ClassID), c)
		}
	}
	h.logger.Info("热力图生成完成", map[string]interface{}{
		"method":     h.method.String(),
		"detections": len(dets),
	})
	return out, nil
}

// renormalizeInBoxes 每个框内单独缩放到[0,1]，框外置零，最后整体再缩放一次
func renormalizeInBoxes(cam *Map, dets []detector.Detection) []float64 {
	out := make([]float64, len(cam.Data))
	for _, d := range dets {
		x1 := int(math.Max(d.Box[0], 0))
		y1 := int(math.Max(d.Box[1], 0))
		x2 := int(math.Min(float64(cam.W-1), d.Box[2]))
		y2 := int(math.Min(float64(cam.H-1), d.Box[3]))
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		region := make([]float64, 0, (x2-x1)*(y2-y1))
		for y := y1; y < y2; y++ {
			region = append(region, cam.Data[y*cam.W+x1:y*cam.W+x2]...)
		}
		scale01(region)
		for y := y1; y < y2; y++ {
			copy(out[y*cam.W+x1:y*cam.W+x2], region[(y-y1)*(x2-x1):(y-y1+1)*(x2-x1)])
		}
	}
	scale01(out)
	return out
}

// SaveResult 生成热力图并保存为PNG，热力图不可用时返回false
func (h *Heatmap) SaveResult(ctx context.Context, input, output string) (bool, error) {
	img, err := h.Process(ctx, input)
	if err != nil {
		return false, err
	}
	if img == nil {
		return false, nil
	}
	if err := ximage.SavePNG(output, img); err != nil {
		return false, err
	}
	return true, nil
}

// Close 移除挂载在网络上的观察者
func (h *Heatmap) Close() {
	h.session.Release()
}
