package detector

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	ximage "xray-insight/src/core/image"
)

// 标注配色，与常见YOLO可视化工具一致
var palette = []string{
	"FF3838", "FF9D97", "FF701F", "FFB21D", "CFD231", "48F90A", "92CC17", "3DDB86", "1A9334", "00D4BB",
	"2C99A8", "00C2FF", "344593", "6473FF", "0018EC", "8438FF", "520085", "CB38FF", "FF95C8", "FF37C7",
}

// PaletteColor 返回类别对应的标注颜色
func PaletteColor(classID int) color.RGBA {
	hex := palette[((classID%len(palette))+len(palette))%len(palette)]
	var r, g, b uint8
	fmt.Sscanf(hex, "%02X%02X%02X", &r, &g, &b)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Label 返回类别名称
func (m *Model) Label(classID int) string {
	if classID >= 0 && classID < len(m.Names) {
		return m.Names[classID]
	}
	return fmt.Sprintf("class%d", classID)
}

// Predict 在图片坐标系下检测：内部letterbox到网络输入尺寸，NMS后把框映射回原图并裁剪到图片范围
func (m *Model) Predict(ctx context.Context, img *image.RGBA, conf, iou float64) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := ximage.DefaultLetterbox()
	opts.Height, opts.Width, opts.Stride = m.InputSize, m.InputSize, m.MaxStride
	boxed, ratio, pad := ximage.Letterbox(img, opts)

	pred, err := m.Forward(FromImage(boxed))
	if err != nil {
		return nil, err
	}
	dets := NonMaxSuppression(pred, conf, iou, 300)

	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())
	for i := range dets {
		b := dets[i].Box
		b[0] = clamp((b[0]-pad[0])/ratio[0], 0, w)
		b[1] = clamp((b[1]-pad[1])/ratio[1], 0, h)
		b[2] = clamp((b[2]-pad[0])/ratio[0], 0, w)
		b[3] = clamp((b[3]-pad[1])/ratio[1], 0, h)
		dets[i].Box = b
	}
	return dets, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Plot 在图片副本上绘制检测框和"类别 置信度"标签
func (m *Model) Plot(img *image.RGBA, dets []Detection) *image.RGBA {
	out := ximage.Clone(img)
	b := out.Bounds()
	lw := int(math.Max(math.Round(float64(b.Dx()+b.Dy())/2*0.003), 2))
	for _, d := range dets {
		c := PaletteColor(d.ClassID)
		ximage.DrawBox(out, d.Box, c, lw)

		text := fmt.Sprintf("%s %.2f", m.Label(d.ClassID), d.Confidence)
		x1, y1 := int(d.Box[0]), int(d.Box[1])
		tw, th := len(text)*7+4, 15
		top := y1 - th
		if top < 0 {
			top = y1
		}
		for y := top; y < top+th; y++ {
			for x := x1; x < x1+tw; x++ {
				if image.Pt(x, y).In(b) {
					out.SetRGBA(x, y, c)
				}
			}
		}
		ximage.DrawLabel(out, x1+2, top+th-3, text, color.RGBA{255, 255, 255, 255})
	}
	return out
}
