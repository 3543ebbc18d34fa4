package image

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DrawBox 绘制矩形框，thickness为线宽
func DrawBox(img *image.RGBA, box [4]float64, c color.RGBA, thickness int) {
	b := img.Bounds()
	x1, y1 := int(box[0]), int(box[1])
	x2, y2 := int(box[2]), int(box[3])
	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setIn(img, b, x, y1+t, c)
			setIn(img, b, x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			setIn(img, b, x1+t, y, c)
			setIn(img, b, x2-t, y, c)
		}
	}
}

func setIn(img *image.RGBA, b image.Rectangle, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(b) {
		img.SetRGBA(x, y, c)
	}
}

// DrawLabel 在(x, y)处绘制文字，y为基线位置
func DrawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// Jet 与OpenCV COLORMAP_JET一致的分段线性色表
func Jet(v float64) color.RGBA {
	v = math.Max(0, math.Min(1, v))
	channel := func(offset float64) uint8 {
		x := 1.5 - math.Abs(4*v-offset)
		x = math.Max(0, math.Min(1, x))
		return uint8(math.Round(x * 255))
	}
	return color.RGBA{R: channel(3), G: channel(2), B: channel(1), A: 255}
}

// OverlayHeatmap 把[0,1]范围的热力图按JET着色后与原图等权混合，再整体归一化
func OverlayHeatmap(img *image.RGBA, mask []float64, width, height int, imageWeight float64) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	cam := make([]float64, width*height*3)
	maxV := 0.0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			// 先量化到uint8，与颜色映射表的输入保持一致
			q := math.Floor(255*mask[i]) / 255
			heat := Jet(q)
			var base color.RGBA
			if image.Pt(x, y).In(b) {
				base = img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			}
			heatRGB := [3]float64{float64(heat.R), float64(heat.G), float64(heat.B)}
			baseRGB := [3]float64{float64(base.R), float64(base.G), float64(base.B)}
			for ch := 0; ch < 3; ch++ {
				v := (1-imageWeight)*heatRGB[ch]/255 + imageWeight*baseRGB[ch]/255
				cam[i*3+ch] = v
				if v > maxV {
					maxV = v
				}
			}
		}
	}
	if maxV == 0 {
		maxV = 1
	}
	for i := 0; i < width*height; i++ {
		o := i * 4
		out.Pix[o] = uint8(255 * cam[i*3] / maxV)
		out.Pix[o+1] = uint8(255 * cam[i*3+1] / maxV)
		out.Pix[o+2] = uint8(255 * cam[i*3+2] / maxV)
		out.Pix[o+3] = 255
	}
	return out
}

// ClassColors 为每个类别生成固定的伪随机颜色，同一个种子结果稳定
func ClassColors(n int, next func() float64) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := range colors {
		colors[i] = color.RGBA{
			R: uint8(next() * 255),
			G: uint8(next() * 255),
			B: uint8(next() * 255),
			A: 255,
		}
	}
	return colors
}
