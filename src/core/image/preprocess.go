package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// PadColor letterbox填充色
var PadColor = color.RGBA{114, 114, 114, 255}

// Load 读取并解码图片，统一转换为RGBA
func Load(path string) (*image.RGBA, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("打开图片失败: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("解码图片失败: %w", err)
	}
	return ToRGBA(img), format, nil
}

// ToRGBA 把任意图片转换为以(0,0)为原点的不透明RGBA
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Clone 复制图片
func Clone(img *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

// Resize 双线性插值缩放到指定尺寸
func Resize(img *image.RGBA, width, height int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return Clone(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Letterbox 等比缩放并对称填充，返回填充后的图片、缩放比例(宽, 高)和单侧填充量(dw, dh)
func Letterbox(img *image.RGBA, opts LetterboxOptions) (*image.RGBA, [2]float64, [2]float64) {
	h := img.Bounds().Dy()
	w := img.Bounds().Dx()
	th, tw := opts.Height, opts.Width

	r := math.Min(float64(th)/float64(h), float64(tw)/float64(w))
	if !opts.ScaleUp {
		r = math.Min(r, 1.0)
	}

	ratio := [2]float64{r, r}
	newW := int(math.Round(float64(w) * r))
	newH := int(math.Round(float64(h) * r))
	dw := float64(tw - newW)
	dh := float64(th - newH)
	if opts.Auto {
		stride := opts.Stride
		if stride <= 0 {
			stride = 32
		}
		dw = math.Mod(dw, float64(stride))
		dh = math.Mod(dh, float64(stride))
	} else if opts.ScaleFill {
		dw, dh = 0, 0
		newW, newH = tw, th
		ratio = [2]float64{float64(tw) / float64(w), float64(th) / float64(h)}
	}
	dw /= 2
	dh /= 2

	resized := img
	if w != newW || h != newH {
		resized = Resize(img, newW, newH)
	}

	top, bottom := int(math.Round(dh-0.1)), int(math.Round(dh+0.1))
	left, right := int(math.Round(dw-0.1)), int(math.Round(dw+0.1))

	out := image.NewRGBA(image.Rect(0, 0, newW+left+right, newH+top+bottom))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: PadColor}, image.Point{}, draw.Src)
	draw.Draw(out, image.Rect(left, top, left+newW, top+newH), resized, resized.Bounds().Min, draw.Src)

	return out, ratio, [2]float64{dw, dh}
}

// CropPadded 以检测框为中心加上padding后裁剪，坐标限制在图片范围内，裁剪为空时返回nil
func CropPadded(img *image.RGBA, box [4]float64, padding int) *image.RGBA {
	b := img.Bounds()
	p := float64(padding)
	x1 := int(math.Max(0, box[0]-p))
	y1 := int(math.Max(0, box[1]-p))
	x2 := int(math.Min(float64(b.Dx()), box[2]+p))
	y2 := int(math.Min(float64(b.Dy()), box[3]+p))
	if x2 <= x1 || y2 <= y1 {
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x1, y1), draw.Src)
	return dst
}

// EncodePNGBase64 把图片编码为PNG再转base64
func EncodePNGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("PNG编码失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SavePNG 保存PNG文件，必要时创建目录
func SavePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建输出文件失败: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("写入PNG失败: %w", err)
	}
	return f.Close()
}
