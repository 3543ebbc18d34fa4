package detector

import (
	"fmt"
	"image"
)

// Tensor 单张样本的CHW张量
type Tensor struct {
	C, H, W      int
	Data         []float32
	RequiresGrad bool // 输出是否参与梯度计算
}

// NewTensor 创建全零张量
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Index 返回(c, y, x)在Data中的下标
func (t *Tensor) Index(c, y, x int) int {
	return (c*t.H+y)*t.W + x
}

// At 读取元素
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[t.Index(c, y, x)]
}

// Clone 深拷贝
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{C: t.C, H: t.H, W: t.W, RequiresGrad: t.RequiresGrad}
	out.Data = make([]float32, len(t.Data))
	copy(out.Data, t.Data)
	return out
}

// ZerosLike 创建同形状的零张量
func (t *Tensor) ZerosLike() *Tensor {
	return NewTensor(t.C, t.H, t.W)
}

// SameShape 判断形状是否一致
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

// Plane 返回第c个通道的切片（不拷贝）
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// AddInPlace 累加梯度
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("张量形状不一致: %dx%dx%d vs %dx%dx%d", t.C, t.H, t.W, o.C, o.H, o.W)
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
	return nil
}

// FromImage 把RGB图片转换为[0,1]范围的CHW浮点张量
func FromImage(img *image.RGBA) *Tensor {
	b := img.Bounds()
	t := NewTensor(3, b.Dy(), b.Dx())
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			t.Data[t.Index(0, y, x)] = float32(img.Pix[o]) / 255
			t.Data[t.Index(1, y, x)] = float32(img.Pix[o+1]) / 255
			t.Data[t.Index(2, y, x)] = float32(img.Pix[o+2]) / 255
		}
	}
	return t
}
