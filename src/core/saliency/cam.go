package saliency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"xray-insight/src/core/detector"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDegenerateObjective 没有检测达到阈值，基于梯度的算法无法计算
	ErrDegenerateObjective = errors.New("objective selected no detections")
	// ErrIncompleteCapture 激活值和梯度数量与目标层数不一致
	ErrIncompleteCapture = errors.New("capture record is incomplete")
)

// Map 与网络输入同尺寸的单通道热力图，取值[0,1]
type Map struct {
	H, W int
	Data []float64
}

// At 读取(y, x)处的值
func (m *Map) At(y, x int) float64 {
	return m.Data[y*m.W+x]
}

// Algorithm 热力图算法的统一调用方式
type Algorithm interface {
	Compute(ctx context.Context, x *detector.Tensor, target Target) (*Map, error)
}

// CAM 各种CAM算法共用的流程：记录激活值/梯度，逐层加权，放大到输入尺寸后取平均
type CAM struct {
	method  Method
	session *CaptureSession
	rng     *rand.Rand
}

// NewCAM 创建绑定到采集会话的算法实例
func NewCAM(method Method, session *CaptureSession, seed int64) *CAM {
	return &CAM{method: method, session: session, rng: rand.New(rand.NewSource(seed))}
}

// Method 算法类型
func (c *CAM) Method() Method {
	return c.method
}

// Compute 计算热力图
func (c *CAM) Compute(ctx context.Context, x *detector.Tensor, target Target) (*Map, error) {
	out, err := c.session.Run(ctx, x)
	if err != nil {
		return nil, err
	}
	obj := target.Reduce(out)

	if c.method.UsesGradients() {
		if obj.Degenerate {
			return nil, fmt.Errorf("%s: %w (阈值 %.2f)", c.method, ErrDegenerateObjective, target.Conf)
		}
		if err := c.session.Backward(obj.Seed(out)); err != nil {
			return nil, fmt.Errorf("反向传播失败: %w", err)
		}
		if !c.session.Complete() {
			return nil, ErrIncompleteCapture
		}
	}

	rec := c.session.Record()
	if len(rec.Activations) != len(c.session.slots) {
		return nil, ErrIncompleteCapture
	}

	layers := make([][]float64, 0, len(rec.Activations))
	for i, act := range rec.Activations {
		var grad *detector.Tensor
		if c.method.UsesGradients() {
			grad = rec.Gradients[i]
			if !grad.SameShape(act) {
				return nil, fmt.Errorf("%w: 第%d个目标层梯度形状不一致", ErrIncompleteCapture, i)
			}
		}
		cam := c.layerCAM(act, grad)
		for j, v := range cam {
			cam[j] = math.Max(v, 0)
		}
		cam = resizeBilinear(cam, act.H, act.W, x.H, x.W)
		scale01(cam)
		layers = append(layers, cam)
	}

	result := make([]float64, x.H*x.W)
	for _, cam := range layers {
		for j, v := range cam {
			result[j] += math.Max(v, 0)
		}
	}
	for j := range result {
		result[j] /= float64(len(layers))
	}
	scale01(result)
	return &Map{H: x.H, W: x.W, Data: result}, nil
}

// layerCAM 单层的二维热力图，尺寸与该层特征图相同
func (c *CAM) layerCAM(act, grad *detector.Tensor) []float64 {
	n := act.H * act.W
	switch c.method {
	case EigenCAM:
		return projection2D(act.C, n, func(ch, i int) float64 { return float64(act.Plane(ch)[i]) })
	case EigenGradCAM:
		return projection2D(act.C, n, func(ch, i int) float64 {
			return float64(grad.Plane(ch)[i]) * float64(act.Plane(ch)[i])
		})
	case HiResCAM:
		cam := make([]float64, n)
		for ch := 0; ch < act.C; ch++ {
			a, g := act.Plane(ch), grad.Plane(ch)
			for i := range cam {
				cam[i] += float64(g[i]) * float64(a[i])
			}
		}
		return cam
	case LayerCAM:
		cam := make([]float64, n)
		for ch := 0; ch < act.C; ch++ {
			a, g := act.Plane(ch), grad.Plane(ch)
			for i := range cam {
				cam[i] += math.Max(float64(g[i]), 0) * float64(a[i])
			}
		}
		return cam
	}

	weights := c.channelWeights(act, grad)
	cam := make([]float64, n)
	for ch, w := range weights {
		a := act.Plane(ch)
		for i := range cam {
			cam[i] += w * float64(a[i])
		}
	}
	return cam
}

// channelWeights 按通道加权的算法的权重
func (c *CAM) channelWeights(act, grad *detector.Tensor) []float64 {
	n := float64(act.H * act.W)
	weights := make([]float64, act.C)
	for ch := range weights {
		switch c.method {
		case RandomCAM:
			weights[ch] = c.rng.Float64()*2 - 1
		case GradCAM:
			sum := 0.0
			for _, g := range grad.Plane(ch) {
				sum += float64(g)
			}
			weights[ch] = sum / n
		case XGradCAM:
			a, g := act.Plane(ch), grad.Plane(ch)
			sumA := 0.0
			for _, v := range a {
				sumA += float64(v)
			}
			w := 0.0
			for i := range a {
				w += float64(g[i]) * float64(a[i]) / (sumA + 1e-7)
			}
			weights[ch] = w
		case GradCAMPlusPlus:
			a, g := act.Plane(ch), grad.Plane(ch)
			sumA := 0.0
			for _, v := range a {
				sumA += float64(v)
			}
			w := 0.0
			for i := range g {
				gi := float64(g[i])
				if gi == 0 {
					continue
				}
				g2, g3 := gi*gi, gi*gi*gi
				aij := g2 / (2*g2 + sumA*g3 + 1e-7)
				w += math.Max(gi, 0) * aij
			}
			weights[ch] = w
		}
	}
	return weights
}

// projection2D 把[C x N]的特征按空间位置展开为N x C矩阵，去均值后投影到第一右奇异向量上
func projection2D(channels, n int, value func(ch, i int) float64) []float64 {
	out := make([]float64, n)
	if channels == 0 || n == 0 {
		return out
	}
	m := mat.NewDense(n, channels, nil)
	for ch := 0; ch < channels; ch++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			v := value(ch, i)
			if math.IsNaN(v) {
				v = 0
			}
			m.Set(i, ch, v)
			mean += v
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			m.Set(i, ch, m.At(i, ch)-mean)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return out
	}
	var v mat.Dense
	svd.VTo(&v)
	first := v.ColView(0)

	var proj mat.VecDense
	proj.MulVec(m, first)
	for i := range out {
		out[i] = proj.AtVec(i)
	}
	return out
}

// resizeBilinear 与OpenCV INTER_LINEAR一致的半像素对齐双线性插值
func resizeBilinear(src []float64, sh, sw, dh, dw int) []float64 {
	if sh == dh && sw == dw {
		out := make([]float64, len(src))
		copy(out, src)
		return out
	}
	out := make([]float64, dh*dw)
	sy := float64(sh) / float64(dh)
	sx := float64(sw) / float64(dw)
	for y := 0; y < dh; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		if fy < 0 {
			fy = 0
		}
		y0 := int(fy)
		if y0 > sh-1 {
			y0 = sh - 1
		}
		y1 := y0 + 1
		if y1 > sh-1 {
			y1 = sh - 1
		}
		wy := fy - float64(y0)
		for x := 0; x < dw; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			if fx < 0 {
				fx = 0
			}
			x0 := int(fx)
			if x0 > sw-1 {
				x0 = sw - 1
			}
			x1 := x0 + 1
			if x1 > sw-1 {
				x1 = sw - 1
			}
			wx := fx - float64(x0)
			top := src[y0*sw+x0]*(1-wx) + src[y0*sw+x1]*wx
			bottom := src[y1*sw+x0]*(1-wx) + src[y1*sw+x1]*wx
			out[y*dw+x] = top*(1-wy) + bottom*wy
		}
	}
	return out
}

// scale01 原地减去最小值再除以最大值，结果落在[0,1]
func scale01(v []float64) {
	if len(v) == 0 {
		return
	}
	lo := v[0]
	for _, x := range v {
		lo = math.Min(lo, x)
	}
	hi := 0.0
	for i := range v {
		v[i] -= lo
		hi = math.Max(hi, v[i])
	}
	for i := range v {
		v[i] /= 1e-7 + hi
	}
}
