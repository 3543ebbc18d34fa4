package detector

import (
	"fmt"
	"math"
)

// Layer 网络中的一个节点，只负责前向计算和对输入的反向传播
type Layer interface {
	Kind() string
	HasParams() bool
	// Forward 返回输出和反向传播需要的中间状态
	Forward(inputs []*Tensor) (*Tensor, any, error)
	// Backward 根据输出梯度计算每个输入的梯度
	Backward(inputs []*Tensor, state any, gradOut *Tensor) ([]*Tensor, error)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Conv 二维卷积，可选SiLU激活
type Conv struct {
	In, Out, Kernel, Stride, Padding int
	SiLU                             bool
	Weight                           []float32 // [out][in][k][k]
	Bias                             []float32 // [out]
}

func newConv(spec LayerSpec) (*Conv, error) {
	if spec.In <= 0 || spec.Out <= 0 || spec.Kernel <= 0 {
		return nil, fmt.Errorf("conv参数无效: in=%d out=%d kernel=%d", spec.In, spec.Out, spec.Kernel)
	}
	stride := spec.Stride
	if stride <= 0 {
		stride = 1
	}
	want := spec.Out * spec.In * spec.Kernel * spec.Kernel
	if len(spec.Weight) != want {
		return nil, fmt.Errorf("conv权重数量错误: %d, 期望 %d", len(spec.Weight), want)
	}
	bias := spec.Bias
	if len(bias) == 0 {
		bias = make([]float32, spec.Out)
	}
	if len(bias) != spec.Out {
		return nil, fmt.Errorf("conv偏置数量错误: %d, 期望 %d", len(bias), spec.Out)
	}
	return &Conv{
		In:      spec.In,
		Out:     spec.Out,
		Kernel:  spec.Kernel,
		Stride:  stride,
		Padding: spec.Padding,
		SiLU:    spec.Act == "silu",
		Weight:  spec.Weight,
		Bias:    bias,
	}, nil
}

func (l *Conv) Kind() string    { return "conv" }
func (l *Conv) HasParams() bool { return true }

func (l *Conv) outSize(h, w int) (int, int) {
	return (h+2*l.Padding-l.Kernel)/l.Stride + 1, (w+2*l.Padding-l.Kernel)/l.Stride + 1
}

func (l *Conv) Forward(inputs []*Tensor) (*Tensor, any, error) {
	x := inputs[0]
	if x.C != l.In {
		return nil, nil, fmt.Errorf("conv输入通道数错误: %d, 期望 %d", x.C, l.In)
	}
	oh, ow := l.outSize(x.H, x.W)
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("conv输入尺寸过小: %dx%d", x.H, x.W)
	}
	k := l.Kernel
	z := NewTensor(l.Out, oh, ow)
	for oc := 0; oc < l.Out; oc++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				sum := float64(l.Bias[oc])
				for ic := 0; ic < l.In; ic++ {
					wBase := (oc*l.In + ic) * k * k
					for ky := 0; ky < k; ky++ {
						iy := oy*l.Stride - l.Padding + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*l.Stride - l.Padding + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							sum += float64(l.Weight[wBase+ky*k+kx]) * float64(x.Data[x.Index(ic, iy, ix)])
						}
					}
				}
				z.Data[z.Index(oc, oy, ox)] = float32(sum)
			}
		}
	}
	if !l.SiLU {
		return z, z, nil
	}
	y := z.ZerosLike()
	for i, v := range z.Data {
		fv := float64(v)
		y.Data[i] = float32(fv * sigmoid(fv))
	}
	return y, z, nil
}

func (l *Conv) Backward(inputs []*Tensor, state any, gradOut *Tensor) ([]*Tensor, error) {
	x := inputs[0]
	z, ok := state.(*Tensor)
	if !ok || !z.SameShape(gradOut) {
		return nil, fmt.Errorf("conv反向传播状态无效")
	}
	dz := gradOut
	if l.SiLU {
		dz = gradOut.ZerosLike()
		for i, v := range z.Data {
			fv := float64(v)
			s := sigmoid(fv)
			dz.Data[i] = float32(float64(gradOut.Data[i]) * s * (1 + fv*(1-s)))
		}
	}
	k := l.Kernel
	dx := x.ZerosLike()
	for oc := 0; oc < l.Out; oc++ {
		for oy := 0; oy < z.H; oy++ {
			for ox := 0; ox < z.W; ox++ {
				g := dz.Data[dz.Index(oc, oy, ox)]
				if g == 0 {
					continue
				}
				for ic := 0; ic < l.In; ic++ {
					wBase := (oc*l.In + ic) * k * k
					for ky := 0; ky < k; ky++ {
						iy := oy*l.Stride - l.Padding + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*l.Stride - l.Padding + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							dx.Data[dx.Index(ic, iy, ix)] += l.Weight[wBase+ky*k+kx] * g
						}
					}
				}
			}
		}
	}
	return []*Tensor{dx}, nil
}

// Upsample 最近邻上采样
type Upsample struct {
	Scale int
}

func (l *Upsample) Kind() string    { return "upsample" }
func (l *Upsample) HasParams() bool { return false }

func (l *Upsample) Forward(inputs []*Tensor) (*Tensor, any, error) {
	x := inputs[0]
	s := l.Scale
	out := NewTensor(x.C, x.H*s, x.W*s)
	for c := 0; c < x.C; c++ {
		for y := 0; y < out.H; y++ {
			for xx := 0; xx < out.W; xx++ {
				out.Data[out.Index(c, y, xx)] = x.Data[x.Index(c, y/s, xx/s)]
			}
		}
	}
	return out, nil, nil
}

func (l *Upsample) Backward(inputs []*Tensor, _ any, gradOut *Tensor) ([]*Tensor, error) {
	x := inputs[0]
	s := l.Scale
	dx := x.ZerosLike()
	for c := 0; c < gradOut.C; c++ {
		for y := 0; y < gradOut.H; y++ {
			for xx := 0; xx < gradOut.W; xx++ {
				dx.Data[dx.Index(c, y/s, xx/s)] += gradOut.Data[gradOut.Index(c, y, xx)]
			}
		}
	}
	return []*Tensor{dx}, nil
}

// Concat 按通道拼接
type Concat struct{}

func (l *Concat) Kind() string    { return "concat" }
func (l *Concat) HasParams() bool { return false }

func (l *Concat) Forward(inputs []*Tensor) (*Tensor, any, error) {
	h, w := inputs[0].H, inputs[0].W
	channels := 0
	for _, in := range inputs {
		if in.H != h || in.W != w {
			return nil, nil, fmt.Errorf("concat输入尺寸不一致: %dx%d vs %dx%d", in.H, in.W, h, w)
		}
		channels += in.C
	}
	out := NewTensor(channels, h, w)
	offset := 0
	for _, in := range inputs {
		copy(out.Data[offset:], in.Data)
		offset += len(in.Data)
	}
	return out, nil, nil
}

func (l *Concat) Backward(inputs []*Tensor, _ any, gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(inputs))
	offset := 0
	for i, in := range inputs {
		g := in.ZerosLike()
		copy(g.Data, gradOut.Data[offset:offset+len(g.Data)])
		offset += len(g.Data)
		grads[i] = g
	}
	return grads, nil
}

// Detect 无锚框检测头：每个输入特征图一个1x1卷积，输出[4+nc, 1, 锚点数]，
// 前4行为像素坐标系下的(cx, cy, w, h)，其余为各类别置信度
type Detect struct {
	NumClasses int
	Channels   []int
	Strides    []float64
	Span       float64
	Weights    [][]float32 // 每个输入: [(4+nc)][C]
	Biases     [][]float32 // 每个输入: [4+nc]
}

func newDetect(spec LayerSpec, numClasses int) (*Detect, error) {
	n := len(spec.From)
	if n == 0 || len(spec.Channels) != n || len(spec.Strides) != n || len(spec.Heads) != n {
		return nil, fmt.Errorf("detect参数数量不一致: from=%d channels=%d strides=%d heads=%d",
			n, len(spec.Channels), len(spec.Strides), len(spec.Heads))
	}
	no := 4 + numClasses
	d := &Detect{
		NumClasses: numClasses,
		Channels:   spec.Channels,
		Span:       spec.Span,
	}
	if d.Span <= 0 {
		d.Span = 8
	}
	for i, head := range spec.Heads {
		if len(head.Weight) != no*spec.Channels[i] {
			return nil, fmt.Errorf("detect第%d个头权重数量错误: %d, 期望 %d", i, len(head.Weight), no*spec.Channels[i])
		}
		bias := head.Bias
		if len(bias) == 0 {
			bias = make([]float32, no)
		}
		if len(bias) != no {
			return nil, fmt.Errorf("detect第%d个头偏置数量错误: %d, 期望 %d", i, len(bias), no)
		}
		d.Weights = append(d.Weights, head.Weight)
		d.Biases = append(d.Biases, bias)
		d.Strides = append(d.Strides, float64(spec.Strides[i]))
	}
	return d, nil
}

func (l *Detect) Kind() string    { return "detect" }
func (l *Detect) HasParams() bool { return true }

// coeff 输出第j行对sigmoid值的缩放系数
func (l *Detect) coeff(j int, stride float64) float64 {
	switch j {
	case 0, 1:
		return stride
	case 2, 3:
		return stride * l.Span
	default:
		return 1
	}
}

func (l *Detect) Forward(inputs []*Tensor) (*Tensor, any, error) {
	no := 4 + l.NumClasses
	anchors := 0
	for i, in := range inputs {
		if in.C != l.Channels[i] {
			return nil, nil, fmt.Errorf("detect第%d个输入通道数错误: %d, 期望 %d", i, in.C, l.Channels[i])
		}
		anchors += in.H * in.W
	}
	out := NewTensor(no, 1, anchors)
	sig := out.ZerosLike()
	offset := 0
	for i, f := range inputs {
		w, b, c := l.Weights[i], l.Biases[i], f.C
		stride := l.Strides[i]
		for gy := 0; gy < f.H; gy++ {
			for gx := 0; gx < f.W; gx++ {
				a := offset + gy*f.W + gx
				for j := 0; j < no; j++ {
					r := float64(b[j])
					for ch := 0; ch < c; ch++ {
						r += float64(w[j*c+ch]) * float64(f.Data[f.Index(ch, gy, gx)])
					}
					s := sigmoid(r)
					sig.Data[sig.Index(j, 0, a)] = float32(s)
					var v float64
					switch j {
					case 0:
						v = (float64(gx) + s) * stride
					case 1:
						v = (float64(gy) + s) * stride
					default:
						v = s * l.coeff(j, stride)
					}
					out.Data[out.Index(j, 0, a)] = float32(v)
				}
			}
		}
		offset += f.H * f.W
	}
	return out, sig, nil
}

func (l *Detect) Backward(inputs []*Tensor, state any, gradOut *Tensor) ([]*Tensor, error) {
	sig, ok := state.(*Tensor)
	if !ok || !sig.SameShape(gradOut) {
		return nil, fmt.Errorf("detect反向传播状态无效")
	}
	no := 4 + l.NumClasses
	grads := make([]*Tensor, len(inputs))
	offset := 0
	dr := make([]float64, no)
	for i, f := range inputs {
		w, c := l.Weights[i], f.C
		stride := l.Strides[i]
		df := f.ZerosLike()
		for gy := 0; gy < f.H; gy++ {
			for gx := 0; gx < f.W; gx++ {
				a := offset + gy*f.W + gx
				nonzero := false
				for j := 0; j < no; j++ {
					g := float64(gradOut.Data[gradOut.Index(j, 0, a)])
					s := float64(sig.Data[sig.Index(j, 0, a)])
					dr[j] = g * l.coeff(j, stride) * s * (1 - s)
					if dr[j] != 0 {
						nonzero = true
					}
				}
				if !nonzero {
					continue
				}
				for ch := 0; ch < c; ch++ {
					sum := 0.0
					for j := 0; j < no; j++ {
						sum += float64(w[j*c+ch]) * dr[j]
					}
					df.Data[df.Index(ch, gy, gx)] += float32(sum)
				}
			}
		}
		grads[i] = df
		offset += f.H * f.W
	}
	return grads, nil
}
