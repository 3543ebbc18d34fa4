package saliency

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"xray-insight/src/core/detector"
)

// ErrReleased 观察者已经释放，会话不能再使用
var ErrReleased = errors.New("capture session released")

// Network 可以挂载前向和梯度观察者的检测网络
type Network interface {
	ResolveLayer(index int) (int, error)
	RegisterForwardHook(index int, fn detector.ForwardHook) (*detector.Handle, error)
	RegisterGradientHook(index int, fn detector.GradientHook) (*detector.Handle, error)
	Forward(x *detector.Tensor) (*detector.Tensor, error)
	Backward(seed *detector.Tensor) error
}

// ReshapeFunc 记录激活值前的变换，nil表示原样保存
type ReshapeFunc func(*detector.Tensor) *detector.Tensor

// Record 一次前向加反向得到的激活值和梯度，下标按层的执行顺序一一对应
type Record struct {
	Activations []*detector.Tensor
	Gradients   []*detector.Tensor
}

// slot 单个目标层的缓冲区
type slot struct {
	layer       int // 绝对下标
	requireGrad bool
	activations []*detector.Tensor
	gradients   []*detector.Tensor
}

// Output 检测头原始输出的后处理结果，每行一个锚点，按最大类别置信度降序排列
type Output struct {
	Scores  [][]float64  // 各类别置信度
	Boxes   [][4]float64 // (cx, cy, w, h)
	Corners [][4]float64 // (x1, y1, x2, y2)
	Order   []int        // 每行对应的锚点下标
	Classes []int        // 每行置信度最高的类别
	Raw     *detector.Tensor
}

// Len 行数
func (o *Output) Len() int {
	return len(o.Order)
}

// MaxScore 第i行的最大类别置信度
func (o *Output) MaxScore(i int) float64 {
	return o.Scores[i][o.Classes[i]]
}

// CaptureSession 在指定层上记录一次前向输出和反向梯度
type CaptureSession struct {
	net      Network
	reshape  ReshapeFunc
	slots    []*slot
	handles  []*detector.Handle
	released bool
}

// NewCaptureSession 为每个目标层挂载前向和梯度观察者，任一层下标无效时不会留下已挂载的观察者
func NewCaptureSession(net Network, layers []int, reshape ReshapeFunc) (*CaptureSession, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("至少需要一个目标层")
	}
	s := &CaptureSession{net: net, reshape: reshape}
	for _, index := range layers {
		abs, err := net.ResolveLayer(index)
		if err != nil {
			s.Release()
			return nil, err
		}
		sl := &slot{layer: abs}
		s.slots = append(s.slots, sl)

		fh, err := net.RegisterForwardHook(abs, func(_ int, out *detector.Tensor) {
			sl.requireGrad = out.RequiresGrad
			act := out.Clone()
			if s.reshape != nil {
				act = s.reshape(act)
			}
			sl.activations = append(sl.activations, act)
		})
		if err != nil {
			s.Release()
			return nil, err
		}
		s.handles = append(s.handles, fh)

		gh, err := net.RegisterGradientHook(abs, func(_ int, grad *detector.Tensor) {
			if !sl.requireGrad || grad == nil {
				return
			}
			g := grad.Clone()
			if s.reshape != nil {
				g = s.reshape(g)
			}
			sl.gradients = append(sl.gradients, g)
		})
		if err != nil {
			s.Release()
			return nil, err
		}
		s.handles = append(s.handles, gh)
	}
	// 反向传播按层下标从大到小触发，按执行顺序排列后梯度与激活值自然对齐
	sort.SliceStable(s.slots, func(i, j int) bool { return s.slots[i].layer < s.slots[j].layer })
	return s, nil
}

// Layers 目标层的绝对下标，按执行顺序排列
func (s *CaptureSession) Layers() []int {
	out := make([]int, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.layer
	}
	return out
}

func (s *CaptureSession) reset() {
	for _, sl := range s.slots {
		sl.activations = nil
		sl.gradients = nil
		sl.requireGrad = false
	}
}

// Run 清空上一次的记录后做前向计算并后处理输出
func (s *CaptureSession) Run(ctx context.Context, x *detector.Tensor) (*Output, error) {
	if s.released {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.reset()
	raw, err := s.net.Forward(x)
	if err != nil {
		return nil, err
	}
	return PostProcess(raw), nil
}

// Backward 以目标函数的梯度为起点做反向传播
func (s *CaptureSession) Backward(seed *detector.Tensor) error {
	if s.released {
		return ErrReleased
	}
	return s.net.Backward(seed)
}

// Record 返回本次记录的激活值和梯度
func (s *CaptureSession) Record() Record {
	var r Record
	for _, sl := range s.slots {
		r.Activations = append(r.Activations, sl.activations...)
		r.Gradients = append(r.Gradients, sl.gradients...)
	}
	return r
}

// Complete 激活值和梯度的数量都等于目标层数时记录才可用
func (s *CaptureSession) Complete() bool {
	r := s.Record()
	return len(r.Activations) == len(s.slots) && len(r.Gradients) == len(s.slots)
}

// Release 移除所有观察者，之后会话不能再使用
func (s *CaptureSession) Release() {
	for _, h := range s.handles {
		h.Remove()
	}
	s.handles = nil
	s.reset()
	s.released = true
}

// PostProcess 把[4+nc, 1, 锚点数]的原始输出转换为按最大类别置信度降序的逐行结构
func PostProcess(raw *detector.Tensor) *Output {
	nc := raw.C - 4
	out := &Output{Raw: raw}
	if nc <= 0 || raw.W == 0 {
		return out
	}
	n := raw.W
	best := make([]float64, n)
	classes := make([]int, n)
	for a := 0; a < n; a++ {
		best[a] = -1
		for k := 0; k < nc; k++ {
			if v := float64(raw.At(4+k, 0, a)); v > best[a] {
				best[a], classes[a] = v, k
			}
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return best[order[i]] > best[order[j]] })

	out.Order = order
	out.Scores = make([][]float64, n)
	out.Boxes = make([][4]float64, n)
	out.Corners = make([][4]float64, n)
	out.Classes = make([]int, n)
	for r, a := range order {
		scores := make([]float64, nc)
		for k := range scores {
			scores[k] = float64(raw.At(4+k, 0, a))
		}
		out.Scores[r] = scores
		out.Classes[r] = classes[a]
		box := [4]float64{
			float64(raw.At(0, 0, a)),
			float64(raw.At(1, 0, a)),
			float64(raw.At(2, 0, a)),
			float64(raw.At(3, 0, a)),
		}
		out.Boxes[r] = box
		out.Corners[r] = detector.XYWH2XYXY(box)
	}
	return out
}
