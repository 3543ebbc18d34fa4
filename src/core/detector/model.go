package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

var (
	// ErrLayerIndex 目标层下标超出网络范围
	ErrLayerIndex = errors.New("layer index out of range")
	// ErrNoForward 反向传播前没有完成前向计算
	ErrNoForward = errors.New("backward called before forward")
	// ErrNoGradient 网络未开启梯度跟踪
	ErrNoGradient = errors.New("gradient tracking is disabled")
)

// Manifest 权重清单，描述网络结构和参数
type Manifest struct {
	Names     []string    `json:"names"`
	InputSize int         `json:"input_size"`
	Layers    []LayerSpec `json:"layers"`
}

// LayerSpec 单层描述，from中的-1表示上一层（第一层的上一层即网络输入）
type LayerSpec struct {
	Type     string     `json:"type"`
	From     []int      `json:"from,omitempty"`
	In       int        `json:"in,omitempty"`
	Out      int        `json:"out,omitempty"`
	Kernel   int        `json:"kernel,omitempty"`
	Stride   int        `json:"stride,omitempty"`
	Padding  int        `json:"padding,omitempty"`
	Act      string     `json:"act,omitempty"`
	Weight   []float32  `json:"weight,omitempty"`
	Bias     []float32  `json:"bias,omitempty"`
	Scale    int        `json:"scale,omitempty"`
	Channels []int      `json:"channels,omitempty"`
	Strides  []int      `json:"strides,omitempty"`
	Span     float64    `json:"span,omitempty"`
	Heads    []HeadSpec `json:"heads,omitempty"`
}

// HeadSpec 检测头中对应一个输入特征图的参数
type HeadSpec struct {
	Weight []float32 `json:"weight"`
	Bias   []float32 `json:"bias,omitempty"`
}

// ForwardHook 层前向计算完成后的回调
type ForwardHook func(layer int, output *Tensor)

// GradientHook 层输出梯度可用时的回调
type GradientHook func(layer int, grad *Tensor)

// Handle 已注册回调的句柄
type Handle struct {
	id     uint64
	remove func(id uint64)
}

// Remove 移除回调，可重复调用
func (h *Handle) Remove() {
	if h == nil || h.remove == nil {
		return
	}
	h.remove(h.id)
	h.remove = nil
}

type hook[T any] struct {
	id uint64
	fn T
}

// pass 一次前向计算保留的中间结果，供反向传播使用
type pass struct {
	input   *Tensor
	outputs []*Tensor
	states  []any
}

// Model 按层下标寻址的检测网络。
// 同一个实例不能并发调用Forward/Backward
type Model struct {
	Names     []string
	InputSize int
	MaxStride int

	layers []Layer
	from   [][]int // 绝对下标，-1表示网络输入

	forwardHooks  map[int][]hook[ForwardHook]
	gradientHooks map[int][]hook[GradientHook]
	nextID        atomic.Uint64

	requiresGrad bool
	last         *pass
}

// Load 从JSON权重清单加载网络
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取权重文件失败: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("解析权重文件失败: %w", err)
	}
	return New(&manifest)
}

// New 根据清单构建网络
func New(manifest *Manifest) (*Model, error) {
	if len(manifest.Names) == 0 {
		return nil, fmt.Errorf("权重清单缺少类别名称")
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("权重清单没有任何层")
	}
	m := &Model{
		Names:         manifest.Names,
		InputSize:     manifest.InputSize,
		forwardHooks:  make(map[int][]hook[ForwardHook]),
		gradientHooks: make(map[int][]hook[GradientHook]),
	}
	if m.InputSize <= 0 {
		m.InputSize = 640
	}

	for i, spec := range manifest.Layers {
		from := spec.From
		if len(from) == 0 {
			from = []int{-1}
		}
		abs := make([]int, len(from))
		for j, f := range from {
			a := f
			if f < 0 {
				a = i + f
			}
			if a >= i || a < -1 {
				return nil, fmt.Errorf("第%d层的输入下标%d无效", i, f)
			}
			abs[j] = a
		}

		var layer Layer
		var err error
		switch spec.Type {
		case "conv":
			layer, err = newConv(spec)
		case "upsample":
			scale := spec.Scale
			if scale <= 0 {
				scale = 2
			}
			layer = &Upsample{Scale: scale}
		case "concat":
			layer = &Concat{}
		case "detect":
			if i != len(manifest.Layers)-1 {
				return nil, fmt.Errorf("detect必须是最后一层")
			}
			var d *Detect
			d, err = newDetect(spec, len(manifest.Names))
			if err == nil {
				for _, s := range d.Strides {
					if int(s) > m.MaxStride {
						m.MaxStride = int(s)
					}
				}
				layer = d
			}
		default:
			err = fmt.Errorf("不支持的层类型: %s", spec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("构建第%d层失败: %w", i, err)
		}
		m.layers = append(m.layers, layer)
		m.from = append(m.from, abs)
	}
	if _, ok := m.layers[len(m.layers)-1].(*Detect); !ok {
		return nil, fmt.Errorf("最后一层必须是detect")
	}
	if m.MaxStride <= 0 {
		m.MaxStride = 32
	}
	return m, nil
}

// NumLayers 层数
func (m *Model) NumLayers() int {
	return len(m.layers)
}

// NumClasses 类别数
func (m *Model) NumClasses() int {
	return len(m.Names)
}

// ResolveLayer 把可能为负的层下标转换为绝对下标
func (m *Model) ResolveLayer(index int) (int, error) {
	i := index
	if i < 0 {
		i += len(m.layers)
	}
	if i < 0 || i >= len(m.layers) {
		return 0, fmt.Errorf("%w: %d (共%d层)", ErrLayerIndex, index, len(m.layers))
	}
	return i, nil
}

// SetRequiresGrad 开启或关闭所有参数的梯度跟踪
func (m *Model) SetRequiresGrad(enabled bool) {
	m.requiresGrad = enabled
}

// RequiresGrad 是否开启梯度跟踪
func (m *Model) RequiresGrad() bool {
	return m.requiresGrad
}

// RegisterForwardHook 注册前向回调
func (m *Model) RegisterForwardHook(index int, fn ForwardHook) (*Handle, error) {
	i, err := m.ResolveLayer(index)
	if err != nil {
		return nil, err
	}
	id := m.nextID.Add(1)
	m.forwardHooks[i] = append(m.forwardHooks[i], hook[ForwardHook]{id: id, fn: fn})
	return &Handle{id: id, remove: func(id uint64) {
		m.forwardHooks[i] = removeHook(m.forwardHooks[i], id)
	}}, nil
}

// RegisterGradientHook 注册梯度回调，只在层输出参与梯度计算且梯度到达时触发
func (m *Model) RegisterGradientHook(index int, fn GradientHook) (*Handle, error) {
	i, err := m.ResolveLayer(index)
	if err != nil {
		return nil, err
	}
	id := m.nextID.Add(1)
	m.gradientHooks[i] = append(m.gradientHooks[i], hook[GradientHook]{id: id, fn: fn})
	return &Handle{id: id, remove: func(id uint64) {
		m.gradientHooks[i] = removeHook(m.gradientHooks[i], id)
	}}, nil
}

// HookCount 当前注册的回调总数
func (m *Model) HookCount() int {
	n := 0
	for _, hs := range m.forwardHooks {
		n += len(hs)
	}
	for _, hs := range m.gradientHooks {
		n += len(hs)
	}
	return n
}

func removeHook[T any](hooks []hook[T], id uint64) []hook[T] {
	out := hooks[:0]
	for _, h := range hooks {
		if h.id != id {
			out = append(out, h)
		}
	}
	return out
}

// Forward 前向计算，返回检测头原始输出[4+nc, 1, 锚点数]
func (m *Model) Forward(x *Tensor) (*Tensor, error) {
	if x.C != 3 {
		return nil, fmt.Errorf("输入必须是3通道，实际 %d", x.C)
	}
	p := &pass{
		input:   x,
		outputs: make([]*Tensor, len(m.layers)),
		states:  make([]any, len(m.layers)),
	}
	for i, layer := range m.layers {
		inputs := m.inputsOf(p, i)
		out, state, err := layer.Forward(inputs)
		if err != nil {
			return nil, fmt.Errorf("第%d层(%s)前向计算失败: %w", i, layer.Kind(), err)
		}
		out.RequiresGrad = m.requiresGrad && (layer.HasParams() || anyRequiresGrad(inputs))
		p.outputs[i] = out
		p.states[i] = state
		for _, h := range m.forwardHooks[i] {
			h.fn(i, out)
		}
	}
	m.last = p
	return p.outputs[len(m.layers)-1], nil
}

func (m *Model) inputsOf(p *pass, i int) []*Tensor {
	inputs := make([]*Tensor, len(m.from[i]))
	for j, f := range m.from[i] {
		if f < 0 {
			inputs[j] = p.input
		} else {
			inputs[j] = p.outputs[f]
		}
	}
	return inputs
}

func anyRequiresGrad(ts []*Tensor) bool {
	for _, t := range ts {
		if t.RequiresGrad {
			return true
		}
	}
	return false
}

// Backward 从最后一次前向计算的输出开始反向传播，seed为目标函数对输出的梯度。
// 各层按逆拓扑顺序处理，梯度回调在该层输出梯度累加完成后触发
func (m *Model) Backward(seed *Tensor) error {
	p := m.last
	if p == nil {
		return ErrNoForward
	}
	if !m.requiresGrad {
		return ErrNoGradient
	}
	n := len(m.layers)
	if !seed.SameShape(p.outputs[n-1]) {
		return fmt.Errorf("梯度形状与输出不一致")
	}

	grads := make([]*Tensor, n)
	grads[n-1] = seed.Clone()
	for i := n - 1; i >= 0; i-- {
		g := grads[i]
		out := p.outputs[i]
		if g == nil || !out.RequiresGrad {
			continue
		}
		for _, h := range m.gradientHooks[i] {
			h.fn(i, g)
		}
		inputs := m.inputsOf(p, i)
		inGrads, err := m.layers[i].Backward(inputs, p.states[i], g)
		if err != nil {
			return fmt.Errorf("第%d层(%s)反向传播失败: %w", i, m.layers[i].Kind(), err)
		}
		for j, f := range m.from[i] {
			if f < 0 || !p.outputs[f].RequiresGrad {
				continue
			}
			if grads[f] == nil {
				grads[f] = inGrads[j]
				continue
			}
			if err := grads[f].AddInPlace(inGrads[j]); err != nil {
				return err
			}
		}
	}
	return nil
}
