package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

func randWeights(rng *rand.Rand, n int, scale float64) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * scale)
	}
	return w
}

// tinyManifest 覆盖全部层类型的小网络：输入3x8x8，锚点数64+16
func tinyManifest(seed int64) *Manifest {
	rng := rand.New(rand.NewSource(seed))
	nc := 2
	no := 4 + nc
	return &Manifest{
		Names:     []string{"Nodule", "Effusion"},
		InputSize: 8,
		Layers: []LayerSpec{
			{Type: "conv", In: 3, Out: 2, Kernel: 3, Stride: 1, Padding: 1, Act: "silu", Weight: randWeights(rng, 2*3*9, 0.5), Bias: randWeights(rng, 2, 0.1)},
			{Type: "conv", In: 2, Out: 2, Kernel: 3, Stride: 2, Padding: 1, Act: "silu", Weight: randWeights(rng, 2*2*9, 0.5)},
			{Type: "upsample", Scale: 2},
			{Type: "concat", From: []int{-1, 0}},
			{
				Type:     "detect",
				From:     []int{3, 1},
				Channels: []int{4, 2},
				Strides:  []int{8, 16},
				Heads: []HeadSpec{
					{Weight: randWeights(rng, no*4, 1), Bias: randWeights(rng, no, 0.1)},
					{Weight: randWeights(rng, no*2, 1), Bias: randWeights(rng, no, 0.1)},
				},
			},
		},
	}
}

func randomInput(seed int64, c, h, w int) *Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := NewTensor(c, h, w)
	for i := range x.Data {
		x.Data[i] = float32(rng.Float64())
	}
	return x
}

func mustModel(t *testing.T, m *Manifest) *Model {
	t.Helper()
	model, err := New(m)
	if err != nil {
		t.Fatalf("构建网络失败: %v", err)
	}
	return model
}

func TestForwardShape(t *testing.T) {
	model := mustModel(t, tinyManifest(1))
	out, err := model.Forward(randomInput(2, 3, 8, 8))
	if err != nil {
		t.Fatalf("前向计算失败: %v", err)
	}
	if out.C != 6 || out.H != 1 || out.W != 80 {
		t.Fatalf("输出形状错误: %dx%dx%d", out.C, out.H, out.W)
	}
	for a := 0; a < out.W; a++ {
		for j := 4; j < out.C; j++ {
			if s := out.At(j, 0, a); s < 0 || s > 1 {
				t.Fatalf("类别置信度越界: %v", s)
			}
		}
	}
	if model.MaxStride != 16 {
		t.Errorf("MaxStride = %d, 期望 16", model.MaxStride)
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	for _, layer := range []int{0, 1, 3} {
		model := mustModel(t, tinyManifest(3))
		model.SetRequiresGrad(true)
		x := randomInput(4, 3, 8, 8)

		out, err := model.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		rng := rand.New(rand.NewSource(5))
		seed := out.ZerosLike()
		for j := 4; j < seed.C; j++ {
			for a := 0; a < seed.W; a++ {
				seed.Data[seed.Index(j, 0, a)] = float32(rng.Float64()*2 - 1)
			}
		}
		loss := func(o *Tensor) float64 {
			sum := 0.0
			for i, v := range o.Data {
				sum += float64(v) * float64(seed.Data[i])
			}
			return sum
		}

		var grad *Tensor
		h, err := model.RegisterGradientHook(layer, func(_ int, g *Tensor) { grad = g.Clone() })
		if err != nil {
			t.Fatal(err)
		}
		if _, err := model.Forward(x); err != nil {
			t.Fatal(err)
		}
		if err := model.Backward(seed); err != nil {
			t.Fatalf("反向传播失败: %v", err)
		}
		h.Remove()
		if grad == nil {
			t.Fatalf("第%d层没有收到梯度", layer)
		}

		// 通过前向回调原地扰动该层输出，计算数值梯度
		const eps = 1e-2
		for _, idx := range []int{0, 5, len(grad.Data) / 2, len(grad.Data) - 1} {
			eval := func(delta float32) float64 {
				fh, _ := model.RegisterForwardHook(layer, func(_ int, o *Tensor) { o.Data[idx] += delta })
				defer fh.Remove()
				o, err := model.Forward(x)
				if err != nil {
					t.Fatal(err)
				}
				return loss(o)
			}
			numeric := (eval(eps) - eval(-eps)) / (2 * eps)
			analytic := float64(grad.Data[idx])
			if math.Abs(numeric-analytic) > 2e-3+0.05*math.Abs(analytic) {
				t.Errorf("第%d层元素%d梯度不一致: 解析 %.6f, 数值 %.6f", layer, idx, analytic, numeric)
			}
		}
	}
}

func TestGradientHookSkipsLayersWithoutGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := &Manifest{
		Names: []string{"a"},
		Layers: []LayerSpec{
			{Type: "conv", In: 3, Out: 2, Kernel: 1, Act: "silu", Weight: randWeights(rng, 6, 1)},
			{Type: "conv", In: 2, Out: 2, Kernel: 1, Weight: randWeights(rng, 4, 1)}, // 未接入检测头
			{Type: "detect", From: []int{0}, Channels: []int{2}, Strides: []int{8},
				Heads: []HeadSpec{{Weight: randWeights(rng, 5*2, 1)}}},
		},
	}
	model := mustModel(t, m)
	model.SetRequiresGrad(true)

	fired := map[int]int{}
	for _, l := range []int{0, 1} {
		if _, err := model.RegisterGradientHook(l, func(layer int, _ *Tensor) { fired[layer]++ }); err != nil {
			t.Fatal(err)
		}
	}
	out, err := model.Forward(randomInput(8, 3, 4, 4))
	if err != nil {
		t.Fatal(err)
	}
	seed := out.ZerosLike()
	for i := range seed.Data {
		seed.Data[i] = 1
	}
	if err := model.Backward(seed); err != nil {
		t.Fatalf("反向传播失败: %v", err)
	}
	if fired[0] != 1 {
		t.Errorf("第0层梯度回调次数 = %d, 期望 1", fired[0])
	}
	if fired[1] != 0 {
		t.Errorf("未接入的层不应触发梯度回调, 实际 %d 次", fired[1])
	}
}

func TestBackwardErrors(t *testing.T) {
	model := mustModel(t, tinyManifest(1))
	if err := model.Backward(NewTensor(6, 1, 80)); !errors.Is(err, ErrNoForward) {
		t.Errorf("未前向时应返回ErrNoForward, 实际 %v", err)
	}
	out, err := model.Forward(randomInput(1, 3, 8, 8))
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Backward(out.ZerosLike()); !errors.Is(err, ErrNoGradient) {
		t.Errorf("未开启梯度时应返回ErrNoGradient, 实际 %v", err)
	}
}

func TestHooks(t *testing.T) {
	model := mustModel(t, tinyManifest(1))

	t.Run("负数下标从末尾计算", func(t *testing.T) {
		i, err := model.ResolveLayer(-1)
		if err != nil || i != 4 {
			t.Errorf("ResolveLayer(-1) = %d, %v", i, err)
		}
	})

	t.Run("越界下标", func(t *testing.T) {
		if _, err := model.RegisterForwardHook(10, func(int, *Tensor) {}); !errors.Is(err, ErrLayerIndex) {
			t.Errorf("期望ErrLayerIndex, 实际 %v", err)
		}
		if _, err := model.RegisterGradientHook(-6, func(int, *Tensor) {}); !errors.Is(err, ErrLayerIndex) {
			t.Errorf("期望ErrLayerIndex, 实际 %v", err)
		}
	})

	t.Run("移除后不再触发", func(t *testing.T) {
		calls := 0
		h, err := model.RegisterForwardHook(2, func(int, *Tensor) { calls++ })
		if err != nil {
			t.Fatal(err)
		}
		x := randomInput(1, 3, 8, 8)
		model.Forward(x)
		h.Remove()
		h.Remove()
		model.Forward(x)
		if calls != 1 {
			t.Errorf("回调次数 = %d, 期望 1", calls)
		}
		if model.HookCount() != 0 {
			t.Errorf("HookCount = %d, 期望 0", model.HookCount())
		}
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{name: "缺少类别", mutate: func(m *Manifest) { m.Names = nil }},
		{name: "未知层类型", mutate: func(m *Manifest) { m.Layers[2].Type = "pool" }},
		{name: "检测头不在末尾", mutate: func(m *Manifest) { m.Layers = append(m.Layers, LayerSpec{Type: "upsample"}) }},
		{name: "权重数量错误", mutate: func(m *Manifest) { m.Layers[0].Weight = m.Layers[0].Weight[:3] }},
		{name: "输入引用后面的层", mutate: func(m *Manifest) { m.Layers[3].From = []int{-1, 3} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tinyManifest(1)
			tt.mutate(m)
			if _, err := New(m); err == nil {
				t.Error("期望构建失败")
			}
		})
	}
}

func predTensor(rows [][]float32) *Tensor {
	t := NewTensor(len(rows[0]), 1, len(rows))
	for a, r := range rows {
		for j, v := range r {
			t.Data[t.Index(j, 0, a)] = v
		}
	}
	return t
}

func TestNonMaxSuppression(t *testing.T) {
	pred := predTensor([][]float32{
		{50, 50, 20, 20, 0.9, 0.1},
		{52, 50, 20, 20, 0.8, 0.1}, // 与第一个重叠，同类别被抑制
		{52, 50, 20, 20, 0.1, 0.7}, // 不同类别保留
		{200, 200, 10, 10, 0.25, 0},
		{300, 300, 10, 10, 0.15, 0}, // 不超过阈值
	})

	dets := NonMaxSuppression(pred, 0.2, 0.45, 300)
	if len(dets) != 3 {
		t.Fatalf("检测数量 = %d, 期望 3: %+v", len(dets), dets)
	}
	if dets[0].Confidence != float64(float32(0.9)) || dets[0].ClassID != 0 {
		t.Errorf("第一个检测错误: %+v", dets[0])
	}
	if dets[1].ClassID != 1 {
		t.Errorf("第二个检测应为类别1: %+v", dets[1])
	}
	want := [4]float64{40, 40, 60, 60}
	if dets[0].Box != want {
		t.Errorf("坐标转换错误: %v", dets[0].Box)
	}

	t.Run("maxDet限制", func(t *testing.T) {
		if got := NonMaxSuppression(pred, 0.2, 0.45, 1); len(got) != 1 {
			t.Errorf("数量 = %d, 期望 1", len(got))
		}
	})
	t.Run("没有锚点", func(t *testing.T) {
		if got := NonMaxSuppression(NewTensor(6, 1, 0), 0.2, 0.45, 300); got == nil || len(got) != 0 {
			t.Errorf("应返回空切片: %v", got)
		}
	})
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b [4]float64
		want float64
	}{
		{name: "完全重合", a: [4]float64{0, 0, 10, 10}, b: [4]float64{0, 0, 10, 10}, want: 1},
		{name: "不相交", a: [4]float64{0, 0, 10, 10}, b: [4]float64{20, 20, 30, 30}, want: 0},
		{name: "一半重叠", a: [4]float64{0, 0, 10, 10}, b: [4]float64{5, 0, 15, 10}, want: 50.0 / 150.0},
		{name: "空框", a: [4]float64{0, 0, 0, 0}, b: [4]float64{0, 0, 0, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU = %v, 期望 %v", got, tt.want)
			}
		})
	}
}

func TestPredictBoxesInsideImage(t *testing.T) {
	model := mustModel(t, SyntheticManifest([]string{"Nodule", "Effusion", "Mass"}, 64, 11))
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 100; x++ {
			v := uint8((x * 255) / 100)
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}

	dets, err := model.Predict(context.Background(), img, 0, 0.7)
	if err != nil {
		t.Fatalf("检测失败: %v", err)
	}
	if len(dets) == 0 {
		t.Fatal("阈值为0时应有检测结果")
	}
	for _, d := range dets {
		if d.Box[0] < 0 || d.Box[1] < 0 || d.Box[2] > 100 || d.Box[3] > 80 {
			t.Errorf("检测框超出图片范围: %v", d.Box)
		}
	}

	plotted := model.Plot(img, dets)
	if plotted.Bounds() != img.Bounds() {
		t.Errorf("标注图尺寸变化: %v", plotted.Bounds())
	}

	t.Run("已取消的上下文", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := model.Predict(ctx, img, 0.2, 0.7); !errors.Is(err, context.Canceled) {
			t.Errorf("期望context.Canceled, 实际 %v", err)
		}
	})
}

func TestManifestRoundTripThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights", "best.json")
	if err := WriteManifest(path, SyntheticManifest([]string{"Nodule"}, 64, 1)); err != nil {
		t.Fatal(err)
	}
	model, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if model.NumLayers() != 22 || model.NumClasses() != 1 || model.InputSize != 64 {
		t.Errorf("网络信息错误: layers=%d classes=%d input=%d", model.NumLayers(), model.NumClasses(), model.InputSize)
	}
	if i, _ := model.ResolveLayer(-3); i != 19 {
		t.Errorf("-3 应解析为 19, 实际 %d", i)
	}
}
