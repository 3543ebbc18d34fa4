package saliency

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"xray-insight/src/configs"
	"xray-insight/src/core/detector"
	ximage "xray-insight/src/core/image"
)

var testNames = []string{"Nodule", "Effusion", "Mass"}

var defaultLayers = []int{10, 12, 14, 16, 18, -3}

func syntheticModel(t *testing.T) *detector.Model {
	t.Helper()
	m, err := detector.New(detector.SyntheticManifest(testNames, 64, 21))
	if err != nil {
		t.Fatalf("构建网络失败: %v", err)
	}
	m.SetRequiresGrad(true)
	return m
}

func testInput(seed int64) *detector.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := detector.NewTensor(3, 64, 64)
	for i := range x.Data {
		x.Data[i] = float32(rng.Float64())
	}
	return x
}

// rawOutput 按锚点给出(cx, cy, w, h, 各类别置信度)
func rawOutput(rows [][]float32) *detector.Tensor {
	t := detector.NewTensor(len(rows[0]), 1, len(rows))
	for a, r := range rows {
		for j, v := range r {
			t.Data[t.Index(j, 0, a)] = v
		}
	}
	return t
}

func TestPostProcess(t *testing.T) {
	out := PostProcess(rawOutput([][]float32{
		{10, 10, 4, 4, 0.1, 0.3},
		{20, 20, 4, 4, 0.9, 0.2},
		{30, 30, 4, 4, 0.2, 0.6},
	}))
	if out.Len() != 3 {
		t.Fatalf("行数 = %d", out.Len())
	}
	wantOrder := []int{1, 2, 0}
	for i, a := range wantOrder {
		if out.Order[i] != a {
			t.Errorf("第%d行锚点 = %d, 期望 %d", i, out.Order[i], a)
		}
	}
	if out.Classes[1] != 1 {
		t.Errorf("第二行类别 = %d, 期望 1", out.Classes[1])
	}
	if out.Corners[0] != [4]float64{18, 18, 22, 22} {
		t.Errorf("角点坐标错误: %v", out.Corners[0])
	}

	t.Run("没有锚点", func(t *testing.T) {
		empty := PostProcess(detector.NewTensor(6, 1, 0))
		if empty.Len() != 0 || empty.Raw == nil {
			t.Errorf("应返回空结构: %+v", empty)
		}
		obj := Target{Kind: KindAll, Conf: 0.1}.Reduce(empty)
		if !obj.Degenerate || obj.Value != 0 {
			t.Errorf("空输出应得到退化目标: %+v", obj)
		}
	})
}

func TestReduce(t *testing.T) {
	out := PostProcess(rawOutput([][]float32{
		{1, 2, 3, 4, 0.5, 0.1},
		{10, 20, 30, 40, 0.1, 0.8},
		{100, 100, 100, 100, 0.3, 0.2},
	}))

	tests := []struct {
		name       string
		target     Target
		value      float64
		selected   int
		degenerate bool
	}{
		{name: "只累加类别置信度", target: Target{Kind: KindClass, Conf: 0.4}, value: float64(float32(0.8)) + float64(float32(0.5)), selected: 2},
		{name: "只累加框坐标", target: Target{Kind: KindBox, Conf: 0.4}, value: 100 + 10, selected: 2},
		{name: "全部累加", target: Target{Kind: KindAll, Conf: 0.4}, value: 110 + float64(float32(0.8)) + float64(float32(0.5)), selected: 2},
		{name: "阈值等于置信度时选中", target: Target{Kind: KindClass, Conf: float64(float32(0.8))}, value: float64(float32(0.8)), selected: 1},
		{name: "没有检测达到阈值", target: Target{Kind: KindAll, Conf: 0.95}, value: 0, selected: 0, degenerate: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := tt.target.Reduce(out)
			if math.Abs(obj.Value-tt.value) > 1e-9 {
				t.Errorf("Value = %v, 期望 %v", obj.Value, tt.value)
			}
			if len(obj.Selected) != tt.selected {
				t.Errorf("选中数量 = %d, 期望 %d", len(obj.Selected), tt.selected)
			}
			if obj.Degenerate != tt.degenerate {
				t.Errorf("Degenerate = %v, 期望 %v", obj.Degenerate, tt.degenerate)
			}
		})
	}
}

func TestReduceSelectionIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rows := make([][]float32, 50)
	for i := range rows {
		rows[i] = []float32{1, 1, 1, 1, float32(rng.Float64()), float32(rng.Float64())}
	}
	out := PostProcess(rawOutput(rows))

	prev := math.MaxInt
	for _, conf := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1.1} {
		obj := Target{Kind: KindClass, Conf: conf}.Reduce(out)
		want := 0
		for i := 0; i < out.Len(); i++ {
			if out.MaxScore(i) >= conf {
				want++
			}
		}
		if len(obj.Selected) != want {
			t.Errorf("阈值%.2f选中 %d 行, 期望 %d", conf, len(obj.Selected), want)
		}
		for _, r := range obj.Selected {
			if out.MaxScore(r) < conf {
				t.Errorf("阈值%.2f选中了低于阈值的行 %d", conf, r)
			}
		}
		if len(obj.Selected) > prev {
			t.Errorf("提高阈值后选中数量增加: %d > %d", len(obj.Selected), prev)
		}
		prev = len(obj.Selected)
	}
}

func TestSeed(t *testing.T) {
	out := PostProcess(rawOutput([][]float32{
		{1, 2, 3, 4, 0.1, 0.2},
		{5, 6, 7, 8, 0.9, 0.3},
	}))
	obj := Target{Kind: KindAll, Conf: 0.5}.Reduce(out)
	seed := obj.Seed(out)
	for j := 0; j < 6; j++ {
		want := float32(0)
		if j <= 4 {
			want = 1
		}
		if got := seed.At(j, 0, 1); got != want {
			t.Errorf("锚点1第%d行梯度 = %v, 期望 %v", j, got, want)
		}
		if got := seed.At(j, 0, 0); got != 0 {
			t.Errorf("未选中的锚点梯度应为0, 第%d行 = %v", j, got)
		}
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Method
		wantErr bool
	}{
		{name: "默认算法", input: "EigenGradCAM", want: EigenGradCAM},
		{name: "大小写不敏感", input: "gradcamplusplus", want: GradCAMPlusPlus},
		{name: "带空格", input: " EigenCAM ", want: EigenCAM},
		{name: "未知算法", input: "ScoreCAM", wantErr: true},
		{name: "空字符串", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMethod(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownMethod) {
					t.Errorf("期望ErrUnknownMethod, 实际 %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseMethod(%q) = %v, %v", tt.input, got, err)
			}
		})
	}
	if _, err := ParseKind("score"); err == nil {
		t.Error("未知目标类型应报错")
	}
}

func TestCaptureSession(t *testing.T) {
	model := syntheticModel(t)
	session, err := NewCaptureSession(model, defaultLayers, nil)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	if got := session.Layers(); got[len(got)-1] != 19 {
		t.Errorf("-3应解析为19: %v", got)
	}
	x := testInput(1)
	ctx := context.Background()

	out, err := session.Run(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if session.Complete() {
		t.Error("反向传播前记录不应完整")
	}
	rec := session.Record()
	if len(rec.Activations) != len(defaultLayers) || len(rec.Gradients) != 0 {
		t.Errorf("激活值 %d 个, 梯度 %d 个", len(rec.Activations), len(rec.Gradients))
	}

	obj := Target{Kind: KindAll, Conf: 0}.Reduce(out)
	if err := session.Backward(obj.Seed(out)); err != nil {
		t.Fatal(err)
	}
	if !session.Complete() {
		t.Fatal("反向传播后记录应完整")
	}
	rec = session.Record()
	for i := range rec.Activations {
		if !rec.Activations[i].SameShape(rec.Gradients[i]) {
			t.Errorf("第%d层激活值和梯度形状不一致", i)
		}
	}

	t.Run("再次运行会清空记录", func(t *testing.T) {
		if _, err := session.Run(ctx, x); err != nil {
			t.Fatal(err)
		}
		rec := session.Record()
		if len(rec.Activations) != len(defaultLayers) || len(rec.Gradients) != 0 {
			t.Errorf("记录没有清空: %d/%d", len(rec.Activations), len(rec.Gradients))
		}
	})

	t.Run("释放后不能再使用", func(t *testing.T) {
		session.Release()
		if model.HookCount() != 0 {
			t.Errorf("释放后仍有 %d 个观察者", model.HookCount())
		}
		if _, err := session.Run(ctx, x); !errors.Is(err, ErrReleased) {
			t.Errorf("期望ErrReleased, 实际 %v", err)
		}
		if err := session.Backward(obj.Seed(out)); !errors.Is(err, ErrReleased) {
			t.Errorf("期望ErrReleased, 实际 %v", err)
		}
		if rec := session.Record(); len(rec.Activations) != 0 {
			t.Error("释放后不应保留数据")
		}
	})
}

func TestCaptureSessionInvalidLayer(t *testing.T) {
	model := syntheticModel(t)
	if _, err := NewCaptureSession(model, []int{10, 40}, nil); !errors.Is(err, detector.ErrLayerIndex) {
		t.Errorf("期望ErrLayerIndex, 实际 %v", err)
	}
	if model.HookCount() != 0 {
		t.Errorf("失败时不应留下观察者: %d", model.HookCount())
	}
}

func TestCaptureSessionIncompleteWithoutGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.Float64()*2 - 1)
		}
		return out
	}
	model, err := detector.New(&detector.Manifest{
		Names: []string{"a"},
		Layers: []detector.LayerSpec{
			{Type: "conv", In: 3, Out: 2, Kernel: 1, Act: "silu", Weight: w(6)},
			{Type: "conv", In: 2, Out: 2, Kernel: 1, Weight: w(4)},
			{Type: "detect", From: []int{0}, Channels: []int{2}, Strides: []int{8},
				Heads: []detector.HeadSpec{{Weight: w(10)}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	model.SetRequiresGrad(true)
	session, err := NewCaptureSession(model, []int{0, 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Release()

	x := detector.NewTensor(3, 4, 4)
	out, err := session.Run(context.Background(), x)
	if err != nil {
		t.Fatal(err)
	}
	obj := Target{Kind: KindAll, Conf: 0}.Reduce(out)
	if err := session.Backward(obj.Seed(out)); err != nil {
		t.Fatalf("没有梯度的层不应导致错误: %v", err)
	}
	if session.Complete() {
		t.Error("第1层没有梯度，记录应不完整")
	}

	cam := NewCAM(GradCAM, session, 0)
	if _, err := cam.Compute(context.Background(), x, Target{Kind: KindAll, Conf: 0}); !errors.Is(err, ErrIncompleteCapture) {
		t.Errorf("期望ErrIncompleteCapture, 实际 %v", err)
	}
}

func TestCAMMethods(t *testing.T) {
	methods := []Method{EigenCAM, EigenGradCAM, GradCAM, GradCAMPlusPlus, HiResCAM, LayerCAM, XGradCAM, RandomCAM}
	for _, m := range methods {
		t.Run(m.String(), func(t *testing.T) {
			model := syntheticModel(t)
			session, err := NewCaptureSession(model, defaultLayers, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer session.Release()

			x := testInput(5)
			cam, err := NewCAM(m, session, 1).Compute(context.Background(), x, Target{Kind: KindAll, Conf: 0})
			if err != nil {
				t.Fatalf("计算失败: %v", err)
			}
			if cam.H != 64 || cam.W != 64 || len(cam.Data) != 64*64 {
				t.Fatalf("热力图尺寸错误: %dx%d", cam.H, cam.W)
			}
			for _, v := range cam.Data {
				if v < 0 || v > 1 || math.IsNaN(v) {
					t.Fatalf("热力图取值越界: %v", v)
				}
			}
		})
	}
}

func TestCAMDegenerateObjective(t *testing.T) {
	model := syntheticModel(t)
	session, err := NewCaptureSession(model, defaultLayers, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Release()
	x := testInput(6)
	target := Target{Kind: KindAll, Conf: 2}

	if _, err := NewCAM(EigenGradCAM, session, 0).Compute(context.Background(), x, target); !errors.Is(err, ErrDegenerateObjective) {
		t.Errorf("期望ErrDegenerateObjective, 实际 %v", err)
	}
	if _, err := NewCAM(EigenCAM, session, 0).Compute(context.Background(), x, target); err != nil {
		t.Errorf("EigenCAM不依赖梯度, 不应失败: %v", err)
	}
}

func TestScale01(t *testing.T) {
	v := []float64{2, 4, 6}
	scale01(v)
	if v[0] != 0 || math.Abs(v[2]-1) > 1e-6 || math.Abs(v[1]-0.5) > 1e-6 {
		t.Errorf("缩放结果错误: %v", v)
	}
	flat := []float64{3, 3}
	scale01(flat)
	if flat[0] != 0 || flat[1] != 0 {
		t.Errorf("常数输入应全为0: %v", flat)
	}
}

func TestResizeBilinear(t *testing.T) {
	src := []float64{0, 1, 2, 3}
	out := resizeBilinear(src, 2, 2, 4, 4)
	if len(out) != 16 {
		t.Fatalf("长度 = %d", len(out))
	}
	if out[0] != 0 || out[15] != 3 {
		t.Errorf("角点值错误: %v, %v", out[0], out[15])
	}
	// 半像素对齐: 目标(0,1)对应源x=0.25
	if math.Abs(out[1]-0.25) > 1e-9 {
		t.Errorf("插值错误: %v", out[1])
	}
}

func TestRenormalizeInBoxes(t *testing.T) {
	cam := &Map{H: 10, W: 10, Data: make([]float64, 100)}
	for i := range cam.Data {
		cam.Data[i] = float64(i) / 100
	}
	out := renormalizeInBoxes(cam, []detector.Detection{{Box: [4]float64{2, 2, 6, 6}}})
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			inside := x >= 2 && x < 6 && y >= 2 && y < 6
			if !inside && out[y*10+x] != 0 {
				t.Fatalf("框外(%d,%d)应为0: %v", x, y, out[y*10+x])
			}
		}
	}
	if math.Abs(out[5*10+5]-1) > 1e-6 {
		t.Errorf("框内最大值应为1: %v", out[55])
	}
}

func testConfig() configs.SaliencyConfig {
	cfg := configs.Default().Saliency
	cfg.ConfThreshold = 0
	return cfg
}

func writeTestImage(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			v := uint8((x + y) * 2)
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	path := filepath.Join(dir, "xray.png")
	if err := ximage.SavePNG(path, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHeatmap(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir)
	ctx := context.Background()

	t.Run("生成并保存", func(t *testing.T) {
		h, err := NewHeatmapWithModel(syntheticModel(t), "cpu", testConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		output := filepath.Join(dir, "out", "heatmap.png")
		saved, err := h.SaveResult(ctx, input, output)
		if err != nil || !saved {
			t.Fatalf("保存失败: %v, %v", saved, err)
		}
		if _, err := os.Stat(output); err != nil {
			t.Errorf("输出文件不存在: %v", err)
		}
		again, err := NewHeatmapWithModel(syntheticModel(t), "cpu", testConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer again.Close()
		if h.Color(0) != again.Color(0) || h.Color(2) != again.Color(2) {
			t.Error("相同种子的类别颜色应一致")
		}
	})

	t.Run("按框重新归一化", func(t *testing.T) {
		cfg := testConfig()
		cfg.Renormalize = true
		h, err := NewHeatmapWithModel(syntheticModel(t), "cpu", cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		img, err := h.Process(ctx, input)
		if err != nil || img == nil {
			t.Fatalf("生成失败: %v", err)
		}
		if img.Bounds().Dx()%32 != 0 || img.Bounds().Dy()%32 != 0 {
			t.Errorf("输出尺寸应按步长对齐: %v", img.Bounds())
		}
	})

	t.Run("没有检测达到阈值时热力图不可用", func(t *testing.T) {
		cfg := testConfig()
		cfg.ConfThreshold = 2
		h, err := NewHeatmapWithModel(syntheticModel(t), "cpu", cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		img, err := h.Process(ctx, input)
		if err != nil || img != nil {
			t.Errorf("应返回nil, nil, 实际 %v, %v", img, err)
		}
		saved, err := h.SaveResult(ctx, input, filepath.Join(dir, "none.png"))
		if err != nil || saved {
			t.Errorf("不应保存: %v, %v", saved, err)
		}
	})

	t.Run("配置错误", func(t *testing.T) {
		cfg := testConfig()
		cfg.Method = "ScoreCAM"
		if _, err := NewHeatmapWithModel(syntheticModel(t), "cpu", cfg, nil); !errors.Is(err, ErrUnknownMethod) {
			t.Errorf("期望ErrUnknownMethod, 实际 %v", err)
		}
		cfg = testConfig()
		cfg.Layers = []int{99}
		if _, err := NewHeatmapWithModel(syntheticModel(t), "cpu", cfg, nil); !errors.Is(err, detector.ErrLayerIndex) {
			t.Errorf("期望ErrLayerIndex, 实际 %v", err)
		}
	})

	t.Run("关闭后移除观察者", func(t *testing.T) {
		model := syntheticModel(t)
		h, err := NewHeatmapWithModel(model, "cpu", testConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		h.Close()
		if model.HookCount() != 0 {
			t.Errorf("仍有 %d 个观察者", model.HookCount())
		}
	})

	t.Run("输入文件不存在", func(t *testing.T) {
		h, err := NewHeatmapWithModel(syntheticModel(t), "cpu", testConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer h.Close()
		if _, err := h.Process(ctx, filepath.Join(dir, "missing.png")); err == nil {
			t.Error("期望错误")
		}
	})
}
