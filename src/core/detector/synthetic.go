package detector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// SyntheticManifest 生成一个结构与常见YOLO颈部相同的小型随机网络，
// 用于联调流水线和测试。第10/12/14/16/18/19层分别为拼接、上采样、卷积、拼接、卷积、拼接
func SyntheticManifest(names []string, inputSize int, seed int64) *Manifest {
	rng := rand.New(rand.NewSource(seed))
	nc := len(names)
	if inputSize <= 0 {
		inputSize = 640
	}

	conv := func(in, out, k, s int) LayerSpec {
		w := make([]float32, out*in*k*k)
		scale := 1.0 / float64(in*k*k)
		for i := range w {
			w[i] = float32((rng.Float64()*2 - 1) * 2 * scale)
		}
		b := make([]float32, out)
		for i := range b {
			b[i] = float32(rng.Float64()*0.2 - 0.1)
		}
		return LayerSpec{Type: "conv", In: in, Out: out, Kernel: k, Stride: s, Padding: k / 2, Act: "silu", Weight: w, Bias: b}
	}
	up := LayerSpec{Type: "upsample", Scale: 2}
	concat := func(from ...int) LayerSpec {
		return LayerSpec{Type: "concat", From: from}
	}

	c := 8
	layers := []LayerSpec{
		conv(3, 4, 3, 2),   // 0  /2
		conv(4, c, 3, 2),   // 1  /4
		conv(c, c, 3, 1),   // 2
		conv(c, c, 3, 2),   // 3  /8
		conv(c, c, 1, 1),   // 4
		conv(c, c, 3, 2),   // 5  /16
		conv(c, c, 1, 1),   // 6
		conv(c, c, 3, 2),   // 7  /32
		conv(c, c, 1, 1),   // 8
		up,                 // 9  /16
		concat(-1, 6),      // 10
		conv(2*c, c, 1, 1), // 11
		up,                 // 12 /8
		concat(-1, 4),      // 13
		conv(2*c, c, 1, 1), // 14 P3
		conv(c, c, 3, 2),   // 15 /16
		concat(-1, 11),     // 16
		conv(2*c, c, 1, 1), // 17 P4
		conv(c, c, 3, 2),   // 18 /32
		concat(-1, 8),      // 19
		conv(2*c, c, 1, 1), // 20 P5
	}

	no := 4 + nc
	detect := LayerSpec{
		Type:     "detect",
		From:     []int{14, 17, 20},
		Channels: []int{c, c, c},
		Strides:  []int{8, 16, 32},
		Span:     8,
	}
	for range detect.From {
		w := make([]float32, no*c)
		for i := range w {
			w[i] = float32(rng.Float64()*2 - 1)
		}
		b := make([]float32, no)
		// 类别偏置略低，避免随机网络满屏都是检测框
		for j := 4; j < no; j++ {
			b[j] = -2
		}
		detect.Heads = append(detect.Heads, HeadSpec{Weight: w, Bias: b})
	}
	layers = append(layers, detect)

	return &Manifest{Names: names, InputSize: inputSize, Layers: layers}
}

// WriteManifest 把权重清单写成JSON文件
func WriteManifest(path string, manifest *Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("序列化权重清单失败: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
