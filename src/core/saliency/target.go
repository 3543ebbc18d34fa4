package saliency

import (
	"fmt"
	"strings"

	"xray-insight/src/core/detector"
)

// Kind 目标函数累加哪些项
type Kind string

const (
	KindClass Kind = "class" // 最大类别置信度
	KindBox   Kind = "box"   // 四个框坐标
	KindAll   Kind = "all"   // 两者都累加
)

// ParseKind 解析目标函数类型
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindClass, KindBox, KindAll:
		return k, nil
	case "":
		return KindAll, nil
	default:
		return "", fmt.Errorf("未知的目标函数类型: %s", s)
	}
}

func (k Kind) class() bool { return k == KindClass || k == KindAll }
func (k Kind) box() bool   { return k == KindBox || k == KindAll }

// Target 把检测输出归约为一个标量
type Target struct {
	Kind  Kind
	Conf  float64
	Ratio float64 // 检测数量比例，随配置传递，不参与筛选
}

// Objective 归约结果。Degenerate为true时没有任何检测达到阈值，Value为0，没有可以反向传播的起点
type Objective struct {
	Value      float64
	Selected   []int // Output中被选中的行
	Degenerate bool
	kind       Kind
}

// Reduce 选出最大类别置信度不低于阈值的所有行并累加对应的项。
// Output已按置信度降序排列，遇到第一个低于阈值的行即可停止
func (t Target) Reduce(out *Output) Objective {
	obj := Objective{Selected: []int{}, kind: t.Kind}
	if obj.kind == "" {
		obj.kind = KindAll
	}
	for i := 0; i < out.Len(); i++ {
		score := out.MaxScore(i)
		if score < t.Conf {
			break
		}
		obj.Selected = append(obj.Selected, i)
		if obj.kind.class() {
			obj.Value += score
		}
		if obj.kind.box() {
			for _, v := range out.Boxes[i] {
				obj.Value += v
			}
		}
	}
	obj.Degenerate = len(obj.Selected) == 0
	return obj
}

// Seed 目标函数对原始输出的梯度：被选中行的最大类别置信度和/或四个框坐标处为1
func (o Objective) Seed(out *Output) *detector.Tensor {
	seed := out.Raw.ZerosLike()
	for _, r := range o.Selected {
		a := out.Order[r]
		if o.kind.class() {
			seed.Data[seed.Index(4+out.Classes[r], 0, a)] += 1
		}
		if o.kind.box() {
			for j := 0; j < 4; j++ {
				seed.Data[seed.Index(j, 0, a)] += 1
			}
		}
	}
	return seed
}
