package detector

import (
	"math"
	"sort"
)

// 按类别做NMS时的坐标偏移量，保证不同类别的框互不重叠
const maxWH = 7680

// Detection 一个检测结果，框为像素坐标(x1, y1, x2, y2)
type Detection struct {
	Box        [4]float64 `json:"box"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
}

// XYWH2XYXY 中心点宽高转换为左上右下
func XYWH2XYXY(b [4]float64) [4]float64 {
	return [4]float64{b[0] - b[2]/2, b[1] - b[3]/2, b[0] + b[2]/2, b[1] + b[3]/2}
}

// IoU 两个框的交并比
func IoU(a, b [4]float64) float64 {
	ix1 := math.Max(a[0], b[0])
	iy1 := math.Max(a[1], b[1])
	ix2 := math.Min(a[2], b[2])
	iy2 := math.Min(a[3], b[3])
	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	areaA := math.Max(0, a[2]-a[0]) * math.Max(0, a[3]-a[1])
	areaB := math.Max(0, b[2]-b[0]) * math.Max(0, b[3]-b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression 对原始输出[4+nc, 1, 锚点数]做按类别的NMS，
// 返回置信度从高到低排列、最多maxDet个的检测结果
func NonMaxSuppression(pred *Tensor, confThres, iouThres float64, maxDet int) []Detection {
	nc := pred.C - 4
	if nc <= 0 || pred.W == 0 {
		return []Detection{}
	}
	if maxDet <= 0 {
		maxDet = 300
	}

	candidates := make([]Detection, 0)
	for a := 0; a < pred.W; a++ {
		best, cls := -1.0, 0
		for k := 0; k < nc; k++ {
			if s := float64(pred.At(4+k, 0, a)); s > best {
				best, cls = s, k
			}
		}
		if best <= confThres {
			continue
		}
		box := XYWH2XYXY([4]float64{
			float64(pred.At(0, 0, a)),
			float64(pred.At(1, 0, a)),
			float64(pred.At(2, 0, a)),
			float64(pred.At(3, 0, a)),
		})
		candidates = append(candidates, Detection{Box: box, ClassID: cls, Confidence: best})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	keep := make([]Detection, 0)
	offsetBox := func(d Detection) [4]float64 {
		off := float64(d.ClassID * maxWH)
		return [4]float64{d.Box[0] + off, d.Box[1] + off, d.Box[2] + off, d.Box[3] + off}
	}
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		keep = append(keep, candidates[i])
		if len(keep) >= maxDet {
			break
		}
		bi := offsetBox(candidates[i])
		for j := i + 1; j < len(candidates); j++ {
			if !suppressed[j] && IoU(bi, offsetBox(candidates[j])) > iouThres {
				suppressed[j] = true
			}
		}
	}
	return keep
}
