package saliency

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMethod 不支持的热力图算法
var ErrUnknownMethod = errors.New("unknown saliency method")

// Method 支持的热力图算法
type Method int

const (
	EigenCAM Method = iota
	EigenGradCAM
	GradCAM
	GradCAMPlusPlus
	HiResCAM
	LayerCAM
	XGradCAM
	RandomCAM
)

var methodNames = map[Method]string{
	EigenCAM:        "EigenCAM",
	EigenGradCAM:    "EigenGradCAM",
	GradCAM:         "GradCAM",
	GradCAMPlusPlus: "GradCAMPlusPlus",
	HiResCAM:        "HiResCAM",
	LayerCAM:        "LayerCAM",
	XGradCAM:        "XGradCAM",
	RandomCAM:       "RandomCAM",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod 按名称解析算法，大小写不敏感
func ParseMethod(name string) (Method, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for m, s := range methodNames {
		if strings.ToLower(s) == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

// UsesGradients 是否需要反向传播
func (m Method) UsesGradients() bool {
	return m != EigenCAM && m != RandomCAM
}
