package dpsgd

import (
	"math/rand/v2"

	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoiseKind 噪声类型
type NoiseKind string

const (
	NoiseGaussian NoiseKind = "gaussian"
	NoiseLaplace  NoiseKind = "laplace"
)

// NoiseInjector 在聚合后的梯度上添加噪声
// 每个坐标独立采样，Scale 为高斯的标准差或拉普拉斯的尺度参数
type NoiseInjector struct {
	Kind  NoiseKind
	Scale float64
	Src   rand.Source
}

func NewNoiseInjector(kind NoiseKind, scale float64, src rand.Source) (*NoiseInjector, error) {
	if kind == "" {
		kind = NoiseGaussian
	}
	if kind != NoiseGaussian && kind != NoiseLaplace {
		return nil, errors.Wrapf(ErrInvalidPipeline, "未知的噪声类型 %q", kind)
	}
	if scale < 0 {
		return nil, errors.Wrapf(ErrInvalidPipeline, "噪声尺度不能为负数, 实际 %v", scale)
	}
	return &NoiseInjector{Kind: kind, Scale: scale, Src: src}, nil
}

// sampler 返回单位尺度的采样函数
func (ni *NoiseInjector) sampler() func() float64 {
	if ni.Kind == NoiseLaplace {
		return distuv.Laplace{Mu: 0, Scale: 1, Src: ni.Src}.Rand
	}
	return distuv.Normal{Mu: 0, Sigma: 1, Src: ni.Src}.Rand
}

// Apply 原地添加噪声，mask不为nil时被剪掉的坐标不加噪声
func (ni *NoiseInjector) Apply(grads *network.Gradients, mask Mask) {
	if ni.Scale == 0 {
		return
	}
	draw := ni.sampler()
	for _, name := range grads.Names {
		data := grads.Grads[name].RawMatrix().Data
		var m []float64
		if mk, ok := mask[name]; ok && mk != nil {
			m = mk.RawMatrix().Data
		}
		for j := range data {
			noise := draw() * ni.Scale
			if m != nil {
				noise *= m[j]
			}
			data[j] += noise
		}
	}
}
