package dpsgd

import (
	"math"
	"math/rand/v2"

	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
该文件实现两个模型副本之间的混合
1. 间隔约束：|A-B| < τ 的坐标沿原有的符号方向对称地推开，使间隔达到τ（中点不变）
2. 随机插值：A = α·A' + (1-α)·B'，α ~ U[0,1]；有掩码时未被选中的坐标 α 固定为0.5
BN参数不参与混合
*/

// MixStats 一次混合的统计信息
type MixStats struct {
	// 参与混合的坐标总数
	Total int
	// 被间隔约束推开的坐标数
	Changed int
	// 混合前的平均间隔
	MeanGap float64
}

// ChangedFraction 被推开的坐标占比
func (s MixStats) ChangedFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Changed) / float64(s.Total)
}

// Mixer 模型混合器
type Mixer struct {
	Tau float64
	Src rand.Source
}

func NewMixer(tau float64, src rand.Source) *Mixer {
	return &Mixer{Tau: tau, Src: src}
}

// sign 返回 -1/0/1
func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// EnforceGap 对单个参数做间隔约束，原地修改a和b，返回被推开的坐标数
// m 为掩码（nil表示全1），掩码为0的坐标不推开
func EnforceGap(a, b, m []float64, tau float64) int {
	changed := 0
	for j := range a {
		gap := math.Abs(a[j] - b[j])
		if gap >= tau {
			continue
		}
		s := sign(a[j] - b[j])
		if m != nil {
			s *= m[j]
		}
		if s == 0 {
			continue
		}
		push := tau - gap
		a[j] += push * s / 2
		b[j] -= push * s / 2
		changed++
	}
	return changed
}

// Mix 计算混合后的两个参数字典，不修改输入
// 返回的newA为混合结果，newB为间隔约束之后的B
func (mx *Mixer) Mix(a, b *network.StateDict, mask Mask) (*network.StateDict, *network.StateDict, MixStats, error) {
	var stats MixStats
	if err := a.CheckCompatible(b); err != nil {
		return nil, nil, stats, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	if mx.Tau < 0 {
		return nil, nil, stats, errors.Wrapf(ErrInvalidPipeline, "混合间隔不能为负数, 实际 %v", mx.Tau)
	}

	newA := a.Clone()
	newB := b.Clone()
	uniform := distuv.Uniform{Min: 0, Max: 1, Src: mx.Src}
	gapSum := 0.0

	for _, name := range newA.Parameters() {
		if network.IsBatchNorm(name) {
			continue
		}
		av := newA.MustGet(name).RawMatrix().Data
		bv := newB.MustGet(name).RawMatrix().Data
		var m []float64
		if mk, ok := mask[name]; ok && mk != nil {
			m = mk.RawMatrix().Data
			if len(m) != len(av) {
				return nil, nil, stats, errors.Wrapf(ErrShapeMismatch, "参数 %s 的掩码大小 %d, 参数大小 %d", name, len(m), len(av))
			}
		}

		for j := range av {
			gapSum += math.Abs(av[j] - bv[j])
		}
		stats.Total += len(av)
		if mx.Tau > 0 {
			stats.Changed += EnforceGap(av, bv, m, mx.Tau)
		}

		for j := range av {
			alpha := uniform.Rand()
			if m != nil {
				alpha = m[j]*alpha + (1-m[j])*0.5
			}
			// α·a + (1-α)·b，写成 b + α(a-b) 使a==b时结果精确等于b
			av[j] = bv[j] + alpha*(av[j]-bv[j])
		}
	}
	if stats.Total > 0 {
		stats.MeanGap = gapSum / float64(stats.Total)
	}
	return newA, newB, stats, nil
}

// MixInto 混合两个网络的参数并整体替换两边的参数字典
func (mx *Mixer) MixInto(a, b *network.NeuronNetwork, mask Mask) (MixStats, error) {
	newA, newB, stats, err := mx.Mix(a.StateDict(), b.StateDict(), mask)
	if err != nil {
		return stats, err
	}
	if err := a.LoadStateDict(newA); err != nil {
		return stats, err
	}
	if err := b.LoadStateDict(newB); err != nil {
		return stats, err
	}
	return stats, nil
}
