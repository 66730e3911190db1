package dpsgd

import (
	"math"
	"math/rand/v2"

	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PipelineConfig 逐样本梯度处理流水线的配置
type PipelineConfig struct {
	Mode            ClipMode
	ClipNorm        float64
	NormType        float64
	MaxVal          float64
	PrunePercentage float64
	PruneNoise      float64
	GroupSize       int
	AccumSteps      int
	Noise           NoiseKind
	NoiseScale      float64
}

// Pipeline 分组 -> 约束 -> 聚合 -> 累积 -> 加噪
type Pipeline struct {
	cfg    PipelineConfig
	policy ClipPolicy
	acc    *Accumulator
	noise  *NoiseInjector
	// 累积期间未经约束的平均梯度，用于方向对比
	trueAcc *Accumulator
	mask    Mask
}

// BatchResult 处理一个小批次的结果，Ready为false时还在累积
type BatchResult struct {
	Ready bool
	// 加噪后的最终梯度
	Grad *network.Gradients
	// 未经约束和加噪的平均梯度
	TrueGrad *network.Gradients
	// 剪枝掩码，nil表示全1
	Mask Mask
	// 当前小批次的逐样本范数（约束之前）
	Norms []float64
}

func NewPipeline(cfg PipelineConfig, src rand.Source) (*Pipeline, error) {
	if cfg.GroupSize < 1 {
		cfg.GroupSize = 1
	}
	if cfg.AccumSteps < 1 {
		cfg.AccumSteps = 1
	}
	if cfg.NormType == 0 {
		cfg.NormType = 2
	}
	policy, err := NewClipPolicy(cfg.Mode, cfg.ClipNorm, cfg.NormType, cfg.MaxVal, cfg.PrunePercentage, cfg.PruneNoise, src)
	if err != nil {
		return nil, err
	}
	noise, err := NewNoiseInjector(cfg.Noise, cfg.NoiseScale, src)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		policy:  policy,
		acc:     NewAccumulator(cfg.AccumSteps),
		trueAcc: NewAccumulator(cfg.AccumSteps),
		noise:   noise,
	}, nil
}

// Config 返回规范化后的配置
func (p *Pipeline) Config() PipelineConfig {
	return p.cfg
}

// Process 处理一个小批次的逐样本梯度（会原地修改set）
func (p *Pipeline) Process(set *GradSampleSet) (*BatchResult, error) {
	grouped, err := Group(set, p.cfg.GroupSize)
	if err != nil {
		return nil, err
	}

	norms, err := PerSampleNorms(grouped, p.cfg.NormType)
	if err != nil {
		return nil, err
	}
	trueGrad, err := Aggregate(grouped, nil)
	if err != nil {
		return nil, err
	}

	res, err := p.policy.Apply(grouped)
	if err != nil {
		return nil, errors.Wrapf(err, "约束方式 %s", p.policy.Mode())
	}
	if res.Mask != nil {
		p.mask = mergeMask(p.mask, res.Mask)
	}

	grad, err := Aggregate(grouped, res.Factors)
	if err != nil {
		return nil, err
	}
	if err := p.acc.Add(grad); err != nil {
		return nil, err
	}
	if err := p.trueAcc.Add(trueGrad); err != nil {
		return nil, err
	}

	out := &BatchResult{Norms: norms}
	if !p.acc.Ready() {
		return out, nil
	}

	final, err := p.acc.Finalize()
	if err != nil {
		return nil, err
	}
	if out.TrueGrad, err = p.trueAcc.Finalize(); err != nil {
		return nil, err
	}
	p.noise.Apply(final, p.mask)
	if err := CheckFinite(final); err != nil {
		return nil, err
	}

	out.Ready = true
	out.Grad = final
	out.Mask = p.mask
	p.mask = nil
	return out, nil
}

// mergeMask 累积窗口内各小批次掩码取并集：任一小批次保留的坐标都算保留
func mergeMask(acc, m Mask) Mask {
	if acc == nil {
		out := make(Mask, len(m))
		for name, t := range m {
			out[name] = mat.DenseCopyOf(t)
		}
		return out
	}
	for name, t := range m {
		prev, ok := acc[name]
		if !ok {
			acc[name] = mat.DenseCopyOf(t)
			continue
		}
		pv := prev.RawMatrix().Data
		for j, v := range t.RawMatrix().Data {
			pv[j] = math.Max(pv[j], v)
		}
	}
	return acc
}

// Reset 丢弃未完成的累积（例如一个epoch结束时）
func (p *Pipeline) Reset() {
	p.acc.Reset()
	p.trueAcc.Reset()
	p.mask = nil
}
