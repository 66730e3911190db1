package dpsgd

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
该文件实现逐样本梯度的三种约束方式：范数裁剪、截断、按百分位剪枝
每种配置只启用其中一种
*/

// ClipMode 约束方式
type ClipMode string

const (
	ClipNone  ClipMode = "none"
	ClipNorm  ClipMode = "norm"
	ClipTrunc ClipMode = "trunc"
	ClipPrune ClipMode = "prune"
)

// 防止除零
const clipEpsilon = 1e-9

// Mask 参数名 -> 0/1矩阵（形状与参数一致），nil表示全1
type Mask map[string]*mat.Dense

// PolicyResult 约束的结果
// Factors 是每个样本的缩放系数（nil表示全1），Mask 是剪枝得到的掩码
type PolicyResult struct {
	Factors []float64
	Mask    Mask
}

// ClipPolicy 对一个批次的逐样本梯度施加约束，可能原地修改set
type ClipPolicy interface {
	Apply(set *GradSampleSet) (*PolicyResult, error)
	Mode() ClipMode
}

// NoClip 不做任何约束
type NoClip struct{}

func (NoClip) Apply(set *GradSampleSet) (*PolicyResult, error) {
	if _, err := set.NumSamples(); err != nil {
		return nil, err
	}
	return &PolicyResult{}, nil
}

func (NoClip) Mode() ClipMode { return ClipNone }

// NormClipper 按整个模型的逐样本范数裁剪：factor = min(1, C / max(norm, ε))
type NormClipper struct {
	ClipNorm float64
	NormType float64
}

func (c NormClipper) Apply(set *GradSampleSet) (*PolicyResult, error) {
	norms, err := PerSampleNorms(set, c.NormType)
	if err != nil {
		return nil, err
	}
	factors := make([]float64, len(norms))
	for i, norm := range norms {
		factors[i] = math.Min(1, c.ClipNorm/math.Max(norm, clipEpsilon))
	}
	return &PolicyResult{Factors: factors}, nil
}

func (NormClipper) Mode() ClipMode { return ClipNorm }

// Truncator 把每个梯度坐标截断到 [-MaxVal, MaxVal]
type Truncator struct {
	MaxVal float64
}

func (t Truncator) Apply(set *GradSampleSet) (*PolicyResult, error) {
	if _, err := set.NumSamples(); err != nil {
		return nil, err
	}
	for _, name := range set.Names {
		m := set.Samples[name]
		m.Apply(func(_, _ int, v float64) float64 {
			return math.Max(-t.MaxVal, math.Min(t.MaxVal, v))
		}, m)
	}
	return &PolicyResult{}, nil
}

func (Truncator) Mode() ClipMode { return ClipTrunc }

// PercentilePruner 按批次平均梯度幅值的百分位剪枝
// 所有参数的 |Σ_i g_i / n + Laplace噪声| 放在一起求第P百分位，低于该阈值的坐标置零
type PercentilePruner struct {
	Percentage float64
	NoiseScale float64
	Src        rand.Source
}

func (p PercentilePruner) Apply(set *GradSampleSet) (*PolicyResult, error) {
	n, err := set.NumSamples()
	if err != nil {
		return nil, err
	}

	laplace := distuv.Laplace{Mu: 0, Scale: 1, Src: p.Src}
	sums := make(map[string][]float64, len(set.Names))
	pool := make([]float64, 0)
	for _, name := range set.Names {
		m := set.Samples[name]
		_, cols := m.Dims()
		sum := make([]float64, cols)
		for i := 0; i < n; i++ {
			row := m.RawRowView(i)
			for j, v := range row {
				sum[j] += v
			}
		}
		for j := range sum {
			sum[j] /= float64(n)
			if p.NoiseScale != 0 {
				sum[j] += laplace.Rand() * p.NoiseScale
			}
			pool = append(pool, math.Abs(sum[j]))
		}
		sums[name] = sum
	}

	sort.Float64s(pool)
	threshold := Percentile(pool, p.Percentage)
	if math.IsNaN(threshold) {
		return nil, errors.Wrap(ErrNumericInstability, "剪枝阈值为NaN")
	}

	mask := make(Mask, len(set.Names))
	for _, name := range set.Names {
		shape := set.Shapes[name]
		values := make([]float64, shape[0]*shape[1])
		for j, v := range sums[name] {
			if math.Abs(v) >= threshold {
				values[j] = 1
			}
		}
		mask[name] = mat.NewDense(shape[0], shape[1], values)

		// 每个样本的梯度乘以掩码
		m := set.Samples[name]
		for i := 0; i < n; i++ {
			row := m.RawRowView(i)
			for j := range row {
				row[j] *= values[j]
			}
		}
	}
	return &PolicyResult{Mask: mask}, nil
}

func (PercentilePruner) Mode() ClipMode { return ClipPrune }

// Percentile 升序数组的第pct百分位，在下标 (n-1)·pct/100 处线性插值
// 与 numpy.percentile 的默认插值方式一致
func Percentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * pct / 100
	lo := math.Floor(h)
	hi := math.Ceil(h)
	if lo < 0 {
		return sorted[0]
	}
	if int(hi) >= n {
		return sorted[n-1]
	}
	a, b := sorted[int(lo)], sorted[int(hi)]
	return a + (h-lo)*(b-a)
}

// NewClipPolicy 根据模式创建约束
func NewClipPolicy(mode ClipMode, clipNorm, normType, maxVal, percentage, pruneNoise float64, src rand.Source) (ClipPolicy, error) {
	switch mode {
	case ClipNone, "":
		return NoClip{}, nil
	case ClipNorm:
		if clipNorm <= 0 {
			return nil, errors.Wrapf(ErrInvalidPipeline, "裁剪阈值必须为正数, 实际 %v", clipNorm)
		}
		return NormClipper{ClipNorm: clipNorm, NormType: normType}, nil
	case ClipTrunc:
		if maxVal <= 0 {
			return nil, errors.Wrapf(ErrInvalidPipeline, "截断值必须为正数, 实际 %v", maxVal)
		}
		return Truncator{MaxVal: maxVal}, nil
	case ClipPrune:
		if percentage < 0 || percentage > 100 {
			return nil, errors.Wrapf(ErrInvalidPipeline, "剪枝百分位必须在[0,100]内, 实际 %v", percentage)
		}
		return PercentilePruner{Percentage: percentage, NoiseScale: pruneNoise, Src: src}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidPipeline, "未知的约束方式 %q", mode)
	}
}
