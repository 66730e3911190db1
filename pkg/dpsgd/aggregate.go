package dpsgd

import (
	"math"

	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

/*
该文件实现逐样本梯度的聚合
分组模式下先用分组矩阵把每 g 个样本平均成一个"样本"，再做裁剪和聚合
梯度累积模式下把若干个小批次的平均梯度累加，最后除以累积步数
*/

// weightedSum 计算 Σ_i factor_i · row_i / denom，结果还原为参数形状
func weightedSum(set *GradSampleSet, factors []float64, denom float64) (*network.Gradients, error) {
	n, err := set.NumSamples()
	if err != nil {
		return nil, err
	}
	if factors != nil && len(factors) != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "缩放系数 %d 个, 样本 %d 个", len(factors), n)
	}
	weights := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		w := 1.0
		if factors != nil {
			w = factors[i]
		}
		weights.SetVec(i, w/denom)
	}

	grads := &network.Gradients{Names: make([]string, 0, len(set.Names)), Grads: make(map[string]*mat.Dense, len(set.Names))}
	for _, name := range set.Names {
		m := set.Samples[name]
		_, cols := m.Dims()
		sum := mat.NewVecDense(cols, nil)
		sum.MulVec(m.T(), weights)
		shape := set.Shapes[name]
		grads.Names = append(grads.Names, name)
		grads.Grads[name] = mat.NewDense(shape[0], shape[1], sum.RawVector().Data)
	}
	return grads, nil
}

// Aggregate 未分组的聚合：Σ_i factor_i · g_i / n
func Aggregate(set *GradSampleSet, factors []float64) (*network.Gradients, error) {
	n, err := set.NumSamples()
	if err != nil {
		return nil, err
	}
	return weightedSum(set, factors, float64(n))
}

// GroupingMatrix 构造 (n/g)×n 的分组矩阵，G[j][i] = 1/g 当 i/g == j
func GroupingMatrix(n, groupSize int) (*mat.Dense, error) {
	if groupSize <= 0 || n%groupSize != 0 {
		return nil, errors.Wrapf(ErrInvalidPipeline, "批次大小 %d 不能被分组大小 %d 整除", n, groupSize)
	}
	g := mat.NewDense(n/groupSize, n, nil)
	for i := 0; i < n; i++ {
		g.Set(i/groupSize, i, 1/float64(groupSize))
	}
	return g, nil
}

// Group 把逐样本梯度按组平均，返回每组一行的新集合
func Group(set *GradSampleSet, groupSize int) (*GradSampleSet, error) {
	if groupSize <= 1 {
		return set, nil
	}
	n, err := set.NumSamples()
	if err != nil {
		return nil, err
	}
	g, err := GroupingMatrix(n, groupSize)
	if err != nil {
		return nil, err
	}
	out := NewGradSampleSet()
	for _, name := range set.Names {
		var grouped mat.Dense
		grouped.Mul(g, set.Samples[name])
		shape := set.Shapes[name]
		out.Add(name, shape[0], shape[1], &grouped)
	}
	return out, nil
}

// Accumulator 跨小批次累积梯度
type Accumulator struct {
	Steps int
	sum   *network.Gradients
	count int
}

func NewAccumulator(steps int) *Accumulator {
	if steps < 1 {
		steps = 1
	}
	return &Accumulator{Steps: steps}
}

// Add 加入一个小批次的平均梯度
func (a *Accumulator) Add(grads *network.Gradients) error {
	if a.sum == nil {
		a.sum = &network.Gradients{Names: append([]string(nil), grads.Names...), Grads: make(map[string]*mat.Dense, len(grads.Names))}
		for _, name := range grads.Names {
			a.sum.Grads[name] = mat.DenseCopyOf(grads.Grads[name])
		}
	} else {
		for _, name := range a.sum.Names {
			g, ok := grads.Grads[name]
			if !ok {
				return errors.Wrapf(ErrShapeMismatch, "累积时缺少参数 %s", name)
			}
			a.sum.Grads[name].Add(a.sum.Grads[name], g)
		}
	}
	a.count++
	return nil
}

// Ready 是否已经累积了足够的小批次
func (a *Accumulator) Ready() bool {
	return a.count >= a.Steps
}

// Pending 已累积的小批次数
func (a *Accumulator) Pending() int {
	return a.count
}

// Finalize 返回 sum / Steps 并清空
func (a *Accumulator) Finalize() (*network.Gradients, error) {
	if a.sum == nil {
		return nil, ErrEmptyGradSampleSet
	}
	out := a.sum
	for _, name := range out.Names {
		out.Grads[name].Scale(1/float64(a.Steps), out.Grads[name])
	}
	a.Reset()
	return out, CheckFinite(out)
}

// Reset 丢弃已累积的梯度
func (a *Accumulator) Reset() {
	a.sum = nil
	a.count = 0
}

// CheckFinite 检查梯度中是否有NaN或Inf
func CheckFinite(grads *network.Gradients) error {
	for _, name := range grads.Names {
		for _, v := range grads.Grads[name].RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Wrapf(ErrNumericInstability, "参数 %s", name)
			}
		}
	}
	return nil
}
