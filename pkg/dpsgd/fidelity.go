package dpsgd

import (
	"math"
	"sort"

	"MixDPDev/pkg/network"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CosineSimilarity 两组梯度展平后的余弦相似度，用来观察裁剪和噪声对梯度方向的影响
func CosineSimilarity(a, b *network.Gradients) float64 {
	var product, normA, normB float64
	for _, name := range a.Names {
		gb, ok := b.Grads[name]
		if !ok {
			continue
		}
		da := a.Grads[name].RawMatrix().Data
		db := gb.RawMatrix().Data
		product += floats.Dot(da, db)
		normA += floats.Dot(da, da)
		normB += floats.Dot(db, db)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return product / math.Sqrt(normA*normB)
}

// GradientNorm 整体L2范数
func GradientNorm(g *network.Gradients) float64 {
	total := 0.0
	for _, name := range g.Names {
		d := g.Grads[name].RawMatrix().Data
		total += floats.Dot(d, d)
	}
	return math.Sqrt(total)
}

// NormSummary 一个小批次逐样本范数的统计
type NormSummary struct {
	Mean   float64
	Std    float64
	Median float64
	Max    float64
}

// SummarizeNorms 统计逐样本范数，Std为总体标准差
func SummarizeNorms(norms []float64) NormSummary {
	if len(norms) == 0 {
		return NormSummary{}
	}
	mean, variance := stat.PopMeanVariance(norms, nil)
	sorted := append([]float64(nil), norms...)
	sort.Float64s(sorted)
	return NormSummary{
		Mean:   mean,
		Std:    math.Sqrt(variance),
		Median: Percentile(sorted, 50),
		Max:    floats.Max(norms),
	}
}
