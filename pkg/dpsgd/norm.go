package dpsgd

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// PerSampleNorms 计算每个样本在整个模型上的梯度范数
// 对L2范数：sqrt(Σ_参数 ||g_i||²)，是整个模型的范数而不是逐层范数
func PerSampleNorms(set *GradSampleSet, normType float64) ([]float64, error) {
	n, err := set.NumSamples()
	if err != nil {
		return nil, err
	}
	if normType <= 0 {
		normType = 2
	}

	totals := make([]float64, n)
	for _, name := range set.Names {
		m := set.Samples[name]
		for i := 0; i < n; i++ {
			row := m.RawRowView(i)
			switch normType {
			case 1:
				totals[i] += floats.Norm(row, 1)
			case 2:
				totals[i] += floats.Dot(row, row)
			default:
				totals[i] += math.Pow(floats.Norm(row, normType), normType)
			}
		}
	}

	for i := range totals {
		switch normType {
		case 1:
		case 2:
			totals[i] = math.Sqrt(totals[i])
		default:
			totals[i] = math.Pow(totals[i], 1/normType)
		}
	}
	return totals, nil
}
