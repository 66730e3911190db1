package dpsgd

import (
	"math"
)

/*
RDP隐私预算计算（采样高斯机制）
只支持整数阶，默认阶数为2..31
*/

// Accountant 累积每一步的RDP并换算为(ε, δ)
type Accountant struct {
	Orders []float64
	Delta  float64
	rdp    []float64
	steps  int
}

// NewAccountant 创建隐私预算计算器
func NewAccountant(delta float64) *Accountant {
	orders := make([]float64, 0, 30)
	for i := 2; i < 32; i++ {
		orders = append(orders, float64(i))
	}
	return &Accountant{
		Orders: orders,
		Delta:  delta,
		rdp:    make([]float64, len(orders)),
	}
}

// Step 记录steps步采样率为q、噪声乘数为sigma的更新
func (a *Accountant) Step(q, sigma float64, steps int) {
	for i, alpha := range a.Orders {
		a.rdp[i] += computeSingleStepRDP(q, sigma, alpha) * float64(steps)
	}
	a.steps += steps
}

// Steps 已记录的总步数
func (a *Accountant) Steps() int {
	return a.steps
}

// Epsilon 返回最小的ε以及对应的阶数
func (a *Accountant) Epsilon() (float64, float64) {
	return ConvertRDPtoDP(a.Orders, a.rdp, a.Delta)
}

// computeSingleStepRDP 计算单步RDP隐私损失，基于采样高斯机制
func computeSingleStepRDP(q, sigma float64, alpha float64) float64 {
	// 如果没有采样，就没有隐私损失
	if q == 0 {
		return 0
	}
	// 没有噪声就没有隐私保护
	if sigma == 0 {
		return math.Inf(1)
	}
	// 当采样率为1时，相当于没有采样
	if q == 1.0 {
		return alpha / (2 * sigma * sigma)
	}
	if math.IsInf(alpha, 1) {
		return math.Inf(1)
	}
	return computeRDPForIntAlpha(q, sigma, int(alpha))
}

// computeRDPForIntAlpha 计算整数阶RDP
func computeRDPForIntAlpha(q, sigma float64, alpha int) float64 {
	rdp := math.Inf(-1) // 初始化为负无穷

	for i := 0; i <= alpha; i++ {
		logB := logBinomial(alpha, i) +
			float64(i)*math.Log(q) +
			float64(alpha-i)*math.Log(1-q) +
			float64(i*i-i)/(2*sigma*sigma)

		// 使用log-sum-exp技巧来避免数值溢出
		rdp = logAddExp(rdp, logB)
	}

	return rdp / float64(alpha-1)
}

// ConvertRDPtoDP 将RDP转换为DP: ε = rdp + log(1/δ)/(α-1)
func ConvertRDPtoDP(orders []float64, rdpValues []float64, delta float64) (float64, float64) {
	minEpsilon := math.Inf(1)
	optOrder := 0.0

	for i, alpha := range orders {
		epsilon := rdpValues[i] + math.Log(1/delta)/(alpha-1)
		if epsilon < minEpsilon {
			minEpsilon = epsilon
			optOrder = alpha
		}
	}

	return minEpsilon, optOrder
}

// logBinomial 计算 log C(n,k)
func logBinomial(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	ln, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return ln - lk - lnk
}

// logAddExp 计算log(exp(a) + exp(b))，避免数值溢出
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	maxVal := math.Max(a, b)
	minVal := math.Min(a, b)
	return maxVal + math.Log1p(math.Exp(minVal-maxVal))
}

// NoiseMultiplier 把梯度上的绝对噪声标准差换算成相对于敏感度的噪声乘数
// 单个样本对最终梯度的影响上限为 clipNorm / (组数 × 累积步数)
func NoiseMultiplier(noiseStd, clipNorm float64, groupsPerBatch, accumSteps int) float64 {
	if clipNorm <= 0 || groupsPerBatch <= 0 || accumSteps <= 0 {
		return 0
	}
	sensitivity := clipNorm / float64(groupsPerBatch*accumSteps)
	return noiseStd / sensitivity
}
