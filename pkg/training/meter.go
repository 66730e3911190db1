package training

// AverageMeter 记录当前值和平均值
type AverageMeter struct {
	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// Update 记录n个样本上的平均值val
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Precision 预测正确数换算成百分比
func Precision(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(correct) / float64(total)
}
