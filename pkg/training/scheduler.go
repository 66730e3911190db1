package training

import (
	"fmt"
	"sort"
)

// LRScheduler 按epoch给出学习率
type LRScheduler interface {
	// LR 返回第epoch轮（从0开始）使用的学习率
	LR(epoch int) float64
	Name() string
}

// ConstantLR 固定学习率
type ConstantLR struct {
	BaseLR float64
}

func (s ConstantLR) LR(int) float64 { return s.BaseLR }

func (s ConstantLR) Name() string { return "Constant" }

// MultiStepLR 每经过一个里程碑学习率乘以gamma
type MultiStepLR struct {
	BaseLR     float64
	Milestones []int
	Gamma      float64
}

func NewMultiStepLR(baseLR float64, milestones []int, gamma float64) *MultiStepLR {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStepLR{BaseLR: baseLR, Milestones: ms, Gamma: gamma}
}

func (s *MultiStepLR) LR(epoch int) float64 {
	lr := s.BaseLR
	for _, m := range s.Milestones {
		if epoch >= m {
			lr *= s.Gamma
		}
	}
	return lr
}

func (s *MultiStepLR) Name() string {
	return fmt.Sprintf("MultiStep%v", s.Milestones)
}

// NewScheduler 没有里程碑时退化为固定学习率
func NewScheduler(baseLR float64, milestones []int, gamma float64) LRScheduler {
	if len(milestones) == 0 {
		return ConstantLR{BaseLR: baseLR}
	}
	return NewMultiStepLR(baseLR, milestones, gamma)
}
