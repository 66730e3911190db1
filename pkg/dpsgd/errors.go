package dpsgd

import "github.com/pkg/errors"

// 训练流水线中可能出现的错误类型，调用方用 errors.Is 判断
var (
	// ErrEmptyGradSampleSet 逐样本梯度集合为空（没有参数或没有样本），属于配置错误
	ErrEmptyGradSampleSet = errors.New("逐样本梯度集合为空")
	// ErrShapeMismatch 各参数的样本数或形状不一致
	ErrShapeMismatch = errors.New("梯度形状不匹配")
	// ErrNumericInstability 聚合后的梯度中出现NaN或Inf
	ErrNumericInstability = errors.New("梯度数值不稳定")
	// ErrInvalidPipeline 流水线参数非法
	ErrInvalidPipeline = errors.New("流水线配置非法")
)
