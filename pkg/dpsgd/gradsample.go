package dpsgd

import (
	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

/*
该文件实现逐样本梯度的收集
每个参数对应一个 batch×numel 的矩阵，第i行是第i个样本展平后的梯度
*/

// GradSampleSet 一个批次的逐样本梯度
type GradSampleSet struct {
	Names   []string
	Shapes  map[string][2]int
	Samples map[string]*mat.Dense
}

// NewGradSampleSet 创建空集合
func NewGradSampleSet() *GradSampleSet {
	return &GradSampleSet{
		Shapes:  make(map[string][2]int),
		Samples: make(map[string]*mat.Dense),
	}
}

// Add 加入一个参数的逐样本梯度矩阵
func (s *GradSampleSet) Add(name string, rows, cols int, samples *mat.Dense) {
	if _, ok := s.Samples[name]; !ok {
		s.Names = append(s.Names, name)
	}
	s.Shapes[name] = [2]int{rows, cols}
	s.Samples[name] = samples
}

// NumSamples 样本数（行数），并检查各参数一致
func (s *GradSampleSet) NumSamples() (int, error) {
	if len(s.Names) == 0 {
		return 0, ErrEmptyGradSampleSet
	}
	n := -1
	for _, name := range s.Names {
		r, _ := s.Samples[name].Dims()
		if n >= 0 && r != n {
			return 0, errors.Wrapf(ErrShapeMismatch, "参数 %s 有 %d 个样本, 其他参数有 %d 个", name, r, n)
		}
		n = r
	}
	if n == 0 {
		return 0, ErrEmptyGradSampleSet
	}
	return n, nil
}

// Filter 按名字筛选，返回共享底层矩阵的新集合
func (s *GradSampleSet) Filter(keep func(name string) bool) *GradSampleSet {
	out := NewGradSampleSet()
	for _, name := range s.Names {
		if keep(name) {
			shape := s.Shapes[name]
			out.Add(name, shape[0], shape[1], s.Samples[name])
		}
	}
	return out
}

// Clone 深拷贝
func (s *GradSampleSet) Clone() *GradSampleSet {
	out := NewGradSampleSet()
	for _, name := range s.Names {
		shape := s.Shapes[name]
		out.Add(name, shape[0], shape[1], mat.DenseCopyOf(s.Samples[name]))
	}
	return out
}

// Mean 每个参数的样本平均梯度，形状还原为参数形状
func (s *GradSampleSet) Mean() (*network.Gradients, error) {
	n, err := s.NumSamples()
	if err != nil {
		return nil, err
	}
	return weightedSum(s, nil, float64(n))
}

// Collect 对批次中的每个样本单独做前向和反向传播，得到所有可训练参数的逐样本梯度
// 所有样本使用同一个参数快照sd
func Collect(nn *network.NeuronNetwork, sd *network.StateDict, inputs, targets []*mat.VecDense) (*GradSampleSet, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyGradSampleSet
	}
	if len(inputs) != len(targets) {
		return nil, errors.Wrapf(ErrShapeMismatch, "输入 %d 个, 标签 %d 个", len(inputs), len(targets))
	}

	set := NewGradSampleSet()
	for _, name := range sd.Parameters() {
		r, c := sd.MustGet(name).Dims()
		set.Add(name, r, c, mat.NewDense(len(inputs), r*c, nil))
	}

	for i := range inputs {
		grads := nn.CalculateGradientsFrom(sd, inputs[i], targets[i])
		for _, name := range set.Names {
			set.Samples[name].SetRow(i, grads.Grads[name].RawMatrix().Data)
		}
	}
	return set, nil
}
