package network

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
该文件包含神经网络层的封装和该层的前向传播
层本身只描述结构（维度、激活函数、是否带BN），参数全部存放在StateDict中
*/

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
)

// Layer 全连接层，可选地在激活函数之前接一个BN
type Layer struct {
	Index                int
	InputSize            int
	OutputSize           int
	UseBatchNorm         bool
	ActivationName       string
	Activation           func(*mat.VecDense) *mat.VecDense
	ActivationDerivative func(*mat.VecDense) *mat.VecDense
}

// 参数名
func (l *Layer) WeightName() string      { return fmt.Sprintf("layer%d.weight", l.Index) }
func (l *Layer) BiasName() string        { return fmt.Sprintf("layer%d.bias", l.Index) }
func (l *Layer) BNWeightName() string    { return fmt.Sprintf("bn%d.weight", l.Index) }
func (l *Layer) BNBiasName() string      { return fmt.Sprintf("bn%d.bias", l.Index) }
func (l *Layer) RunningMeanName() string { return fmt.Sprintf("bn%d.running_mean", l.Index) }
func (l *Layer) RunningVarName() string  { return fmt.Sprintf("bn%d.running_var", l.Index) }

func NewLayer(index, inputSize, outputSize int, activationName string, useBN bool) (*Layer, error) {
	act, deriv, err := LookupActivation(activationName)
	if err != nil {
		return nil, err
	}
	return &Layer{
		Index:                index,
		InputSize:            inputSize,
		OutputSize:           outputSize,
		UseBatchNorm:         useBN,
		ActivationName:       activationName,
		Activation:           act,
		ActivationDerivative: deriv,
	}, nil
}

// initParams 初始化该层的参数并写入sd
func (l *Layer) initParams(sd *StateDict, src rand.Source) {
	weights := mat.NewDense(l.OutputSize, l.InputSize, nil)
	//ReLu激活函数利用HE初始化，其余用Xavier
	scale := math.Sqrt(2.0 / float64(l.InputSize))
	if l.ActivationName != ActivationReLU {
		scale = math.Sqrt(2.0 / float64(l.InputSize+l.OutputSize))
	}
	normal := distuv.Normal{Mu: 0, Sigma: scale, Src: src}
	raw := weights.RawMatrix().Data
	for i := range raw {
		raw[i] = normal.Rand()
	}
	sd.Set(l.WeightName(), weights)
	sd.Set(l.BiasName(), mat.NewDense(1, l.OutputSize, nil))

	if l.UseBatchNorm {
		gamma := mat.NewDense(1, l.OutputSize, nil)
		runningVar := mat.NewDense(1, l.OutputSize, nil)
		for j := 0; j < l.OutputSize; j++ {
			gamma.Set(0, j, 1)
			runningVar.Set(0, j, 1)
		}
		sd.Set(l.BNWeightName(), gamma)
		sd.Set(l.BNBiasName(), mat.NewDense(1, l.OutputSize, nil))
		sd.Set(l.RunningMeanName(), mat.NewDense(1, l.OutputSize, nil))
		sd.Set(l.RunningVarName(), runningVar)
	}
}

// rowVec 把 1×n 的参数矩阵包装为向量（共享底层数据）
func rowVec(m *mat.Dense) *mat.VecDense {
	_, c := m.Dims()
	return mat.NewVecDense(c, m.RawMatrix().Data)
}

// preActivation 计算 z = Wx + b
func (l *Layer) preActivation(sd *StateDict, x *mat.VecDense) *mat.VecDense {
	z := mat.NewVecDense(l.OutputSize, nil)
	z.MulVec(sd.MustGet(l.WeightName()), x)
	z.AddVec(z, rowVec(sd.MustGet(l.BiasName())))
	return z
}

// normalize 用滑动统计量做BN，返回标准化后的xhat和仿射变换后的输出
func (l *Layer) normalize(sd *StateDict, z *mat.VecDense) (xhat, out *mat.VecDense) {
	mean := sd.MustGet(l.RunningMeanName()).RawMatrix().Data
	variance := sd.MustGet(l.RunningVarName()).RawMatrix().Data
	gamma := sd.MustGet(l.BNWeightName()).RawMatrix().Data
	beta := sd.MustGet(l.BNBiasName()).RawMatrix().Data
	xhat = mat.NewVecDense(l.OutputSize, nil)
	out = mat.NewVecDense(l.OutputSize, nil)
	for j := 0; j < l.OutputSize; j++ {
		v := (z.AtVec(j) - mean[j]) / math.Sqrt(variance[j]+bnEps)
		xhat.SetVec(j, v)
		out.SetVec(j, gamma[j]*v+beta[j])
	}
	return xhat, out
}

func (l *Layer) Forward(sd *StateDict, x *mat.VecDense) *mat.VecDense {
	z := l.preActivation(sd, x)
	if l.UseBatchNorm {
		_, z = l.normalize(sd, z)
	}
	return l.Activation(z)
}
