package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// 激活函数名，用于网络结构注册和检查点
const (
	ActivationReLU    = "relu"
	ActivationSigmoid = "sigmoid"
	ActivationSoftmax = "softmax"
)

// LookupActivation 根据名字返回激活函数及其导数（softmax与交叉熵一起求导，导数为nil）
func LookupActivation(name string) (func(*mat.VecDense) *mat.VecDense, func(*mat.VecDense) *mat.VecDense, error) {
	switch name {
	case ActivationReLU:
		return ReLU, ReLUDerivative, nil
	case ActivationSigmoid:
		return Sigmoid, SigmoidDerivative, nil
	case ActivationSoftmax:
		return Softmax, nil, nil
	default:
		return nil, nil, fmt.Errorf("未知的激活函数: %s", name)
	}
}

// sigmoid激活函数（对整个向量的操作）
func Sigmoid(z *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		out.SetVec(i, 1/(1+math.Exp(-z.AtVec(i))))
	}
	return out
}

// sigmoid的导数，输入为激活后的值
func SigmoidDerivative(a *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(a.Len(), nil)
	for i := 0; i < a.Len(); i++ {
		v := a.AtVec(i)
		out.SetVec(i, v*(1-v))
	}
	return out
}

// ReLU 激活函数
func ReLU(z *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		out.SetVec(i, math.Max(z.AtVec(i), 0))
	}
	return out
}

// ReLU 的导数函数
func ReLUDerivative(a *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(a.Len(), nil)
	for i := 0; i < a.Len(); i++ {
		if a.AtVec(i) > 0 {
			out.SetVec(i, 1)
		}
	}
	return out
}

// softmax函数，先减去最大值防止exp溢出
func Softmax(z *mat.VecDense) *mat.VecDense {
	maxVal := math.Inf(-1)
	for i := 0; i < z.Len(); i++ {
		maxVal = math.Max(maxVal, z.AtVec(i))
	}
	sum := 0.0
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		e := math.Exp(z.AtVec(i) - maxVal)
		out.SetVec(i, e)
		sum += e
	}
	out.ScaleVec(1/sum, out)
	return out
}
