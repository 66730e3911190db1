package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

/*
该文件包含了网络的前向传播和后向传播
此外还有一些辅助函数，例如准确度计算，预测，损失计算等
*/

// 整个网络的前向传播
func (nn *NeuronNetwork) FeedForward(input *mat.VecDense) *mat.VecDense {
	return nn.feedForward(nn.StateDict(), input)
}

func (nn *NeuronNetwork) feedForward(sd *StateDict, input *mat.VecDense) *mat.VecDense {
	a := input
	for _, layer := range nn.Layers {
		a = layer.Forward(sd, a)
	}
	return a
}

// 保存梯度信息的结构体，按参数名存储，形状与参数一致
type Gradients struct {
	Names []string
	Grads map[string]*mat.Dense
}

// 创建新的梯度结构体（全零），只包含可训练参数
func NewGradients(sd *StateDict) *Gradients {
	names := sd.Parameters()
	grads := make(map[string]*mat.Dense, len(names))
	for _, name := range names {
		r, c := sd.MustGet(name).Dims()
		grads[name] = mat.NewDense(r, c, nil)
	}
	return &Gradients{Names: names, Grads: grads}
}

func (g *Gradients) String() string {
	var s string
	for _, name := range g.Names {
		s += fmt.Sprintf("%s:\n%v\n", name, mat.Formatted(g.Grads[name], mat.Prefix("  "), mat.Squeeze()))
	}
	return s
}

// 累加梯度
func AddGradients(accumGrads *Gradients, grads *Gradients) {
	for _, name := range accumGrads.Names {
		accumGrads.Grads[name].Add(accumGrads.Grads[name], grads.Grads[name])
	}
}

// 计算单个样本的梯度（但不更新参数）
func (nn *NeuronNetwork) CalculateGradients(x *mat.VecDense, y *mat.VecDense) *Gradients {
	return nn.CalculateGradientsFrom(nn.StateDict(), x, y)
}

// CalculateGradientsFrom 使用指定的参数快照计算单个样本的梯度
// BN层使用滑动统计量，保证样本之间相互独立
func (nn *NeuronNetwork) CalculateGradientsFrom(sd *StateDict, x *mat.VecDense, y *mat.VecDense) *Gradients {
	grads := NewGradients(sd)
	activations := make([]*mat.VecDense, len(nn.Layers)+1)
	normalized := make([]*mat.VecDense, len(nn.Layers))
	// 初始输入是第一个激活值
	activations[0] = x
	// 前向传播，保存中间结果
	for i, layer := range nn.Layers {
		z := layer.preActivation(sd, activations[i])
		if layer.UseBatchNorm {
			normalized[i], z = layer.normalize(sd, z)
		}
		activations[i+1] = layer.Activation(z)
	}

	// 输出层使用softmax + 交叉熵，delta = output - target
	delta := mat.NewVecDense(activations[len(activations)-1].Len(), nil)
	delta.SubVec(activations[len(activations)-1], y)

	// 从后向前传播误差
	for i := len(nn.Layers) - 1; i >= 0; i-- {
		layer := nn.Layers[i]

		// 经过BN时：dgamma = delta ⊙ xhat, dbeta = delta, dz = delta ⊙ gamma / sqrt(var+eps)
		dz := delta
		if layer.UseBatchNorm {
			gamma := sd.MustGet(layer.BNWeightName()).RawMatrix().Data
			variance := sd.MustGet(layer.RunningVarName()).RawMatrix().Data
			dGamma := grads.Grads[layer.BNWeightName()].RawMatrix().Data
			dBeta := grads.Grads[layer.BNBiasName()].RawMatrix().Data
			dz = mat.NewVecDense(layer.OutputSize, nil)
			for j := 0; j < layer.OutputSize; j++ {
				dGamma[j] = delta.AtVec(j) * normalized[i].AtVec(j)
				dBeta[j] = delta.AtVec(j)
				dz.SetVec(j, delta.AtVec(j)*gamma[j]/math.Sqrt(variance[j]+bnEps))
			}
		}

		// 计算权重梯度 dW = dz * a^T
		grads.Grads[layer.WeightName()].Outer(1, dz, activations[i])
		// 计算偏置梯度 db = dz
		copy(grads.Grads[layer.BiasName()].RawMatrix().Data, dz.RawVector().Data)

		// 如果不是第一层，则计算前一层的delta：delta = (W^T * dz) ⊙ σ'(z)
		if i > 0 {
			prevDelta := mat.NewVecDense(layer.InputSize, nil)
			prevDelta.MulVec(sd.MustGet(layer.WeightName()).T(), dz)
			if deriv := nn.Layers[i-1].ActivationDerivative; deriv != nil {
				prevDelta.MulElemVec(prevDelta, deriv(activations[i]))
			}
			delta = prevDelta
		}
	}
	return grads
}

// BatchNormStats 用一个批次的预激活值更新BN的滑动均值和方差，返回新的参数字典（不修改sd）
func (nn *NeuronNetwork) BatchNormStats(sd *StateDict, inputs []*mat.VecDense) *StateDict {
	if len(inputs) < 2 {
		return sd
	}
	hasBN := false
	for _, layer := range nn.Layers {
		hasBN = hasBN || layer.UseBatchNorm
	}
	if !hasBN {
		return sd
	}

	out := sd.Clone()
	acts := inputs
	for _, layer := range nn.Layers {
		zs := make([]*mat.VecDense, len(acts))
		for k, a := range acts {
			zs[k] = layer.preActivation(out, a)
		}
		if layer.UseBatchNorm {
			mean := out.MustGet(layer.RunningMeanName()).RawMatrix().Data
			variance := out.MustGet(layer.RunningVarName()).RawMatrix().Data
			column := make([]float64, len(zs))
			for j := 0; j < layer.OutputSize; j++ {
				for k, z := range zs {
					column[k] = z.AtVec(j)
				}
				m, v := stat.MeanVariance(column, nil)
				mean[j] = (1-bnMomentum)*mean[j] + bnMomentum*m
				variance[j] = (1-bnMomentum)*variance[j] + bnMomentum*v
			}
			for k := range zs {
				_, zs[k] = layer.normalize(out, zs[k])
			}
		}
		next := make([]*mat.VecDense, len(zs))
		for k, z := range zs {
			next[k] = layer.Activation(z)
		}
		acts = next
	}
	return out
}

// CalculateBatchLoss 计算一个批次的平均交叉熵损失
func (nn *NeuronNetwork) CalculateBatchLoss(inputs []*mat.VecDense, targets []*mat.VecDense) float64 {
	if len(inputs) == 0 {
		return 0
	}
	sd := nn.StateDict()
	totalLoss := 0.0
	for i := 0; i < len(inputs); i++ {
		totalLoss += crossEntropy(nn.feedForward(sd, inputs[i]), targets[i])
	}
	return totalLoss / float64(len(inputs))
}

func crossEntropy(output, target *mat.VecDense) float64 {
	loss := 0.0
	for j := 0; j < output.Len(); j++ {
		// 防止log(0)
		outputVal := math.Max(output.AtVec(j), 1e-10)
		loss -= target.AtVec(j) * math.Log(outputVal)
	}
	return loss
}

// 预测样本的类别
func (nn *NeuronNetwork) Predict(input *mat.VecDense) int {
	return argmax(nn.FeedForward(input))
}

func argmax(v mat.Vector) int {
	maxIdx := 0
	for i := 1; i < v.Len(); i++ {
		if v.AtVec(i) > v.AtVec(maxIdx) {
			maxIdx = i
		}
	}
	return maxIdx
}

// EvaluateBatch 返回一个批次的平均损失和预测正确的样本数
func (nn *NeuronNetwork) EvaluateBatch(inputs []*mat.VecDense, targets []*mat.VecDense) (float64, int) {
	if len(inputs) == 0 {
		return 0, 0
	}
	sd := nn.StateDict()
	totalLoss := 0.0
	correct := 0
	for i := range inputs {
		output := nn.feedForward(sd, inputs[i])
		totalLoss += crossEntropy(output, targets[i])
		if argmax(output) == argmax(targets[i]) {
			correct++
		}
	}
	return totalLoss / float64(len(inputs)), correct
}

// 评估模型在测试集上的准确率
func (nn *NeuronNetwork) Evaluate(inputs []*mat.VecDense, targets []*mat.VecDense) float64 {
	if len(inputs) == 0 {
		return 0
	}
	_, correct := nn.EvaluateBatch(inputs, targets)
	return float64(correct) / float64(len(inputs))
}
