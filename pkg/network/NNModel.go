package network

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync/atomic"
)

/*
该文件包含整个神经网络的初始化方法和可选的网络结构
*/

type NeuronNetwork struct {
	Arch   string
	Layers []*Layer
	// 当前生效的参数字典，只能通过LoadStateDict整体替换
	state atomic.Pointer[StateDict]
}

// ArchSpec 网络结构描述：隐藏层节点数以及是否在隐藏层后加BN
type ArchSpec struct {
	Hidden       []int
	UseBatchNorm bool
}

// 已注册的网络结构
var architectures = map[string]ArchSpec{
	"mlp":        {Hidden: []int{64, 64, 64}},
	"mlp-bn":     {Hidden: []int{64, 64, 64}, UseBatchNorm: true},
	"mlp-small":  {Hidden: []int{32}},
	"mlp-wide":   {Hidden: []int{256, 128}},
	"mlp-wideBN": {Hidden: []int{256, 128}, UseBatchNorm: true},
}

// ArchNames 返回所有已注册的结构名
func ArchNames() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewArchitecture 根据结构名创建网络
func NewArchitecture(arch string, inputSize, numClasses int, src rand.Source) (*NeuronNetwork, error) {
	spec, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("未知的网络结构 %s，可选: %v", arch, ArchNames())
	}
	layerSize := append([]int{inputSize}, spec.Hidden...)
	layerSize = append(layerSize, numClasses)
	nn, err := NewNeuronNetwork(layerSize, spec.UseBatchNorm, src)
	if err != nil {
		return nil, err
	}
	nn.Arch = arch
	return nn, nil
}

// NewNeuronNetwork 按每层节点数创建网络，隐藏层使用ReLU，输出层使用Softmax
func NewNeuronNetwork(layerSize []int, useBN bool, src rand.Source) (*NeuronNetwork, error) {
	if len(layerSize) < 2 {
		return nil, fmt.Errorf("网络至少需要输入层和输出层, 实际 %d 层", len(layerSize))
	}
	//存储网络中每层的切片
	layers := make([]*Layer, len(layerSize)-1)
	sd := NewStateDict()
	for i := range layers {
		var (
			layer *Layer
			err   error
		)
		if i == len(layers)-1 {
			layer, err = NewLayer(i, layerSize[i], layerSize[i+1], ActivationSoftmax, false)
		} else {
			layer, err = NewLayer(i, layerSize[i], layerSize[i+1], ActivationReLU, useBN)
		}
		if err != nil {
			return nil, err
		}
		layer.initParams(sd, src)
		layers[i] = layer
	}

	nn := &NeuronNetwork{Arch: "custom", Layers: layers}
	nn.state.Store(sd)
	return nn, nil
}

// StateDict 返回当前参数字典的快照，调用方不得原地修改
func (nn *NeuronNetwork) StateDict() *StateDict {
	return nn.state.Load()
}

// LoadStateDict 校验形状后整体替换参数字典
func (nn *NeuronNetwork) LoadStateDict(sd *StateDict) error {
	if err := nn.StateDict().CheckCompatible(sd); err != nil {
		return err
	}
	nn.state.Store(sd)
	return nil
}

// InputSize 输入维度
func (nn *NeuronNetwork) InputSize() int {
	return nn.Layers[0].InputSize
}

// NumClasses 输出类别数
func (nn *NeuronNetwork) NumClasses() int {
	return nn.Layers[len(nn.Layers)-1].OutputSize
}

func (nn *NeuronNetwork) String() string {
	s := fmt.Sprintf("网络结构 %s:", nn.Arch)
	for _, l := range nn.Layers {
		s += fmt.Sprintf(" [%d -> %d %s", l.InputSize, l.OutputSize, l.ActivationName)
		if l.UseBatchNorm {
			s += " +bn"
		}
		s += "]"
	}
	return s
}
