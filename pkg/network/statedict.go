package network

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

/*
该文件包含模型参数字典（state dict）的定义
所有参数（权重、偏置、BN的缩放/平移）统一用 *mat.Dense 存储，偏置为 1×n 矩阵
*/

// StateDict 有序的参数字典，名字 -> 张量
// 约定：一个已经被网络加载的StateDict不再原地修改，任何更新都先Clone再整体替换
type StateDict struct {
	keys    []string
	tensors map[string]*mat.Dense
}

// NewStateDict 创建空的参数字典
func NewStateDict() *StateDict {
	return &StateDict{tensors: make(map[string]*mat.Dense)}
}

// IsBatchNorm 判断参数是否属于BN层（名字中包含 "bn"）
func IsBatchNorm(name string) bool {
	return strings.Contains(name, "bn")
}

// IsBuffer 判断是否为不可训练的缓冲区（BN的滑动均值和方差）
func IsBuffer(name string) bool {
	return strings.Contains(name, "running_")
}

// Set 写入一个张量，新名字追加到末尾
func (sd *StateDict) Set(name string, t *mat.Dense) {
	if _, ok := sd.tensors[name]; !ok {
		sd.keys = append(sd.keys, name)
	}
	sd.tensors[name] = t
}

// Get 读取张量
func (sd *StateDict) Get(name string) (*mat.Dense, bool) {
	t, ok := sd.tensors[name]
	return t, ok
}

// MustGet 读取张量，不存在时panic（只用于网络内部已知存在的名字）
func (sd *StateDict) MustGet(name string) *mat.Dense {
	t, ok := sd.tensors[name]
	if !ok {
		panic(fmt.Sprintf("参数 %s 不存在", name))
	}
	return t
}

// Keys 按插入顺序返回所有名字
func (sd *StateDict) Keys() []string {
	out := make([]string, len(sd.keys))
	copy(out, sd.keys)
	return out
}

// Len 参数个数
func (sd *StateDict) Len() int {
	return len(sd.keys)
}

// Parameters 返回可训练参数的名字（不含缓冲区）
func (sd *StateDict) Parameters() []string {
	names := make([]string, 0, len(sd.keys))
	for _, k := range sd.keys {
		if !IsBuffer(k) {
			names = append(names, k)
		}
	}
	return names
}

// Clone 深拷贝
func (sd *StateDict) Clone() *StateDict {
	out := &StateDict{
		keys:    make([]string, len(sd.keys)),
		tensors: make(map[string]*mat.Dense, len(sd.tensors)),
	}
	copy(out.keys, sd.keys)
	for k, t := range sd.tensors {
		out.tensors[k] = mat.DenseCopyOf(t)
	}
	return out
}

// NumElements 所有可训练参数的元素总数
func (sd *StateDict) NumElements() int {
	total := 0
	for _, k := range sd.Parameters() {
		r, c := sd.tensors[k].Dims()
		total += r * c
	}
	return total
}

// CheckCompatible 检查两个字典的名字和形状是否完全一致
func (sd *StateDict) CheckCompatible(other *StateDict) error {
	if len(sd.keys) != len(other.keys) {
		return fmt.Errorf("参数个数不匹配: 期望 %d, 实际 %d", len(sd.keys), len(other.keys))
	}
	for _, k := range sd.keys {
		t, ok := other.tensors[k]
		if !ok {
			return fmt.Errorf("缺少参数 %s", k)
		}
		r1, c1 := sd.tensors[k].Dims()
		r2, c2 := t.Dims()
		if r1 != r2 || c1 != c2 {
			return fmt.Errorf("参数 %s 形状不匹配: 期望 %dx%d, 实际 %dx%d", k, r1, c1, r2, c2)
		}
	}
	return nil
}

// Equal 判断两个字典的所有张量是否完全相等
func (sd *StateDict) Equal(other *StateDict) bool {
	if sd.CheckCompatible(other) != nil {
		return false
	}
	for _, k := range sd.keys {
		if !mat.Equal(sd.tensors[k], other.tensors[k]) {
			return false
		}
	}
	return true
}
