package dpsgd

import (
	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SGD 带动量和权重衰减的随机梯度下降
// d = g + wd·p; v = μ·v + d; p = p - lr·v
// 梯度按原样使用，不做任何额外的裁剪
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	velocity    map[string]*mat.Dense
}

func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		velocity:    make(map[string]*mat.Dense),
	}
}

// Step 返回更新后的新参数字典，只更新grads中出现的参数，sd本身不被修改
func (o *SGD) Step(sd *network.StateDict, grads *network.Gradients) (*network.StateDict, error) {
	out := sd.Clone()
	for _, name := range grads.Names {
		p, ok := out.Get(name)
		if !ok {
			return nil, errors.Wrapf(ErrShapeMismatch, "参数 %s 不存在", name)
		}
		g := grads.Grads[name]
		pr, pc := p.Dims()
		gr, gc := g.Dims()
		if pr != gr || pc != gc {
			return nil, errors.Wrapf(ErrShapeMismatch, "参数 %s 形状 %dx%d, 梯度形状 %dx%d", name, pr, pc, gr, gc)
		}

		d := mat.DenseCopyOf(g)
		if o.WeightDecay != 0 {
			d.Add(d, scaled(o.WeightDecay, p))
		}
		if o.Momentum != 0 {
			v, ok := o.velocity[name]
			if !ok {
				v = d
			} else {
				v.Scale(o.Momentum, v)
				v.Add(v, d)
			}
			o.velocity[name] = v
			d = v
		}
		p.Sub(p, scaled(o.LR, d))
	}
	return out, nil
}

// Apply 执行一步更新并整体替换网络的参数字典
func (o *SGD) Apply(nn *network.NeuronNetwork, grads *network.Gradients) error {
	next, err := o.Step(nn.StateDict(), grads)
	if err != nil {
		return err
	}
	return nn.LoadStateDict(next)
}

// Reset 清空动量缓存
func (o *SGD) Reset() {
	o.velocity = make(map[string]*mat.Dense)
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}
