package dpsgd

import (
	"math/rand/v2"

	"MixDPDev/pkg/network"

	"gonum.org/v1/gonum/mat"
)

type testParam struct {
	name       string
	rows, cols int
	// n × (rows·cols)，按样本逐行排列
	data []float64
}

func makeSet(n int, params ...testParam) *GradSampleSet {
	set := NewGradSampleSet()
	for _, p := range params {
		set.Add(p.name, p.rows, p.cols, mat.NewDense(n, p.rows*p.cols, append([]float64(nil), p.data...)))
	}
	return set
}

// randomSet 两个参数（一个2×3权重和一个1×3偏置），n个样本
func randomSet(n int, seed uint64) *GradSampleSet {
	r := rand.New(rand.NewPCG(seed, 7))
	w := make([]float64, n*6)
	b := make([]float64, n*3)
	for i := range w {
		w[i] = r.NormFloat64() * 3
	}
	for i := range b {
		b[i] = r.NormFloat64()
	}
	return makeSet(n,
		testParam{name: "layer0.weight", rows: 2, cols: 3, data: w},
		testParam{name: "layer0.bias", rows: 1, cols: 3, data: b},
	)
}

func makeGrads(values map[string][]float64, names ...string) *network.Gradients {
	g := &network.Gradients{Names: names, Grads: make(map[string]*mat.Dense, len(names))}
	for _, name := range names {
		v := values[name]
		g.Grads[name] = mat.NewDense(1, len(v), append([]float64(nil), v...))
	}
	return g
}

func makeStateDict(values map[string][]float64, names ...string) *network.StateDict {
	sd := network.NewStateDict()
	for _, name := range names {
		v := values[name]
		sd.Set(name, mat.NewDense(1, len(v), append([]float64(nil), v...)))
	}
	return sd
}
