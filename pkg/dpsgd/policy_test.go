package dpsgd

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerSampleNorms(t *testing.T) {
	set := makeSet(2,
		testParam{name: "w", rows: 1, cols: 2, data: []float64{3, 0, 1, -1}},
		testParam{name: "b", rows: 1, cols: 1, data: []float64{4, 0}},
	)
	l2, err := PerSampleNorms(set, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5, math.Sqrt2}, l2, 1e-12)

	l1, err := PerSampleNorms(set, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{7, 2}, l1, 1e-12)
}

func TestPerSampleNormsShapeAndSign(t *testing.T) {
	for _, n := range []int{1, 7, 32} {
		norms, err := PerSampleNorms(randomSet(n, uint64(n)), 2)
		require.NoError(t, err)
		assert.Len(t, norms, n)
		for _, v := range norms {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestPerSampleNormsErrors(t *testing.T) {
	_, err := PerSampleNorms(NewGradSampleSet(), 2)
	assert.ErrorIs(t, err, ErrEmptyGradSampleSet)

	bad := makeSet(2, testParam{name: "w", rows: 1, cols: 1, data: []float64{1, 2}})
	bad.Add("b", 1, 1, makeSet(3, testParam{name: "b", rows: 1, cols: 1, data: []float64{1, 2, 3}}).Samples["b"])
	_, err = PerSampleNorms(bad, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNormClipperBoundsEverySample(t *testing.T) {
	const clip = 1.5
	set := randomSet(16, 3)
	norms, err := PerSampleNorms(set, 2)
	require.NoError(t, err)

	res, err := NormClipper{ClipNorm: clip, NormType: 2}.Apply(set)
	require.NoError(t, err)
	require.Len(t, res.Factors, 16)
	for i, f := range res.Factors {
		assert.LessOrEqual(t, f, 1.0)
		assert.LessOrEqual(t, f*norms[i], clip+1e-9)
		if norms[i] <= clip {
			assert.Equal(t, 1.0, f)
		}
	}
}

func TestNormClipperZeroGradient(t *testing.T) {
	set := makeSet(1, testParam{name: "w", rows: 1, cols: 2, data: []float64{0, 0}})
	res, err := NormClipper{ClipNorm: 1, NormType: 2}.Apply(set)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, res.Factors)
}

func TestTruncatorClampsCoordinates(t *testing.T) {
	set := randomSet(8, 5)
	res, err := Truncator{MaxVal: 0.5}.Apply(set)
	require.NoError(t, err)
	assert.Nil(t, res.Factors)
	for _, name := range set.Names {
		for _, v := range set.Samples[name].RawMatrix().Data {
			assert.LessOrEqual(t, math.Abs(v), 0.5)
		}
	}
}

func TestPercentilePrunerKeepsTopFraction(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	const n, cols = 4, 100
	data := make([]float64, n*cols)
	for i := range data {
		data[i] = r.NormFloat64()
	}
	set := makeSet(n, testParam{name: "w", rows: 1, cols: cols, data: data})

	res, err := PercentilePruner{Percentage: 90, Src: rand.NewPCG(1, 1)}.Apply(set)
	require.NoError(t, err)
	mask := res.Mask["w"].RawMatrix().Data
	kept := 0
	for _, m := range mask {
		assert.Contains(t, []float64{0, 1}, m)
		if m == 1 {
			kept++
		}
	}
	// 100个互不相同的幅值，第90百分位之上恰好10个
	assert.Equal(t, 10, kept)

	// 被剪掉的坐标在每个样本上都为0
	for i := 0; i < n; i++ {
		row := set.Samples["w"].RawRowView(i)
		for j, m := range mask {
			if m == 0 {
				assert.Zero(t, row[j])
			} else {
				assert.Equal(t, data[i*cols+j], row[j])
			}
		}
	}
}

func TestPercentile(t *testing.T) {
	cases := []struct {
		pool []float64
		pct  float64
		want float64
	}{
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 90, 9.1},
		{[]float64{1, 2, 3, 4}, 0, 1},
		{[]float64{1, 2, 3, 4}, 100, 4},
		{[]float64{7}, 30, 7},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, Percentile(c.pool, c.pct), 1e-12, "%v p%v", c.pool, c.pct)
	}
	assert.True(t, math.IsNaN(Percentile(nil, 50)))
}

func TestPercentilePrunerKeepsHalfOfSmallPool(t *testing.T) {
	set := makeSet(1, testParam{name: "w", rows: 1, cols: 4, data: []float64{1, -2, 3, -4}})
	res, err := PercentilePruner{Percentage: 50, Src: rand.NewPCG(1, 1)}.Apply(set)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 1}, res.Mask["w"].RawMatrix().Data)
	assert.Equal(t, []float64{0, 0, 3, -4}, set.Samples["w"].RawRowView(0))
}

func TestPercentilePrunerZeroPercentKeepsAll(t *testing.T) {
	set := randomSet(4, 9)
	res, err := PercentilePruner{Percentage: 0, Src: rand.NewPCG(1, 1)}.Apply(set)
	require.NoError(t, err)
	for _, name := range set.Names {
		for _, m := range res.Mask[name].RawMatrix().Data {
			assert.Equal(t, 1.0, m)
		}
	}
}

func TestNewClipPolicy(t *testing.T) {
	src := rand.NewPCG(0, 0)
	cases := []struct {
		mode ClipMode
		clip float64
		max  float64
		pct  float64
		want ClipMode
		err  bool
	}{
		{mode: ClipNone, want: ClipNone},
		{mode: "", want: ClipNone},
		{mode: ClipNorm, clip: 1, want: ClipNorm},
		{mode: ClipNorm, clip: 0, err: true},
		{mode: ClipTrunc, max: 3, want: ClipTrunc},
		{mode: ClipTrunc, max: -1, err: true},
		{mode: ClipPrune, pct: 99, want: ClipPrune},
		{mode: ClipPrune, pct: 101, err: true},
		{mode: "bruteforce", err: true},
	}
	for _, c := range cases {
		p, err := NewClipPolicy(c.mode, c.clip, 2, c.max, c.pct, 0, src)
		if c.err {
			assert.ErrorIs(t, err, ErrInvalidPipeline, "mode %q", c.mode)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, p.Mode())
	}
}
