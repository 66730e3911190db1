package training

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"MixDPDev/pkg/checkpoint"
	"MixDPDev/pkg/config"
	"MixDPDev/pkg/dataProcess"
	"MixDPDev/pkg/dpsgd"
	"MixDPDev/pkg/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Progress
}

func (r *recorder) Report(p Progress) {
	r.events = append(r.events, p)
}

func (r *recorder) phases(phase string) []Progress {
	var out []Progress
	for _, p := range r.events {
		if p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

// 8个2×2的单通道样本，两个类别
func syntheticDataset() *dataProcess.Dataset {
	ds := &dataProcess.Dataset{Channels: 1, Rows: 2, Cols: 2, NumClasses: 2}
	for i := 0; i < 8; i++ {
		c := byte(i % 2)
		ds.Images = append(ds.Images, []byte{30 + 200*c, byte(10 * i), 230 - 200*c, byte(255 - 10*i)})
		ds.Labels = append(ds.Labels, c)
	}
	return ds
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewConfig()
	cfg.Arch = "mlp-small"
	cfg.BatchSize = 4
	cfg.TestBatch = 4
	cfg.Epochs = 2
	cfg.PrintFreq = 1
	cfg.SaveEvery = 1
	cfg.SaveDir = t.TempDir()
	cfg.Privacy.ClipNorm = 1
	return cfg
}

func newTestTrainer(t *testing.T, cfg *config.Config, reporter Reporter) *Trainer {
	t.Helper()
	require.NoError(t, cfg.Validate())
	ds := syntheticDataset()
	opts := dataProcess.LoaderOptions{BatchSize: cfg.BatchSize, Shuffle: true, DropLast: true, Mean: []float64{0.5}, Std: []float64{0.3}}
	train, err := dataProcess.NewLoader(ds, opts, rand.NewPCG(cfg.Seed, 4))
	require.NoError(t, err)
	opts.BatchSize, opts.Shuffle, opts.DropLast = cfg.TestBatch, false, false
	test, err := dataProcess.NewLoader(ds, opts, rand.NewPCG(cfg.Seed, 5))
	require.NoError(t, err)

	a, err := NewReplica("A", cfg, ds.InputSize(), ds.NumClasses, rand.NewPCG(cfg.Seed, 0))
	require.NoError(t, err)
	b, err := NewReplica("B", cfg, ds.InputSize(), ds.NumClasses, rand.NewPCG(cfg.Seed, 1))
	require.NoError(t, err)
	tr, err := NewTrainer(cfg, "", a, b, train, test, reporter)
	require.NoError(t, err)
	return tr
}

func firstBatch(t *testing.T, tr *Trainer) *dataProcess.Batch {
	t.Helper()
	b, ok := tr.trainLoader.Epoch().Next()
	require.True(t, ok)
	return b
}

func TestNewTrainer(t *testing.T) {
	tr := newTestTrainer(t, testConfig(t), nil)
	assert.NotEmpty(t, tr.RunID)
	assert.NotNil(t, tr.accountant)
	require.Len(t, tr.Replicas(), 2)
	assert.Equal(t, "A", tr.Replicas()[0].Name)

	cfg := testConfig(t)
	cfg.Privacy.ClipMode = dpsgd.ClipPrune
	assert.Nil(t, newTestTrainer(t, cfg, nil).accountant, "只有范数裁剪加高斯噪声时才统计隐私预算")

	// 结构不同的副本不能组成一对
	a, err := NewReplica("A", cfg, 4, 2, rand.NewPCG(1, 1))
	require.NoError(t, err)
	cfg.Arch = "mlp-wide"
	b, err := NewReplica("B", cfg, 4, 2, rand.NewPCG(1, 2))
	require.NoError(t, err)
	_, err = NewTrainer(cfg, "x", a, b, nil, nil, nil)
	assert.ErrorIs(t, err, dpsgd.ErrShapeMismatch)

	_, err = NewReplica("C", &config.Config{Arch: "resnet20"}, 4, 2, rand.NewPCG(1, 1))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAlternateVariantSwapsActiveReplica(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mix.Enabled = false
	cfg.Privacy.ClipMode = dpsgd.ClipNone
	cfg.Privacy.NoiseScale = 0
	tr := newTestTrainer(t, cfg, nil)
	a, b := tr.replicas[0].Net, tr.replicas[1].Net
	batch := firstBatch(t, tr)

	aBefore, bBefore := a.StateDict(), b.StateDict()
	out, err := tr.step(batch)
	require.NoError(t, err)
	assert.Equal(t, "A", out.replica)
	assert.False(t, a.StateDict().Equal(aBefore))
	assert.Same(t, bBefore, b.StateDict())

	aBefore = a.StateDict()
	out, err = tr.step(batch)
	require.NoError(t, err)
	assert.Equal(t, "B", out.replica)
	assert.Same(t, aBefore, a.StateDict())
	assert.False(t, b.StateDict().Equal(bBefore))
	assert.Equal(t, 2, tr.updates)
}

func TestSyncVariantCopiesAToB(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mix.Variant = config.MixSync
	cfg.Mix.Enabled = false
	cfg.Privacy.ClipMode = dpsgd.ClipNone
	cfg.Privacy.NoiseScale = 0
	tr := newTestTrainer(t, cfg, nil)
	a, b := tr.replicas[0].Net, tr.replicas[1].Net
	batch := firstBatch(t, tr)

	for i := 0; i < 3; i++ {
		aBefore := a.StateDict()
		out, err := tr.step(batch)
		require.NoError(t, err)
		assert.Equal(t, "A", out.replica)
		// B是A在这一步更新之前的副本
		assert.True(t, b.StateDict().Equal(aBefore))
		assert.NotSame(t, a.StateDict(), b.StateDict())
		assert.False(t, a.StateDict().Equal(b.StateDict()))
	}
}

func TestMixingMovesBothReplicas(t *testing.T) {
	cfg := testConfig(t)
	tr := newTestTrainer(t, cfg, nil)
	tr.mixer.Tau = 1
	a, b := tr.replicas[0].Net, tr.replicas[1].Net
	bBefore := b.StateDict()

	out, err := tr.step(firstBatch(t, tr))
	require.NoError(t, err)
	require.True(t, out.result.Ready)
	assert.Positive(t, out.mix.Total)
	assert.False(t, b.StateDict().Equal(bBefore))
	assert.Equal(t, 1, tr.accountant.Steps())
	assert.NoError(t, a.StateDict().CheckCompatible(b.StateDict()))
}

func TestAccumulationDelaysUpdate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Privacy.AccumSteps = 2
	tr := newTestTrainer(t, cfg, nil)
	a := tr.replicas[0].Net
	batch := firstBatch(t, tr)

	before := a.StateDict()
	out, err := tr.step(batch)
	require.NoError(t, err)
	assert.False(t, out.result.Ready)
	assert.Same(t, before, a.StateDict())
	assert.Zero(t, tr.updates)

	out, err = tr.step(batch)
	require.NoError(t, err)
	assert.True(t, out.result.Ready)
	assert.Equal(t, 1, tr.updates)
	assert.False(t, a.StateDict().Equal(before))
}

func TestPruneMaskedCoordinatesMixAtMidpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.WeightDecay = 0
	cfg.Privacy.ClipMode = dpsgd.ClipPrune
	cfg.Privacy.PrunePercentage = 50
	tr := newTestTrainer(t, cfg, nil)
	a, b := tr.replicas[0].Net, tr.replicas[1].Net
	aBefore, bBefore := a.StateDict(), b.StateDict()

	out, err := tr.step(firstBatch(t, tr))
	require.NoError(t, err)
	require.True(t, out.result.Ready)
	require.NotNil(t, out.result.Mask)
	// τ为0时B不动
	assert.True(t, b.StateDict().Equal(bBefore))

	masked := 0
	after := a.StateDict()
	for name, m := range out.result.Mask {
		av := aBefore.MustGet(name).RawMatrix().Data
		bv := bBefore.MustGet(name).RawMatrix().Data
		got := after.MustGet(name).RawMatrix().Data
		for j, keep := range m.RawMatrix().Data {
			if keep != 0 {
				continue
			}
			masked++
			// 被剪掉的坐标没有梯度和噪声，只剩α=0.5的混合
			assert.Equal(t, bv[j]+0.5*(av[j]-bv[j]), got[j], "%s[%d]", name, j)
		}
	}
	assert.Positive(t, masked)
}

func TestTrainEpochRecordsNormSummary(t *testing.T) {
	cfg := testConfig(t)
	rec := &recorder{}
	tr := newTestTrainer(t, cfg, rec)
	require.NoError(t, tr.TrainEpoch(0))

	// 8个样本，批次4，每轮2个小批次
	require.Len(t, tr.normVec, 2)
	require.Len(t, tr.stdVec, 2)
	for i := range tr.normVec {
		assert.Positive(t, tr.normVec[i])
		assert.GreaterOrEqual(t, tr.stdVec[i], 0.0)
	}
	train := rec.phases(PhaseTrain)
	require.NotEmpty(t, train)
	last := train[len(train)-1]
	assert.Equal(t, tr.normVec[1], last.NormMean)
	assert.Equal(t, tr.stdVec[1], last.NormStd)
	assert.GreaterOrEqual(t, last.NormMax, last.NormMedian)
	assert.GreaterOrEqual(t, last.NormMax, last.NormMean)

	// 下一轮重新统计
	require.NoError(t, tr.TrainEpoch(1))
	assert.Len(t, tr.normVec, 2)
}

func TestFrozenBatchNormStillTracksStatistics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arch = "mlp-bn"
	cfg.KeepBN = false
	tr := newTestTrainer(t, cfg, nil)
	a := tr.replicas[0].Net
	before := a.StateDict()

	_, err := tr.step(firstBatch(t, tr))
	require.NoError(t, err)
	after := a.StateDict()
	buffers := 0
	for _, name := range before.Keys() {
		if !network.IsBatchNorm(name) {
			continue
		}
		if network.IsBuffer(name) {
			buffers++
			assert.NotEqual(t, before.MustGet(name).RawMatrix().Data, after.MustGet(name).RawMatrix().Data, name)
		} else {
			assert.Equal(t, before.MustGet(name).RawMatrix().Data, after.MustGet(name).RawMatrix().Data, name)
		}
	}
	assert.Positive(t, buffers)
}

func TestRunSavesCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	rec := &recorder{}
	tr := newTestTrainer(t, cfg, rec)
	require.NoError(t, tr.Run())

	epochs := rec.phases(PhaseEpoch)
	require.Len(t, epochs, 2)
	assert.Equal(t, 1, epochs[1].Epoch)
	assert.Positive(t, epochs[1].Epsilon)
	assert.InDelta(t, cfg.LR*cfg.Mix.GapRate, epochs[0].Tau, 1e-12)
	assert.NotEmpty(t, rec.phases(PhaseTrain))
	assert.Len(t, rec.phases(PhaseValidate), 2)
	for _, p := range rec.events {
		assert.Equal(t, tr.RunID, p.RunID)
	}

	ckpt, err := checkpoint.Load(filepath.Join(cfg.SaveDir, checkpoint.ModelFile))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, tr.RunID, ckpt.RunID)
	assert.Equal(t, tr.BestPrec1(), ckpt.BestPrec1)
	assert.True(t, ckpt.State.Equal(tr.replicas[0].Net.StateDict()))
	// 第0轮不保存checkpoint.th，第1轮保存
	_, err = os.Stat(filepath.Join(cfg.SaveDir, checkpoint.CheckpointFile))
	assert.NoError(t, err)

	// 从model.th恢复：两个副本都载入A的参数，已经训练完则不再训练
	resumed := testConfig(t)
	resumed.Resume = filepath.Join(cfg.SaveDir, checkpoint.ModelFile)
	tr2 := newTestTrainer(t, resumed, nil)
	require.NoError(t, tr2.Run())
	assert.Equal(t, 2, tr2.startEpoch)
	assert.Equal(t, ckpt.BestPrec1, tr2.BestPrec1())
	for _, r := range tr2.Replicas() {
		assert.True(t, r.Net.StateDict().Equal(ckpt.State), r.Name)
	}
	_, err = os.Stat(filepath.Join(resumed.SaveDir, checkpoint.ModelFile))
	assert.True(t, os.IsNotExist(err))
}

func TestEvaluateOnlyWithMissingCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Evaluate = true
	cfg.Resume = filepath.Join(t.TempDir(), "missing.th")
	rec := &recorder{}
	tr := newTestTrainer(t, cfg, rec)
	a := tr.replicas[0].Net.StateDict()

	require.NoError(t, tr.Run())
	validations := rec.phases(PhaseValidate)
	require.Len(t, validations, 2)
	assert.Equal(t, "A", validations[0].Replica)
	assert.Equal(t, "B", validations[1].Replica)
	assert.Same(t, a, tr.replicas[0].Net.StateDict())
	entries, err := os.ReadDir(cfg.SaveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResumeCorruptCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "bad.th")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	cfg.Resume = path
	tr := newTestTrainer(t, cfg, nil)
	assert.ErrorIs(t, tr.Run(), checkpoint.ErrCorruptCheckpoint)
}
