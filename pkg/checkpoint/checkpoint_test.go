package checkpoint

import (
	"compress/gzip"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"MixDPDev/pkg/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNet(t *testing.T, seed uint64, hidden int) *network.NeuronNetwork {
	t.Helper()
	nn, err := network.NewNeuronNetwork([]int{3, hidden, 2}, true, rand.NewPCG(seed, seed))
	require.NoError(t, err)
	return nn
}

func TestSaveLoadRoundTrip(t *testing.T) {
	nn := newNet(t, 1, 4)
	path := filepath.Join(t.TempDir(), "nested", ModelFile)
	require.NoError(t, Save(path, &Checkpoint{RunID: "run-1", Epoch: 11, BestPrec1: 87.5, State: nn.StateDict()}))

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", ckpt.RunID)
	assert.Equal(t, 11, ckpt.Epoch)
	assert.Equal(t, 87.5, ckpt.BestPrec1)
	assert.Equal(t, nn.StateDict().Keys(), ckpt.State.Keys())
	assert.True(t, nn.StateDict().Equal(ckpt.State))

	// 临时文件不会留下
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRestoreLoadsEveryNetwork(t *testing.T) {
	src := newNet(t, 1, 4)
	a, b := newNet(t, 2, 4), newNet(t, 3, 4)
	path := filepath.Join(t.TempDir(), CheckpointFile)
	require.NoError(t, Save(path, &Checkpoint{State: src.StateDict()}))
	ckpt, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, Restore(ckpt, a, b))
	assert.True(t, a.StateDict().Equal(src.StateDict()))
	assert.True(t, b.StateDict().Equal(src.StateDict()))
	// 两个网络不共享同一个参数字典
	assert.NotSame(t, a.StateDict(), b.StateDict())
}

func TestRestoreShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), CheckpointFile)
	require.NoError(t, Save(path, &Checkpoint{State: newNet(t, 1, 4).StateDict()}))
	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.ErrorIs(t, Restore(ckpt, newNet(t, 1, 5)), ErrCorruptCheckpoint)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.th"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()

	notGzip := filepath.Join(dir, "plain.th")
	require.NoError(t, os.WriteFile(notGzip, []byte("not a checkpoint"), 0o644))
	_, err := Load(notGzip)
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	writeGz := func(name, body string) string {
		p := filepath.Join(dir, name)
		f, err := os.Create(p)
		require.NoError(t, err)
		zw := gzip.NewWriter(f)
		_, err = zw.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, f.Close())
		return p
	}

	_, err = Load(writeGz("json.th", "{broken"))
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	_, err = Load(writeGz("format.th", `{"format":"other","version":1}`))
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	_, err = Load(writeGz("missing.th", `{"format":"mixdp-checkpoint","version":1,"keys":["w"],"state_dict":{}}`))
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	_, err = Load(writeGz("tensor.th", `{"format":"mixdp-checkpoint","version":1,"keys":["w"],"state_dict":{"w":"AAAA"}}`))
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
}
