package checkpoint

import (
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

/*
检查点文件格式：gzip压缩的JSON
每个参数用 mat.Dense.MarshalBinary 编码后再做base64
*/

const (
	formatName    = "mixdp-checkpoint"
	formatVersion = 1

	// 每 save_every 轮保存一次，记录下一轮的编号
	CheckpointFile = "checkpoint.th"
	// 每轮都覆盖保存
	ModelFile = "model.th"
)

// ErrCorruptCheckpoint 检查点无法解析或与模型不匹配
var ErrCorruptCheckpoint = errors.New("检查点损坏")

// Checkpoint 一次保存的训练状态
type Checkpoint struct {
	RunID     string
	Epoch     int
	BestPrec1 float64
	State     *network.StateDict
}

type envelope struct {
	Format    string            `json:"format"`
	Version   int               `json:"version"`
	RunID     string            `json:"run_id"`
	Epoch     int               `json:"epoch"`
	BestPrec1 float64           `json:"best_prec1"`
	Keys      []string          `json:"keys"`
	StateDict map[string]string `json:"state_dict"`
}

// Save 写入临时文件后重命名，避免中途失败留下半个文件
func Save(path string, ckpt *Checkpoint) error {
	env := envelope{
		Format:    formatName,
		Version:   formatVersion,
		RunID:     ckpt.RunID,
		Epoch:     ckpt.Epoch,
		BestPrec1: ckpt.BestPrec1,
		Keys:      ckpt.State.Keys(),
		StateDict: make(map[string]string, ckpt.State.Len()),
	}
	for _, name := range env.Keys {
		raw, err := ckpt.State.MustGet(name).MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "编码参数 %s 失败", name)
		}
		env.StateDict[name] = base64.StdEncoding.EncodeToString(raw)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "创建保存目录失败")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "创建临时文件失败")
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(&env); err != nil {
		tmp.Close()
		return errors.Wrap(err, "写入检查点失败")
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "写入检查点失败")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "写入检查点失败")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "重命名检查点失败")
}

// Load 读取检查点；文件不存在时返回的错误满足 os.IsNotExist
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: %v", path, err)
	}
	defer zr.Close()

	var env envelope
	if err := json.NewDecoder(zr).Decode(&env); err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: %v", path, err)
	}
	if env.Format != formatName || env.Version != formatVersion {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: 未知格式 %s v%d", path, env.Format, env.Version)
	}

	sd := network.NewStateDict()
	for _, name := range env.Keys {
		enc, ok := env.StateDict[name]
		if !ok {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: 缺少参数 %s", path, name)
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: 参数 %s: %v", path, name, err)
		}
		var t mat.Dense
		if err := t.UnmarshalBinary(raw); err != nil {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: 参数 %s: %v", path, name, err)
		}
		sd.Set(name, &t)
	}
	return &Checkpoint{RunID: env.RunID, Epoch: env.Epoch, BestPrec1: env.BestPrec1, State: sd}, nil
}

// Restore 把检查点载入网络，形状不一致视为检查点损坏
func Restore(ckpt *Checkpoint, nets ...*network.NeuronNetwork) error {
	for _, nn := range nets {
		if err := nn.LoadStateDict(ckpt.State.Clone()); err != nil {
			return errors.Wrap(ErrCorruptCheckpoint, err.Error())
		}
	}
	return nil
}
