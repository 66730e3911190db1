package config

import (
	"flag"
	"fmt"
	"os"

	"MixDPDev/pkg/dpsgd"
	"MixDPDev/pkg/network"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置非法
var ErrInvalidConfig = errors.New("配置非法")

// 混合方式
const (
	// MixAlternate 两个副本轮流作为训练副本，另一个作为混合对象
	MixAlternate = "alternate"
	// MixSync 只训练A，混合后B整体复制为A
	MixSync = "sync"
)

// PrivacyConfig 逐样本梯度处理相关配置
type PrivacyConfig struct {
	ClipMode        dpsgd.ClipMode  `yaml:"clip_mode"`
	ClipNorm        float64         `yaml:"clip_norm"`
	NormType        float64         `yaml:"norm_type"`
	MaxVal          float64         `yaml:"max_val"`
	PrunePercentage float64         `yaml:"prune_percentage"`
	PruneNoise      float64         `yaml:"prune_noise"`
	GroupSize       int             `yaml:"group_size"`
	AccumSteps      int             `yaml:"accum_steps"`
	Noise           dpsgd.NoiseKind `yaml:"noise"`
	NoiseScale      float64         `yaml:"noise_scale"`
	Delta           float64         `yaml:"delta"`
}

// MixConfig 模型混合相关配置
type MixConfig struct {
	Enabled bool    `yaml:"enabled"`
	GapRate float64 `yaml:"gap_rate"`
	Variant string  `yaml:"variant"`
}

// Config 一次训练的全部配置
type Config struct {
	Arch        string  `yaml:"arch"`
	Dataset     string  `yaml:"dataset"`
	DataDir     string  `yaml:"data_dir"`
	Epochs      int     `yaml:"epochs"`
	StartEpoch  int     `yaml:"start_epoch"`
	BatchSize   int     `yaml:"batch_size"`
	TestBatch   int     `yaml:"test_batch"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Milestones  []int   `yaml:"milestones"`
	Gamma       float64 `yaml:"gamma"`
	KeepBN      bool    `yaml:"keep_bn"`
	PrintFreq   int     `yaml:"print_freq"`
	Resume      string  `yaml:"resume"`
	Evaluate    bool    `yaml:"evaluate"`
	SaveDir     string  `yaml:"save_dir"`
	SaveEvery   int     `yaml:"save_every"`
	Seed        uint64  `yaml:"seed"`
	MonitorAddr string  `yaml:"monitor_addr"`

	// BN参数（非隐私训练）使用的学习率衰减节点
	BNMilestones []int `yaml:"bn_milestones"`

	Privacy PrivacyConfig `yaml:"privacy"`
	Mix     MixConfig     `yaml:"mix"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Arch:        "mlp",
		Dataset:     "fashion-mnist",
		DataDir:     "./data",
		Epochs:      200,
		BatchSize:   128,
		TestBatch:   256,
		LR:          0.1,
		Momentum:    0.9,
		WeightDecay: 1e-4,
		Milestones:  []int{50, 80},
		Gamma:       0.1,
		KeepBN:      true,
		PrintFreq:   10,
		SaveDir:     "save_temp",
		SaveEvery:   10,
		Seed:        42,

		BNMilestones: []int{40, 80},
		Privacy: PrivacyConfig{
			ClipMode:        dpsgd.ClipNorm,
			ClipNorm:        8,
			NormType:        2,
			MaxVal:          3,
			PrunePercentage: 99,
			GroupSize:       1,
			AccumSteps:      1,
			Noise:           dpsgd.NoiseGaussian,
			NoiseScale:      0.0025,
			Delta:           1e-5,
		},
		Mix: MixConfig{
			Enabled: true,
			GapRate: 0.2,
			Variant: MixAlternate,
		},
	}
}

// LoadFile 从YAML文件读取配置，文件中没有的字段保持原值
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "读取配置文件 %s 失败", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "解析配置文件 %s 失败: %v", path, err)
	}
	return nil
}

// Parse 按 默认值 -> 配置文件 -> 命令行参数 的顺序得到最终配置
func Parse(name string, args []string) (*Config, error) {
	cfg := NewConfig()
	flags := cfg.clone()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML配置文件路径")
	flags.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	// 只覆盖命令行中显式给出的参数
	fs.Visit(func(f *flag.Flag) {
		cfg.applyFlag(f.Name, flags)
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) clone() *Config {
	out := *c
	out.Milestones = append([]int(nil), c.Milestones...)
	out.BNMilestones = append([]int(nil), c.BNMilestones...)
	return &out
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Arch, "arch", c.Arch, fmt.Sprintf("网络结构: %v", network.ArchNames()))
	fs.StringVar(&c.Arch, "a", c.Arch, "同 -arch")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "数据集: mnist | fashion-mnist | cifar10")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "数据集目录")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "训练轮数")
	fs.IntVar(&c.StartEpoch, "start-epoch", c.StartEpoch, "起始轮数（恢复训练时使用）")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "批次大小")
	fs.IntVar(&c.BatchSize, "b", c.BatchSize, "同 -batch-size")
	fs.Float64Var(&c.LR, "lr", c.LR, "初始学习率")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "动量")
	fs.Float64Var(&c.WeightDecay, "weight-decay", c.WeightDecay, "权重衰减")
	fs.BoolVar(&c.KeepBN, "keep-bn", c.KeepBN, "BN参数单独做非隐私更新")
	fs.IntVar(&c.PrintFreq, "print-freq", c.PrintFreq, "打印频率（步）")
	fs.StringVar(&c.Resume, "resume", c.Resume, "检查点路径")
	fs.BoolVar(&c.Evaluate, "evaluate", c.Evaluate, "只在验证集上评估")
	fs.BoolVar(&c.Evaluate, "e", c.Evaluate, "同 -evaluate")
	fs.StringVar(&c.SaveDir, "save-dir", c.SaveDir, "模型保存目录")
	fs.IntVar(&c.SaveEvery, "save-every", c.SaveEvery, "每隔多少轮保存一次检查点")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "随机种子")
	fs.StringVar(&c.MonitorAddr, "monitor", c.MonitorAddr, "状态服务监听地址，例如 :8060，为空时不启动")
	fs.StringVar((*string)(&c.Privacy.ClipMode), "clip-mode", string(c.Privacy.ClipMode), "约束方式: none | norm | trunc | prune")
	fs.Float64Var(&c.Privacy.ClipNorm, "clip-norm", c.Privacy.ClipNorm, "逐样本裁剪阈值")
	fs.Float64Var(&c.Privacy.NormType, "norm-type", c.Privacy.NormType, "范数类型: 1 | 2")
	fs.Float64Var(&c.Privacy.MaxVal, "max-val", c.Privacy.MaxVal, "截断值")
	fs.Float64Var(&c.Privacy.PrunePercentage, "prune-percentage", c.Privacy.PrunePercentage, "剪枝百分位")
	fs.Float64Var(&c.Privacy.PruneNoise, "prune-noise", c.Privacy.PruneNoise, "剪枝阈值上的拉普拉斯噪声尺度")
	fs.StringVar((*string)(&c.Privacy.Noise), "noise", string(c.Privacy.Noise), "噪声类型: gaussian | laplace")
	fs.Float64Var(&c.Privacy.NoiseScale, "noise-scale", c.Privacy.NoiseScale, "噪声尺度")
	fs.IntVar(&c.Privacy.GroupSize, "group-size", c.Privacy.GroupSize, "分组大小")
	fs.IntVar(&c.Privacy.AccumSteps, "accum-steps", c.Privacy.AccumSteps, "梯度累积的小批次数")
	fs.BoolVar(&c.Mix.Enabled, "mix", c.Mix.Enabled, "是否混合两个副本")
	fs.Float64Var(&c.Mix.GapRate, "gap-rate", c.Mix.GapRate, "混合间隔系数，τ = lr × gap-rate")
	fs.StringVar(&c.Mix.Variant, "mix-variant", c.Mix.Variant, "混合方式: alternate | sync")
}

func (c *Config) applyFlag(name string, from *Config) {
	switch name {
	case "arch", "a":
		c.Arch = from.Arch
	case "dataset":
		c.Dataset = from.Dataset
	case "data-dir":
		c.DataDir = from.DataDir
	case "epochs":
		c.Epochs = from.Epochs
	case "start-epoch":
		c.StartEpoch = from.StartEpoch
	case "batch-size", "b":
		c.BatchSize = from.BatchSize
	case "lr":
		c.LR = from.LR
	case "momentum":
		c.Momentum = from.Momentum
	case "weight-decay":
		c.WeightDecay = from.WeightDecay
	case "keep-bn":
		c.KeepBN = from.KeepBN
	case "print-freq":
		c.PrintFreq = from.PrintFreq
	case "resume":
		c.Resume = from.Resume
	case "evaluate", "e":
		c.Evaluate = from.Evaluate
	case "save-dir":
		c.SaveDir = from.SaveDir
	case "save-every":
		c.SaveEvery = from.SaveEvery
	case "seed":
		c.Seed = from.Seed
	case "monitor":
		c.MonitorAddr = from.MonitorAddr
	case "clip-mode":
		c.Privacy.ClipMode = from.Privacy.ClipMode
	case "clip-norm":
		c.Privacy.ClipNorm = from.Privacy.ClipNorm
	case "norm-type":
		c.Privacy.NormType = from.Privacy.NormType
	case "max-val":
		c.Privacy.MaxVal = from.Privacy.MaxVal
	case "prune-percentage":
		c.Privacy.PrunePercentage = from.Privacy.PrunePercentage
	case "prune-noise":
		c.Privacy.PruneNoise = from.Privacy.PruneNoise
	case "noise":
		c.Privacy.Noise = from.Privacy.Noise
	case "noise-scale":
		c.Privacy.NoiseScale = from.Privacy.NoiseScale
	case "group-size":
		c.Privacy.GroupSize = from.Privacy.GroupSize
	case "accum-steps":
		c.Privacy.AccumSteps = from.Privacy.AccumSteps
	case "mix":
		c.Mix.Enabled = from.Mix.Enabled
	case "gap-rate":
		c.Mix.GapRate = from.Mix.GapRate
	case "mix-variant":
		c.Mix.Variant = from.Mix.Variant
	}
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	switch {
	case c.Epochs < 0 || c.StartEpoch < 0:
		return invalid("训练轮数不能为负数")
	case c.BatchSize <= 0 || c.TestBatch <= 0:
		return invalid("批次大小必须为正数")
	case c.LR <= 0:
		return invalid("学习率必须为正数, 实际 %v", c.LR)
	case c.PrintFreq <= 0:
		return invalid("打印频率必须为正数")
	case c.SaveEvery <= 0:
		return invalid("保存间隔必须为正数")
	case c.Gamma <= 0:
		return invalid("学习率衰减系数必须为正数")
	}
	if !knownArch(c.Arch) {
		return invalid("未知的网络结构 %q，可选: %v", c.Arch, network.ArchNames())
	}
	switch c.Dataset {
	case "mnist", "fashion-mnist", "cifar10":
	default:
		return invalid("未知的数据集 %q", c.Dataset)
	}

	p := c.Privacy
	switch p.ClipMode {
	case dpsgd.ClipNone, dpsgd.ClipNorm, dpsgd.ClipTrunc, dpsgd.ClipPrune:
	default:
		return invalid("未知的约束方式 %q", p.ClipMode)
	}
	if p.ClipMode == dpsgd.ClipNorm && p.ClipNorm <= 0 {
		return invalid("裁剪阈值必须为正数")
	}
	if p.ClipMode == dpsgd.ClipTrunc && p.MaxVal <= 0 {
		return invalid("截断值必须为正数")
	}
	if p.PrunePercentage < 0 || p.PrunePercentage > 100 {
		return invalid("剪枝百分位必须在[0,100]内")
	}
	if p.NormType != 1 && p.NormType != 2 {
		return invalid("范数类型只支持1或2, 实际 %v", p.NormType)
	}
	if p.GroupSize < 1 || c.BatchSize%p.GroupSize != 0 {
		return invalid("批次大小 %d 必须能被分组大小 %d 整除", c.BatchSize, p.GroupSize)
	}
	if p.AccumSteps < 1 {
		return invalid("梯度累积步数至少为1")
	}
	if p.Noise != dpsgd.NoiseGaussian && p.Noise != dpsgd.NoiseLaplace {
		return invalid("未知的噪声类型 %q", p.Noise)
	}
	if p.NoiseScale < 0 {
		return invalid("噪声尺度不能为负数")
	}
	if p.Delta <= 0 || p.Delta >= 1 {
		return invalid("delta必须在(0,1)内")
	}

	if c.Mix.Variant != MixAlternate && c.Mix.Variant != MixSync {
		return invalid("未知的混合方式 %q", c.Mix.Variant)
	}
	if c.Mix.GapRate < 0 {
		return invalid("混合间隔系数不能为负数")
	}
	return nil
}

func knownArch(arch string) bool {
	for _, name := range network.ArchNames() {
		if name == arch {
			return true
		}
	}
	return false
}

// PipelineConfig 转换为流水线配置
func (c *Config) PipelineConfig() dpsgd.PipelineConfig {
	p := c.Privacy
	return dpsgd.PipelineConfig{
		Mode:            p.ClipMode,
		ClipNorm:        p.ClipNorm,
		NormType:        p.NormType,
		MaxVal:          p.MaxVal,
		PrunePercentage: p.PrunePercentage,
		PruneNoise:      p.PruneNoise,
		GroupSize:       p.GroupSize,
		AccumSteps:      p.AccumSteps,
		Noise:           p.Noise,
		NoiseScale:      p.NoiseScale,
	}
}

// String 打印关键配置，格式参考原实验脚本的开头输出
func (c *Config) String() string {
	p := c.Privacy
	return fmt.Sprintf("结构 %s, 数据集 %s, 约束 %s (裁剪 %v, 截断 %v, 剪枝 %v%%), 分组 %d, 累积 %d, 噪声 %s %v, BN %v, 混合 %v %s 间隔 %v, 轮数 %d",
		c.Arch, c.Dataset, p.ClipMode, p.ClipNorm, p.MaxVal, p.PrunePercentage, p.GroupSize, p.AccumSteps,
		p.Noise, p.NoiseScale, c.KeepBN, c.Mix.Enabled, c.Mix.Variant, c.Mix.GapRate, c.Epochs)
}
