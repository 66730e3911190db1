package training

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"MixDPDev/pkg/checkpoint"
	"MixDPDev/pkg/config"
	"MixDPDev/pkg/dataProcess"
	"MixDPDev/pkg/dpsgd"
	"MixDPDev/pkg/network"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Progress 训练进度
type Progress struct {
	RunID      string  `json:"run_id"`
	Phase      string  `json:"phase"`
	Replica    string  `json:"replica"`
	Epoch      int     `json:"epoch"`
	Step       int     `json:"step"`
	Steps      int     `json:"steps"`
	LR         float64 `json:"lr"`
	Tau        float64 `json:"tau"`
	Loss       float64 `json:"loss"`
	Prec1      float64 `json:"prec1"`
	BestPrec1  float64 `json:"best_prec1"`
	Epsilon    float64 `json:"epsilon"`
	Cosine     float64 `json:"cosine"`
	MixChanged float64 `json:"mix_changed"`
	NormMean   float64 `json:"norm_mean"`
	NormStd    float64 `json:"norm_std"`
	NormMedian float64 `json:"norm_median"`
	NormMax    float64 `json:"norm_max"`
}

// 进度阶段
const (
	PhaseTrain    = "train"
	PhaseValidate = "validate"
	PhaseEpoch    = "epoch"
)

// Reporter 接收训练进度
type Reporter interface {
	Report(p Progress)
}

type nopReporter struct{}

func (nopReporter) Report(Progress) {}

// Replica 一个模型副本及其优化器
type Replica struct {
	Name string
	Net  *network.NeuronNetwork
	// 隐私梯度使用的优化器
	Optimizer *dpsgd.SGD
	// BN参数的非隐私优化器
	BNOptimizer *dpsgd.SGD
}

// NewReplica 按配置创建副本
func NewReplica(name string, cfg *config.Config, inputSize, numClasses int, src rand.Source) (*Replica, error) {
	nn, err := network.NewArchitecture(cfg.Arch, inputSize, numClasses, src)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	return &Replica{
		Name:        name,
		Net:         nn,
		Optimizer:   dpsgd.NewSGD(cfg.LR, cfg.Momentum, cfg.WeightDecay),
		BNOptimizer: dpsgd.NewSGD(cfg.LR, cfg.Momentum, cfg.WeightDecay),
	}, nil
}

// Trainer 两个副本的差分隐私训练
type Trainer struct {
	RunID string

	cfg         *config.Config
	replicas    [2]*Replica
	pipeline    *dpsgd.Pipeline
	mixer       *dpsgd.Mixer
	scheduler   LRScheduler
	bnScheduler LRScheduler
	accountant  *dpsgd.Accountant
	trainLoader *dataProcess.Loader
	testLoader  *dataProcess.Loader
	reporter    Reporter

	updates    int
	startEpoch int
	bestPrec1  float64
	epsilon    float64

	// 本轮每个小批次逐样本范数的均值和标准差
	normVec []float64
	stdVec  []float64
}

// NewTrainer runID为空时自动生成
func NewTrainer(cfg *config.Config, runID string, a, b *Replica, trainLoader, testLoader *dataProcess.Loader, reporter Reporter) (*Trainer, error) {
	if err := a.Net.StateDict().CheckCompatible(b.Net.StateDict()); err != nil {
		return nil, errors.Wrap(dpsgd.ErrShapeMismatch, err.Error())
	}
	pipeline, err := dpsgd.NewPipeline(cfg.PipelineConfig(), rand.NewPCG(cfg.Seed, 2))
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	t := &Trainer{
		RunID:       runID,
		cfg:         cfg,
		replicas:    [2]*Replica{a, b},
		pipeline:    pipeline,
		mixer:       dpsgd.NewMixer(0, rand.NewPCG(cfg.Seed, 3)),
		scheduler:   NewScheduler(cfg.LR, cfg.Milestones, cfg.Gamma),
		bnScheduler: NewScheduler(cfg.LR, cfg.BNMilestones, cfg.Gamma),
		trainLoader: trainLoader,
		testLoader:  testLoader,
		reporter:    reporter,
		startEpoch:  cfg.StartEpoch,
	}
	p := cfg.Privacy
	if p.ClipMode == dpsgd.ClipNorm && p.Noise == dpsgd.NoiseGaussian && p.NoiseScale > 0 {
		t.accountant = dpsgd.NewAccountant(p.Delta)
	}
	return t, nil
}

// SetReporter 设置进度接收方，nil表示不上报
func (t *Trainer) SetReporter(r Reporter) {
	if r == nil {
		r = nopReporter{}
	}
	t.reporter = r
}

// Replicas 返回两个副本（A在前）
func (t *Trainer) Replicas() []*Replica {
	return t.replicas[:]
}

// BestPrec1 目前为止A在验证集上的最好准确率
func (t *Trainer) BestPrec1() float64 {
	return t.bestPrec1
}

// Run 完整的训练过程：恢复检查点、逐轮训练、验证并保存
func (t *Trainer) Run() error {
	if t.cfg.Resume != "" {
		if err := t.Resume(t.cfg.Resume); err != nil {
			return err
		}
	}

	if t.cfg.Evaluate {
		for _, r := range t.replicas {
			if _, err := t.Validate(r); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Println(t.cfg.String())
	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		lr := t.scheduler.LR(epoch)
		t.setLR(lr, t.bnScheduler.LR(epoch))
		fmt.Printf("当前学习率: %.5f\n", lr)

		if err := t.TrainEpoch(epoch); err != nil {
			return errors.Wrapf(err, "第 %d 轮训练失败", epoch)
		}
		prec1, err := t.Validate(t.replicas[0])
		if err != nil {
			return err
		}
		if prec1 > t.bestPrec1 {
			t.bestPrec1 = prec1
		}
		if len(t.normVec) > 0 {
			fmt.Printf("逐样本范数: 均值 %.4f, 标准差 %.4f (%d 个小批次)\n",
				stat.Mean(t.normVec, nil), stat.Mean(t.stdVec, nil), len(t.normVec))
		}
		if t.accountant != nil {
			eps, order := t.accountant.Epsilon()
			t.epsilon = eps
			fmt.Printf("隐私预算: ε = %.4f (δ = %.0e, 阶数 %.0f)\n", eps, t.cfg.Privacy.Delta, order)
		}
		t.reporter.Report(Progress{
			RunID: t.RunID, Phase: PhaseEpoch, Replica: t.replicas[0].Name, Epoch: epoch,
			LR: lr, Tau: lr * t.cfg.Mix.GapRate, Prec1: prec1, BestPrec1: t.bestPrec1, Epsilon: t.epsilon,
		})

		if err := t.save(epoch); err != nil {
			return err
		}
	}
	fmt.Printf("训练结束, 最好准确率: %.3f\n", t.bestPrec1)
	return nil
}

func (t *Trainer) setLR(lr, bnLR float64) {
	for _, r := range t.replicas {
		r.Optimizer.LR = lr
		r.BNOptimizer.LR = bnLR
	}
}

// activeReplicas 返回本次更新的训练副本和混合对象
func (t *Trainer) activeReplicas() (*Replica, *Replica) {
	if t.cfg.Mix.Variant == config.MixAlternate && t.updates%2 == 1 {
		return t.replicas[1], t.replicas[0]
	}
	return t.replicas[0], t.replicas[1]
}

// TrainEpoch 训练一轮
func (t *Trainer) TrainEpoch(epoch int) error {
	lr := t.scheduler.LR(epoch)
	tau := lr * t.cfg.Mix.GapRate
	t.mixer.Tau = tau
	fmt.Printf("混合间隔 τ = %v\n", tau)
	// 上一轮未凑满的累积直接丢弃
	t.pipeline.Reset()
	t.normVec = t.normVec[:0]
	t.stdVec = t.stdVec[:0]

	var batchTime, losses, top1 AverageMeter
	steps := t.trainLoader.NumBatches()
	it := t.trainLoader.Epoch()
	end := time.Now()
	for i := 0; ; i++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		if batch.Size() < t.cfg.BatchSize {
			// 不满一个批次无法按组划分
			continue
		}

		out, err := t.step(batch)
		if err != nil {
			return errors.Wrapf(err, "第 %d 步", i)
		}
		norms := dpsgd.SummarizeNorms(out.result.Norms)
		t.normVec = append(t.normVec, norms.Mean)
		t.stdVec = append(t.stdVec, norms.Std)
		losses.Update(out.loss, batch.Size())
		top1.Update(out.prec1, batch.Size())
		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if i > 0 && i%t.cfg.PrintFreq == 0 {
			if out.result != nil && out.result.Ready {
				fmt.Printf("梯度方向相似度: %.4f\n", out.cosine)
			}
			fmt.Printf("Epoch: [%d][%d/%d]\tTime %.3f (%.3f)\tLoss %.4f (%.4f)\tPrec@1 %.3f (%.3f)\n",
				epoch, i, steps, batchTime.Val, batchTime.Avg, losses.Val, losses.Avg, top1.Val, top1.Avg)
			fmt.Printf("逐样本范数: 均值 %.4f 标准差 %.4f 中位数 %.4f 最大值 %.4f\n",
				norms.Mean, norms.Std, norms.Median, norms.Max)
			t.reporter.Report(Progress{
				RunID: t.RunID, Phase: PhaseTrain, Replica: out.replica, Epoch: epoch, Step: i, Steps: steps,
				LR: lr, Tau: tau, Loss: losses.Avg, Prec1: top1.Avg, BestPrec1: t.bestPrec1,
				Epsilon: t.epsilon, Cosine: out.cosine, MixChanged: out.mix.ChangedFraction(),
				NormMean: norms.Mean, NormStd: norms.Std, NormMedian: norms.Median, NormMax: norms.Max,
			})
		}
	}
	return nil
}

type stepOutput struct {
	replica string
	loss    float64
	prec1   float64
	cosine  float64
	mix     dpsgd.MixStats
	result  *dpsgd.BatchResult
}

// step 处理一个小批次；累积满后混合并更新训练副本
func (t *Trainer) step(batch *dataProcess.Batch) (*stepOutput, error) {
	active, partner := t.activeReplicas()
	out := &stepOutput{replica: active.Name}

	if err := t.updateBatchNorm(active, batch); err != nil {
		return nil, err
	}

	sd := active.Net.StateDict()
	loss, correct := active.Net.EvaluateBatch(batch.Inputs, batch.Targets)
	out.loss = loss
	out.prec1 = Precision(correct, batch.Size())

	set, err := dpsgd.Collect(active.Net, sd, batch.Inputs, batch.Targets)
	if err != nil {
		return nil, err
	}
	private := set.Filter(func(name string) bool { return !network.IsBatchNorm(name) })
	res, err := t.pipeline.Process(private)
	if err != nil {
		return nil, err
	}
	out.result = res
	if !res.Ready {
		return out, nil
	}

	if t.cfg.Mix.Enabled {
		stats, err := t.mixer.MixInto(active.Net, partner.Net, res.Mask)
		if err != nil {
			return nil, err
		}
		out.mix = stats
	}
	if t.cfg.Mix.Variant == config.MixSync {
		if err := partner.Net.LoadStateDict(active.Net.StateDict().Clone()); err != nil {
			return nil, err
		}
	}
	if err := active.Optimizer.Apply(active.Net, res.Grad); err != nil {
		return nil, err
	}
	out.cosine = dpsgd.CosineSimilarity(res.Grad, res.TrueGrad)

	if t.accountant != nil {
		pc := t.pipeline.Config()
		n := t.trainLoader.Dataset().Len()
		q := float64(t.cfg.BatchSize*pc.AccumSteps) / float64(n)
		sigma := dpsgd.NoiseMultiplier(pc.NoiseScale, pc.ClipNorm, t.cfg.BatchSize/pc.GroupSize, pc.AccumSteps)
		t.accountant.Step(min(q, 1), sigma, 1)
	}
	t.updates++
	return out, nil
}

// updateBatchNorm BN参数用批次平均梯度做非隐私更新，同时更新滑动统计量
func (t *Trainer) updateBatchNorm(r *Replica, batch *dataProcess.Batch) error {
	sd := r.Net.StateDict()
	if !hasBatchNorm(sd) {
		return nil
	}
	next := sd
	if t.cfg.KeepBN {
		set, err := dpsgd.Collect(r.Net, sd, batch.Inputs, batch.Targets)
		if err != nil {
			return err
		}
		grads, err := set.Filter(network.IsBatchNorm).Mean()
		if err != nil {
			return err
		}
		if next, err = r.BNOptimizer.Step(sd, grads); err != nil {
			return err
		}
	}
	return r.Net.LoadStateDict(r.Net.BatchNormStats(next, batch.Inputs))
}

func hasBatchNorm(sd *network.StateDict) bool {
	for _, name := range sd.Parameters() {
		if network.IsBatchNorm(name) {
			return true
		}
	}
	return false
}

// Validate 在测试集上评估一个副本，返回top-1准确率
func (t *Trainer) Validate(r *Replica) (float64, error) {
	var losses, top1 AverageMeter
	it := t.testLoader.Epoch()
	for {
		batch, ok := it.Next()
		if !ok {
			break
		}
		loss, correct := r.Net.EvaluateBatch(batch.Inputs, batch.Targets)
		losses.Update(loss, batch.Size())
		top1.Update(Precision(correct, batch.Size()), batch.Size())
	}
	if top1.Count == 0 {
		return 0, errors.New("验证集为空")
	}
	fmt.Printf(" * 副本 %s Prec@1 %.3f Loss %.4f\n", r.Name, top1.Avg, losses.Avg)
	t.reporter.Report(Progress{
		RunID: t.RunID, Phase: PhaseValidate, Replica: r.Name,
		Loss: losses.Avg, Prec1: top1.Avg, BestPrec1: t.bestPrec1, Epsilon: t.epsilon,
	})
	return top1.Avg, nil
}

// Resume 从检查点恢复两个副本；文件不存在时只打印提示
func (t *Trainer) Resume(path string) error {
	ckpt, err := checkpoint.Load(path)
	if os.IsNotExist(err) {
		fmt.Printf("=> 未找到检查点 '%s'，从随机初始化开始\n", path)
		return nil
	}
	if err != nil {
		return err
	}
	nets := make([]*network.NeuronNetwork, 0, len(t.replicas))
	for _, r := range t.replicas {
		nets = append(nets, r.Net)
	}
	if err := checkpoint.Restore(ckpt, nets...); err != nil {
		return errors.Wrapf(err, "恢复检查点 %s", path)
	}
	t.startEpoch = ckpt.Epoch
	t.bestPrec1 = ckpt.BestPrec1
	fmt.Printf("=> 已加载检查点 '%s' (epoch %d, 最好准确率 %.3f)\n", path, ckpt.Epoch, ckpt.BestPrec1)
	return nil
}

// save 每轮保存model.th，每save_every轮保存checkpoint.th
func (t *Trainer) save(epoch int) error {
	ckpt := &checkpoint.Checkpoint{
		RunID:     t.RunID,
		Epoch:     epoch + 1,
		BestPrec1: t.bestPrec1,
		State:     t.replicas[0].Net.StateDict(),
	}
	if epoch > 0 && epoch%t.cfg.SaveEvery == 0 {
		if err := checkpoint.Save(filepath.Join(t.cfg.SaveDir, checkpoint.CheckpointFile), ckpt); err != nil {
			return err
		}
	}
	return checkpoint.Save(filepath.Join(t.cfg.SaveDir, checkpoint.ModelFile), ckpt)
}
