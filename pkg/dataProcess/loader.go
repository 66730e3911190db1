package dataProcess

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// cifar风格的随机裁剪填充宽度
const cropPadding = 4

// OneHotEncode 将标签转换为one-hot编码
func OneHotEncode(label int, numClasses int) *mat.VecDense {
	oneHot := mat.NewVecDense(numClasses, nil)
	oneHot.SetVec(label, 1.0)
	return oneHot
}

// ChannelStats 按通道计算像素(缩放到[0,1]后)的均值和标准差
func ChannelStats(ds *Dataset) ([]float64, []float64, error) {
	if ds.Len() == 0 {
		return nil, nil, fmt.Errorf("数据集为空")
	}
	plane := ds.Rows * ds.Cols
	means := make([]float64, ds.Channels)
	stds := make([]float64, ds.Channels)
	values := make([]float64, 0, ds.Len()*plane)
	for c := 0; c < ds.Channels; c++ {
		values = values[:0]
		for _, img := range ds.Images {
			for _, px := range img[c*plane : (c+1)*plane] {
				values = append(values, float64(px)/255.0)
			}
		}
		means[c], stds[c] = stat.MeanStdDev(values, nil)
		if stds[c] == 0 {
			stds[c] = 1
		}
	}
	return means, stds, nil
}

// LoaderOptions 批次加载选项
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	// 丢弃最后不满一个批次的样本
	DropLast bool
	// 随机裁剪和水平翻转，只对多通道图像生效
	Augment bool
	Mean    []float64
	Std     []float64
}

// Batch 一个小批次
type Batch struct {
	Inputs  []*mat.VecDense
	Targets []*mat.VecDense
	Labels  []int
}

// Size 批次中的样本数
func (b *Batch) Size() int {
	return len(b.Inputs)
}

// Loader 按批次遍历数据集
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

func NewLoader(ds *Dataset, opts LoaderOptions, src rand.Source) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("批次大小必须为正数, 实际 %d", opts.BatchSize)
	}
	if len(opts.Mean) != ds.Channels || len(opts.Std) != ds.Channels {
		return nil, fmt.Errorf("归一化参数的通道数与数据集不一致: %d/%d vs %d", len(opts.Mean), len(opts.Std), ds.Channels)
	}
	for i, l := range ds.Labels {
		if int(l) >= ds.NumClasses {
			return nil, fmt.Errorf("样本 %d 的标签 %d 超出类别数 %d", i, l, ds.NumClasses)
		}
	}
	return &Loader{ds: ds, opts: opts, rng: rand.New(src)}, nil
}

// Dataset 返回底层数据集
func (l *Loader) Dataset() *Dataset {
	return l.ds
}

// NumBatches 每个epoch的批次数
func (l *Loader) NumBatches() int {
	n := l.ds.Len() / l.opts.BatchSize
	if !l.opts.DropLast && l.ds.Len()%l.opts.BatchSize != 0 {
		n++
	}
	return n
}

// Epoch 开始新的一轮遍历
func (l *Loader) Epoch() *BatchIterator {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &BatchIterator{loader: l, order: order}
}

// BatchIterator 一个epoch内的批次迭代器
type BatchIterator struct {
	loader *Loader
	order  []int
	pos    int
}

// Next 返回下一个批次，遍历结束时返回false
func (it *BatchIterator) Next() (*Batch, bool) {
	l := it.loader
	remaining := len(it.order) - it.pos
	if remaining <= 0 || (l.opts.DropLast && remaining < l.opts.BatchSize) {
		return nil, false
	}
	size := l.opts.BatchSize
	if remaining < size {
		size = remaining
	}
	batch := &Batch{
		Inputs:  make([]*mat.VecDense, size),
		Targets: make([]*mat.VecDense, size),
		Labels:  make([]int, size),
	}
	for i := 0; i < size; i++ {
		idx := it.order[it.pos+i]
		label := int(l.ds.Labels[idx])
		batch.Inputs[i] = l.sample(l.ds.Images[idx])
		batch.Targets[i] = OneHotEncode(label, l.ds.NumClasses)
		batch.Labels[i] = label
	}
	it.pos += size
	return batch, true
}

// sample 把一张图像转换为归一化后的输入向量
func (l *Loader) sample(img []byte) *mat.VecDense {
	ds := l.ds
	plane := ds.Rows * ds.Cols
	out := mat.NewVecDense(ds.InputSize(), nil)

	dx, dy, flip := 0, 0, false
	if l.opts.Augment && ds.Channels > 1 {
		dx = l.rng.IntN(2*cropPadding+1) - cropPadding
		dy = l.rng.IntN(2*cropPadding+1) - cropPadding
		flip = l.rng.IntN(2) == 1
	}

	for c := 0; c < ds.Channels; c++ {
		mean, std := l.opts.Mean[c], l.opts.Std[c]
		for r := 0; r < ds.Rows; r++ {
			for col := 0; col < ds.Cols; col++ {
				srcCol := col
				if flip {
					srcCol = ds.Cols - 1 - col
				}
				sr, sc := r+dy, srcCol+dx
				// 裁剪到填充区域时像素为0
				px := 0.0
				if sr >= 0 && sr < ds.Rows && sc >= 0 && sc < ds.Cols {
					px = float64(img[c*plane+sr*ds.Cols+sc]) / 255.0
				}
				out.SetVec(c*plane+r*ds.Cols+col, (px-mean)/std)
			}
		}
	}
	return out
}
