package dataProcess

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

/*
该文件实现数据集的加载
支持 MNIST / FashionMNIST（gzip压缩的IDX格式）和 CIFAR-10（二进制格式）
*/
type Dataset struct {
	Images     [][]byte
	Labels     []byte
	Channels   int
	Rows       int
	Cols       int
	NumClasses int
}

// InputSize 单个样本展平后的维度
func (d *Dataset) InputSize() int {
	return d.Channels * d.Rows * d.Cols
}

// Len 样本数
func (d *Dataset) Len() int {
	return len(d.Images)
}

// LoadImages 从 IDX 文件加载图像数据，返回图像以及行数、列数
func LoadImages(filename string) ([][]byte, int, int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("无法打开图像文件: %v", err)
	}
	defer file.Close()

	// 解压缩文件
	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("无法解压缩文件: %v", err)
	}
	defer reader.Close()
	return readImages(reader)
}

func readImages(reader io.Reader) ([][]byte, int, int, error) {
	// 读取 IDX 头信息（魔数、维度等）
	var header [4]int32
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("读取文件头失败: %v", err)
	}
	magicNumber, numImages, numRows, numCols := header[0], header[1], header[2], header[3]
	if magicNumber != 2051 {
		return nil, 0, 0, fmt.Errorf("文件格式不正确（魔数不匹配）")
	}
	if numImages < 0 || numRows <= 0 || numCols <= 0 {
		return nil, 0, 0, fmt.Errorf("文件头中的维度非法: %d×%d×%d", numImages, numRows, numCols)
	}

	// 读取图像数据
	images := make([][]byte, numImages)
	for i := 0; i < int(numImages); i++ {
		img := make([]byte, numRows*numCols)
		if _, err := io.ReadFull(reader, img); err != nil {
			return nil, 0, 0, fmt.Errorf("读取图像数据失败: %v", err)
		}
		images[i] = img
	}
	return images, int(numRows), int(numCols), nil
}

// LoadLabels 从 IDX 文件加载标签数据
func LoadLabels(filename string) ([]byte, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("无法打开标签文件: %v", err)
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("无法解压缩文件: %v", err)
	}
	defer reader.Close()
	return readLabels(reader)
}

func readLabels(reader io.Reader) ([]byte, error) {
	// 魔数用于验证文件的格式是否正确
	var magicNumber, numItems int32
	if err := binary.Read(reader, binary.BigEndian, &magicNumber); err != nil {
		return nil, fmt.Errorf("读取魔数失败: %v", err)
	}
	if magicNumber != 2049 {
		return nil, fmt.Errorf("文件格式不正确（魔数不匹配）")
	}
	if err := binary.Read(reader, binary.BigEndian, &numItems); err != nil {
		return nil, fmt.Errorf("读取标签数量失败: %v", err)
	}
	if numItems < 0 {
		return nil, fmt.Errorf("标签数量非法: %d", numItems)
	}

	labels := make([]byte, numItems)
	if _, err := io.ReadFull(reader, labels); err != nil {
		return nil, fmt.Errorf("读取标签数据失败: %v", err)
	}
	for i, l := range labels {
		if l > 9 {
			return nil, fmt.Errorf("第 %d 个标签 %d 非法", i, l)
		}
	}
	return labels, nil
}

// loadIDX 加载一组IDX格式的图像和标签
func loadIDX(imagePath, labelPath string) (*Dataset, error) {
	images, rows, cols, err := LoadImages(imagePath)
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(labelPath)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("图像数量 %d 与标签数量 %d 不一致", len(images), len(labels))
	}
	return &Dataset{Images: images, Labels: labels, Channels: 1, Rows: rows, Cols: cols, NumClasses: 10}, nil
}

const (
	cifarSide   = 32
	cifarRecord = 1 + 3*cifarSide*cifarSide
)

// LoadCIFAR10Batch 读取一个CIFAR-10二进制文件，每条记录为1字节标签+3072字节像素(CHW)
func LoadCIFAR10Batch(filename string) ([][]byte, []byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("无法打开CIFAR-10文件: %v", err)
	}
	if len(data)%cifarRecord != 0 {
		return nil, nil, fmt.Errorf("CIFAR-10文件 %s 大小 %d 不是记录长度 %d 的整数倍", filename, len(data), cifarRecord)
	}
	n := len(data) / cifarRecord
	images := make([][]byte, n)
	labels := make([]byte, n)
	for i := 0; i < n; i++ {
		record := data[i*cifarRecord : (i+1)*cifarRecord]
		if record[0] > 9 {
			return nil, nil, fmt.Errorf("第 %d 条记录的标签 %d 非法", i, record[0])
		}
		labels[i] = record[0]
		images[i] = append([]byte(nil), record[1:]...)
	}
	return images, labels, nil
}

func loadCIFAR10(files []string) (*Dataset, error) {
	ds := &Dataset{Channels: 3, Rows: cifarSide, Cols: cifarSide, NumClasses: 10}
	for _, f := range files {
		images, labels, err := LoadCIFAR10Batch(f)
		if err != nil {
			return nil, err
		}
		ds.Images = append(ds.Images, images...)
		ds.Labels = append(ds.Labels, labels...)
	}
	return ds, nil
}

// LoadDataset 加载训练和测试数据集
// mnist / fashion-mnist 目录下为标准的 *-idx?-ubyte.gz 文件，cifar10 目录下为 cifar-10-batches-bin
func LoadDataset(name, dir string) (*Dataset, *Dataset, error) {
	switch name {
	case "mnist", "fashion-mnist":
		base := filepath.Join(dir, name)
		trainDataset, err := loadIDX(filepath.Join(base, "train-images-idx3-ubyte.gz"), filepath.Join(base, "train-labels-idx1-ubyte.gz"))
		if err != nil {
			return nil, nil, fmt.Errorf("加载训练数据失败: %v", err)
		}
		testDataset, err := loadIDX(filepath.Join(base, "t10k-images-idx3-ubyte.gz"), filepath.Join(base, "t10k-labels-idx1-ubyte.gz"))
		if err != nil {
			return nil, nil, fmt.Errorf("加载测试数据失败: %v", err)
		}
		return trainDataset, testDataset, nil
	case "cifar10":
		base := filepath.Join(dir, "cifar-10-batches-bin")
		trainFiles := make([]string, 0, 5)
		for i := 1; i <= 5; i++ {
			trainFiles = append(trainFiles, filepath.Join(base, fmt.Sprintf("data_batch_%d.bin", i)))
		}
		trainDataset, err := loadCIFAR10(trainFiles)
		if err != nil {
			return nil, nil, fmt.Errorf("加载训练数据失败: %v", err)
		}
		testDataset, err := loadCIFAR10([]string{filepath.Join(base, "test_batch.bin")})
		if err != nil {
			return nil, nil, fmt.Errorf("加载测试数据失败: %v", err)
		}
		return trainDataset, testDataset, nil
	default:
		return nil, nil, fmt.Errorf("不支持的数据集: %s", name)
	}
}
