package main

import (
	"MixDPDev/pkg/config"
	"MixDPDev/pkg/dataProcess"
	"MixDPDev/pkg/monitor"
	"MixDPDev/pkg/training"

	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"time"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	// 加载数据集
	trainDataset, testDataset, err := dataProcess.LoadDataset(cfg.Dataset, cfg.DataDir)
	if err != nil {
		log.Fatalf("加载数据集失败: %v", err)
	}

	// 打印数据集信息
	fmt.Printf("训练数据集包含 %d 个样本\n", trainDataset.Len())
	fmt.Printf("测试数据集包含 %d 个样本\n", testDataset.Len())

	// 训练集和测试集都使用训练集的统计量做归一化
	mean, std, err := dataProcess.ChannelStats(trainDataset)
	if err != nil {
		log.Fatalf("计算数据集统计量失败: %v", err)
	}
	trainLoader, err := dataProcess.NewLoader(trainDataset, dataProcess.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		DropLast:  true,
		Augment:   cfg.Dataset == "cifar10",
		Mean:      mean,
		Std:       std,
	}, rand.NewPCG(cfg.Seed, 4))
	if err != nil {
		log.Fatalf("创建训练数据加载器失败: %v", err)
	}
	testLoader, err := dataProcess.NewLoader(testDataset, dataProcess.LoaderOptions{
		BatchSize: cfg.TestBatch,
		Mean:      mean,
		Std:       std,
	}, rand.NewPCG(cfg.Seed, 5))
	if err != nil {
		log.Fatalf("创建测试数据加载器失败: %v", err)
	}

	// 两个副本独立初始化
	inputSize := trainDataset.InputSize()
	numClasses := trainDataset.NumClasses
	replicaA, err := training.NewReplica("A", cfg, inputSize, numClasses, rand.NewPCG(cfg.Seed, 0))
	if err != nil {
		log.Fatalf("创建模型失败: %v", err)
	}
	replicaB, err := training.NewReplica("B", cfg, inputSize, numClasses, rand.NewPCG(cfg.Seed, 1))
	if err != nil {
		log.Fatalf("创建模型失败: %v", err)
	}
	fmt.Println(replicaA.Net)

	trainer, err := training.NewTrainer(cfg, "", replicaA, replicaB, trainLoader, testLoader, nil)
	if err != nil {
		log.Fatalf("创建训练器失败: %v", err)
	}

	if cfg.MonitorAddr != "" {
		srv := monitor.NewServer(cfg.MonitorAddr, trainer.RunID, trainer.Replicas())
		trainer.SetReporter(srv)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("状态服务异常退出: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(ctx)
		}()
	}

	fmt.Printf("运行ID: %s\n", trainer.RunID)
	if err := trainer.Run(); err != nil {
		log.Fatalf("训练失败: %v", err)
	}

	// 展示一些测试样本的预测结果
	batch, ok := testLoader.Epoch().Next()
	if !ok {
		return
	}
	fmt.Println("\n测试样本预测结果:")
	for i := 0; i < 10 && i < batch.Size(); i++ {
		prediction := replicaA.Net.Predict(batch.Inputs[i])
		fmt.Printf("样本 %d 的预测类别：%d, 真实类别：%d\n", i+1, prediction, batch.Labels[i])
	}
}
