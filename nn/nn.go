// Package nn is a small convolutional network library for gridded regression.
//
// The API keeps every hyperparameter explicit. A network is either assembled
// layer by layer or, more commonly, from an ordered list of stage descriptors:
//
//	net, err := nn.FromStages(nn.NetworkConfig{Seed: 42, Workers: 4},
//		[]int{19, 27, 6},
//		[]nn.Stage{
//			nn.ConvStage{Filters: 16, Kernel: [2]int{3, 3}, Padding: "same", Activation: "relu"},
//			nn.PoolStage{Size: [2]int{2, 2}},
//			nn.FlattenStage{},
//			nn.DenseStage{Units: 8, Activation: "linear"},
//		})
//
//	err = net.Compile(nn.CompileConfig{
//		Optimizer: nn.Adam(nn.AdamConfig{
//			LR:      0.001,
//			Beta1:   0.9,
//			Beta2:   0.999,
//			Epsilon: 1e-7,
//		}),
//		Loss:         nn.MSE(nn.MSEConfig{Reduction: "mean"}),
//		Metrics:      []nn.Metric{nn.MeanAbsoluteError()},
//		Regularizer:  nn.NoReg(),
//		GradientClip: nn.GradientClipConfig{Mode: "none"},
//	})
//
//	result, err := net.Train(ctx, train, val, nn.TrainConfig{
//		Epochs:    50,
//		BatchSize: 32,
//		Shuffle:   true,
//	}, []nn.Callback{
//		nn.EarlyStopping(nn.EarlyStoppingConfig{
//			Monitor:     "val_loss",
//			Mode:        "min",
//			Patience:    5,
//			RestoreBest: true,
//		}),
//	})
//
// Tensors are float64, row-major, with a leading batch axis; images are NHWC.
package nn

// Version of the nn package
const Version = "1.1.0"
