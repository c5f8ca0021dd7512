package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
	"go.uber.org/zap"

	"sketch2face/config"
	"sketch2face/data"
	"sketch2face/ml"
	"sketch2face/serve"
	"sketch2face/util"
)

var (
	configPath string
	cfg        config.Config
)

func selectDevice(name string) torch.Device {
	switch {
	case name == "auto" && torch.IsCUDAAvailable():
		util.Logger.Info("CUDA is valid")
		return torch.NewDevice("cuda")
	case name == "auto":
		util.Logger.Info("No CUDA found; CPU only")
		return torch.NewDevice("cpu")
	}
	return torch.NewDevice(name)
}

func main() {
	root := &cobra.Command{
		Use:           "sketch2face",
		Short:         "Translate face sketches into photos with a U-Net",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			return util.InitLogger(cfg.Log.Path, cfg.Log.Debug)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.AddCommand(trainCmd(), synthCmd(), predictCmd(), serveCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		util.Logger.Error("command failed", zap.Error(err))
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func trainCmd() *cobra.Command {
	var epochs int
	var lr float64
	var save string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the network on paired sketch/photo directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("epochs") {
				cfg.Train.Epochs = epochs
			}
			if cmd.Flags().Changed("lr") {
				cfg.Train.LearningRate = lr
			}
			if cmd.Flags().Changed("save") {
				cfg.Model.Path = save
			}
			return train(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&epochs, "epochs", 80, "number of epochs")
	cmd.Flags().Float64Var(&lr, "lr", 1e-3, "learning rate")
	cmd.Flags().StringVar(&save, "save", "", "the model file")
	return cmd
}

func train(ctx context.Context) error {
	initializer.ManualSeed(cfg.Train.Seed)
	device := selectDevice(cfg.Device)

	ids, err := data.ListIDs(cfg.Data.SketchDir, cfg.Data.Limit)
	if err != nil {
		return err
	}
	trainIDs, valIDs, err := data.Split(ids, cfg.Data.TrainCount)
	if err != nil {
		return err
	}
	util.Logger.Info("dataset", zap.Int("train", len(trainIDs)), zap.Int("val", len(valIDs)))

	sketches := data.DirStore{Dir: cfg.Data.SketchDir}
	targets := data.DirStore{Dir: cfg.Data.RealDir}
	opts := data.Options{SkipMissing: cfg.Data.SkipMissing, Workers: cfg.Data.Workers}
	trainSrc, err := data.NewPairedBatchSource(trainIDs, sketches, targets, cfg.Train.BatchSize, cfg.Model.Size, opts)
	if err != nil {
		return err
	}
	valSrc, err := data.NewPairedBatchSource(valIDs, sketches, targets, cfg.Train.BatchSize, cfg.Model.Size, opts)
	if err != nil {
		return err
	}

	net, err := ml.NewUNet(cfg.ModelWidths(), cfg.Model.Size)
	if err != nil {
		return err
	}
	net.ToDevice(device)

	t := &ml.Trainer{
		Net:          net,
		Train:        trainSrc,
		Val:          valSrc,
		Store:        ml.GobStore{Path: cfg.Model.Path},
		History:      &ml.FileHistory{CSVPath: cfg.Train.HistoryCSV, PlotPath: cfg.Train.HistoryPlot},
		Epochs:       cfg.Train.Epochs,
		LearningRate: cfg.Train.LearningRate,
		Seed:         cfg.Train.Seed,
		Prefetch:     cfg.Train.Prefetch,
	}
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	util.Logger.Info("training complete and history saved",
		zap.Int("best_epoch", res.BestEpoch), zap.Float64("best_val_loss", res.BestValLoss))
	return nil
}

func synthCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "synth <photo-dir> <sketch-dir>",
		Short: "Write a sketch for every photo of a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := data.SynthesizeDir(args[0], args[1], cfg.Model.Size, limit)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "convert at most this many photos (0 for all)")
	return cmd
}

// loadHandle always returns a handle; the caller closes it.
func loadHandle() (*ml.ModelHandle, error) {
	h := ml.NewModelHandle(ml.GobStore{Path: cfg.Model.Path}, selectDevice(cfg.Device))
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.Serve.LoadRetries)
	err := backoff.RetryNotify(h.Reload, policy, func(err error, wait time.Duration) {
		util.Logger.Warn("loading model failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	return h, err
}

func predictCmd() *cobra.Command {
	var sketch bool
	cmd := &cobra.Command{
		Use:   "predict <input-image> <output-image>",
		Short: "Translate one sketch image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := loadHandle()
			defer h.Close()
			if err != nil {
				return err
			}
			in, err := data.ReadRGB(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			p := &ml.Predictor{Model: h, ExtractSketch: sketch}
			out, err := p.Predict(cmd.Context(), in)
			if err != nil {
				return err
			}
			defer out.Close()
			return data.WriteRGB(args[1], out)
		},
	}
	cmd.Flags().BoolVar(&sketch, "extract-sketch", false, "run the input through sketch extraction first")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(cfg.Serve.UploadDir, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", filepath.Clean(cfg.Serve.UploadDir))
			}
			h, err := loadHandle()
			defer h.Close()
			if err != nil {
				util.Logger.Error("error loading model", zap.Error(err))
			}
			s := &serve.Server{
				Predictor: &ml.Predictor{Model: h, ExtractSketch: cfg.Serve.ExtractSketch},
				UploadDir: cfg.Serve.UploadDir,
				Timeout:   time.Duration(cfg.Serve.TimeoutSeconds) * time.Second,
			}
			util.Logger.Info("listening", zap.String("addr", cfg.Serve.Addr))
			return http.ListenAndServe(cfg.Serve.Addr, s.Handler())
		},
	}
}
