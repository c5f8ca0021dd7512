// Package config loads the YAML settings shared by the sketch2face commands.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"sketch2face/data"
)

type Data struct {
	SketchDir   string `yaml:"sketch_dir"`
	RealDir     string `yaml:"real_dir"`
	Limit       int    `yaml:"limit"`
	TrainCount  int    `yaml:"train_count"`
	SkipMissing bool   `yaml:"skip_missing"`
	Workers     int    `yaml:"workers"`
}

type Model struct {
	Path   string    `yaml:"path"`
	Widths []int64   `yaml:"widths"`
	Size   data.Size `yaml:"size"`
}

type Train struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Seed         int64   `yaml:"seed"`
	Prefetch     int     `yaml:"prefetch"`
	HistoryCSV   string  `yaml:"history_csv"`
	HistoryPlot  string  `yaml:"history_plot"`
}

type Serve struct {
	Addr           string `yaml:"addr"`
	UploadDir      string `yaml:"upload_dir"`
	ExtractSketch  bool   `yaml:"extract_sketch"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	LoadRetries    uint64 `yaml:"load_retries"`
}

type Log struct {
	Path  string `yaml:"path"`
	Debug bool   `yaml:"debug"`
}

// Config is the full configuration file.
type Config struct {
	Device string `yaml:"device"`
	Data   Data   `yaml:"data"`
	Model  Model  `yaml:"model"`
	Train  Train  `yaml:"train"`
	Serve  Serve  `yaml:"serve"`
	Log    Log    `yaml:"log"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Device: "auto",
		Data: Data{
			SketchDir:  "data/celeba_sketches_10k",
			RealDir:    "data/celeba_real_images_10k",
			Limit:      10000,
			TrainCount: 9000,
		},
		Model: Model{
			Path:   "sketch2image_best.gob",
			Widths: []int64{16, 32, 64, 128, 256},
			Size:   data.WorkingSize,
		},
		Train: Train{
			Epochs:       80,
			BatchSize:    8,
			LearningRate: 1e-3,
			Seed:         1,
			Prefetch:     2,
			HistoryCSV:   "sketch2image_training_history.csv",
			HistoryPlot:  "sketch2image_training_history.png",
		},
		Serve: Serve{
			Addr:           ":5000",
			UploadDir:      "static/uploads",
			ExtractSketch:  true,
			TimeoutSeconds: 30,
			LoadRetries:    3,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside training.
func (c Config) Validate() error {
	if len(c.Model.Widths) != 5 {
		return errors.Errorf("model.widths needs 5 entries, got %d", len(c.Model.Widths))
	}
	for _, w := range c.Model.Widths {
		if w <= 0 {
			return errors.Errorf("model.widths must be positive, got %v", c.Model.Widths)
		}
	}
	if c.Model.Size.Height <= 0 || c.Model.Size.Width <= 0 {
		return errors.Errorf("model.size must be positive, got %dx%d", c.Model.Size.Height, c.Model.Size.Width)
	}
	if c.Train.BatchSize <= 0 || c.Train.Epochs <= 0 {
		return errors.Errorf("train.batch_size and train.epochs must be positive")
	}
	if c.Train.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be positive")
	}
	return nil
}

// ModelWidths returns Model.Widths as the fixed-size array the network takes.
func (c Config) ModelWidths() [5]int64 {
	var w [5]int64
	copy(w[:], c.Model.Widths)
	return w
}
