package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"github.com/i474232898/weather-forecast/internal/features"
)

// TrainConfig holds the training hyperparameters.
type TrainConfig struct {
	Hidden          []int
	Dropout         float64
	Epochs          int
	BatchSize       int
	LearningRate    float64
	ValidationSplit float64
	ClipNorm        float64
	Seed            uint64
}

// DefaultTrainConfig is LSTM(64) with dropout 0.2, then LSTM(32) and a
// dense output, trained with Adam at 1e-3.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Hidden:          []int{64, 32},
		Dropout:         0.2,
		Epochs:          20,
		BatchSize:       32,
		LearningRate:    0.001,
		ValidationSplit: 0.2,
		ClipNorm:        1.0,
		Seed:            42,
	}
}

func (c TrainConfig) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.ValidationSplit < 0 || c.ValidationSplit >= 1:
		return fmt.Errorf("validation split %v out of range [0,1)", c.ValidationSplit)
	}
	return nil
}

// EpochStats reports the losses after one epoch. TrainLoss is measured with
// dropout active; ValidationLoss without. Both are MSE in normalized units.
type EpochStats struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
}

// Report summarises a training run.
type Report struct {
	Epochs             []EpochStats
	BestEpoch          int
	BestValidationLoss float64
	TrainSamples       int
	ValidationSamples  int
}

// ErrNoSamples is returned when there is nothing to train on.
var ErrNoSamples = errors.New("no training samples")

// Train fits a fresh network on normalized samples and returns the weights
// from the epoch with the lowest validation loss. The run is reproducible for
// a given Seed. onEpoch may be nil.
func Train(ctx context.Context, samples []features.Sample, cfg TrainConfig, onEpoch func(EpochStats)) (*Network, Report, error) {
	if len(samples) == 0 {
		return nil, Report{}, ErrNoSamples
	}
	if err := cfg.validate(); err != nil {
		return nil, Report{}, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	width := samples[0].Window.Width()
	net, err := NewNetwork(width, cfg.Hidden, cfg.Dropout, rng)
	if err != nil {
		return nil, Report{}, err
	}
	for i, s := range samples {
		if s.Window.Width() != width || s.Window.Len() == 0 {
			return nil, Report{}, fmt.Errorf("%w: sample %d is %dx%d", ErrShape, i, s.Window.Len(), s.Window.Width())
		}
	}

	train, val := splitSamples(samples, cfg.ValidationSplit, rng)
	report := Report{
		TrainSamples:       len(train),
		ValidationSamples:  len(val),
		BestValidationLoss: math.Inf(1),
	}

	grads := newGradients(net)
	opt := newAdam(cfg.LearningRate, net.params())
	best := net.clone()

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sumSq float64
		for start := 0; start < len(order); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(order))
			grads.zero()
			scale := 2 / float64(end-start)
			for _, idx := range order[start:end] {
				s := train[idx]
				fp := net.forward(windowInputs(s.Window), rng)
				diff := fp.out - s.Label
				sumSq += diff * diff
				net.backward(fp, scale*diff, grads)
			}
			clipGlobalNorm(grads.slices(), cfg.ClipNorm)
			opt.step(net.params(), grads.slices())
		}

		stats := EpochStats{Epoch: epoch, TrainLoss: sumSq / float64(len(train))}
		if len(val) > 0 {
			stats.ValidationLoss, err = MeanSquaredError(net, val)
			if err != nil {
				return nil, report, err
			}
		} else {
			stats.ValidationLoss = stats.TrainLoss
		}

		if math.IsNaN(stats.TrainLoss) || math.IsInf(stats.TrainLoss, 0) {
			return nil, report, fmt.Errorf("training diverged at epoch %d", epoch)
		}
		if stats.ValidationLoss < report.BestValidationLoss {
			report.BestValidationLoss = stats.ValidationLoss
			report.BestEpoch = epoch
			best = net.clone()
		}
		report.Epochs = append(report.Epochs, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}
	}

	return best, report, nil
}

// Predictor maps a normalized window to a normalized target.
type Predictor interface {
	Predict(features.Window) (float64, error)
}

// MeanSquaredError scores p over samples. A *Network runs without dropout here.
func MeanSquaredError(p Predictor, samples []features.Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	var sum float64
	for i, s := range samples {
		y, err := p.Predict(s.Window)
		if err != nil {
			return 0, fmt.Errorf("sample %d: %w", i, err)
		}
		d := y - s.Label
		sum += d * d
	}
	return sum / float64(len(samples)), nil
}

// splitSamples shuffles a copy of samples and holds out the given fraction for
// validation. At least one sample stays in the training set.
func splitSamples(samples []features.Sample, fraction float64, rng *rand.Rand) (train, val []features.Sample) {
	shuffled := make([]features.Sample, len(samples))
	copy(shuffled, samples)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nVal := int(float64(len(shuffled)) * fraction)
	if fraction > 0 && nVal == 0 && len(shuffled) > 1 {
		nVal = 1
	}
	if nVal >= len(shuffled) {
		nVal = len(shuffled) - 1
	}
	nTrain := len(shuffled) - nVal
	return shuffled[:nTrain], shuffled[nTrain:]
}

func clipGlobalNorm(grads [][]float64, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	var sq float64
	for _, g := range grads {
		sq += floats.Dot(g, g)
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm {
		return
	}
	for _, g := range grads {
		floats.Scale(maxNorm/norm, g)
	}
}

type adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
	m     [][]float64
	v     [][]float64
}

func newAdam(lr float64, params [][]float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
}
