// Package memwatch polls host memory and reports a deficit when free memory
// falls below a floor, so a cache can give memory back before the host
// starts swapping.
package memwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ErrUnsupported is returned on platforms without a memory sampler.
var ErrUnsupported = errors.New("memwatch: not supported on this platform")

// Sample is one reading of host memory in bytes.
type Sample struct {
	Total     uint64
	Available uint64
}

// Config tunes a Watcher. Zero values select defaults.
type Config struct {
	// Interval between samples (default 1s).
	Interval time.Duration
	// MinFreeFraction of total memory that should stay available (default 1/32).
	MinFreeFraction float64
	// MinFreeBytes is an absolute floor, applied when larger than the fraction.
	MinFreeBytes uint64
	Logger       *slog.Logger
}

// Watcher samples memory and calls onPressure with the byte deficit
// whenever available memory is below the floor.
type Watcher struct {
	cfg        Config
	sample     func() (Sample, error)
	onPressure func(deficit int64)
	log        *slog.Logger
}

// New builds a Watcher using the platform sampler.
func New(cfg Config, onPressure func(deficit int64)) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MinFreeFraction <= 0 {
		cfg.MinFreeFraction = 1.0 / 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		cfg:        cfg,
		sample:     sampleHost,
		onPressure: onPressure,
		log:        cfg.Logger.With("component", "memwatch"),
	}
}

// Check takes one sample and reports the deficit (0 when memory is fine).
// onPressure is called for a positive deficit.
func (w *Watcher) Check() (int64, error) {
	s, err := w.sample()
	if err != nil {
		return 0, err
	}
	floor := max(uint64(float64(s.Total)*w.cfg.MinFreeFraction), w.cfg.MinFreeBytes)
	if s.Available >= floor {
		return 0, nil
	}
	deficit := int64(floor - s.Available)
	w.log.Debug("memory pressure", "available", s.Available, "floor", floor, "deficit", deficit)
	if w.onPressure != nil {
		w.onPressure(deficit)
	}
	return deficit, nil
}

// Run samples every Interval until ctx ends. It returns ErrUnsupported
// immediately when no sampler exists; other sampling errors are logged.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Check(); errors.Is(err, ErrUnsupported) {
		return err
	} else if err != nil {
		w.log.Warn("memory sample failed", "err", err)
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("memory sample failed", "err", err)
			}
		}
	}
}
