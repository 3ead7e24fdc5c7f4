package l2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Config configures a Tier. Zero values select defaults in New.
type Config struct {
	// Devices are written round-robin, one device per feed cycle.
	Devices []Device

	// BlockSize is the allocation unit on a device (default 512).
	BlockSize int64

	// WriteMax is the byte budget of one feed cycle (default 8 MiB).
	WriteMax int64
	// WriteBoost is added to WriteMax until the owner reports warm (default WriteMax).
	WriteBoost int64
	// Headroom multiplies the budget to bound how far the owner scans its
	// lists for candidates (default 2).
	Headroom int64

	// FeedInterval is the pause between feed cycles (default 1s);
	// FeedMinInterval is used instead after a busy cycle (default 150ms).
	FeedInterval    time.Duration
	FeedMinInterval time.Duration

	// QueueDepth bounds the Offer queue (default 1024).
	QueueDepth int

	// Codec compresses stored blocks; unset selects CodecLZ4.
	Codec Codec
	// CompressMinSize is the smallest block that is compressed (default 512).
	CompressMinSize int

	// WriteConcurrency bounds parallel device writes per cycle (default 4).
	WriteConcurrency int
	// WriteRateBytes caps device write throughput in bytes/s (0 = unlimited).
	WriteRateBytes int64

	// NoBackground disables the feed goroutine; callers drive Feed.
	NoBackground bool

	Logger *slog.Logger
}

func (c *Config) applyDefaults() error {
	if len(c.Devices) == 0 {
		return errors.New("l2: at least one device is required")
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 512
	}
	if c.WriteMax <= 0 {
		c.WriteMax = 8 << 20
	}
	if c.WriteBoost < 0 {
		c.WriteBoost = 0
	} else if c.WriteBoost == 0 {
		c.WriteBoost = c.WriteMax
	}
	if c.Headroom <= 0 {
		c.Headroom = 2
	}
	if c.FeedInterval <= 0 {
		c.FeedInterval = time.Second
	}
	if c.FeedMinInterval <= 0 {
		c.FeedMinInterval = 150 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.Codec == 0 {
		c.Codec = CodecLZ4
	}
	if c.CompressMinSize <= 0 {
		c.CompressMinSize = 512
	}
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 4
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, d := range c.Devices {
		if d.Size() < c.BlockSize {
			return fmt.Errorf("l2: device %s smaller than one block", d.ID())
		}
	}
	return nil
}
