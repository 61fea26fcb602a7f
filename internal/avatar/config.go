package avatar

import (
	"fmt"
	"time"
)

// Embedding chunk geometry produced by the audio encoder.
const (
	EmbeddingRows = 50
	EmbeddingCols = 384
)

// DefaultSampleRate is the rate the audio encoder expects.
const DefaultSampleRate = 16000

// starvationWarnAfter is the number of consecutive empty pops after which a
// stalled producer is worth a warning.
const starvationWarnAfter = 5

// Config holds the per-session streaming parameters.
type Config struct {
	BatchSize int
	FPS       int
	PadLeft   int
	PadRight  int
	// QueueDepth bounds the patch queue; 0 means 2 x BatchSize.
	QueueDepth int
	PopTimeout time.Duration
	Timestep   int
}

// DefaultConfig mirrors the CLI defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:  20,
		FPS:        25,
		PadLeft:    2,
		PadRight:   2,
		PopTimeout: time.Second,
	}
}

// Validate checks that the configuration can drive a session.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be > 0, got %d", c.BatchSize)
	case c.FPS <= 0:
		return fmt.Errorf("fps must be > 0, got %d", c.FPS)
	case c.PadLeft < 0 || c.PadRight < 0:
		return fmt.Errorf("padding must be >= 0, got %d/%d", c.PadLeft, c.PadRight)
	case c.QueueDepth < 0:
		return fmt.Errorf("queue depth must be >= 0, got %d", c.QueueDepth)
	case c.PopTimeout <= 0:
		return fmt.Errorf("pop timeout must be > 0, got %s", c.PopTimeout)
	}
	return nil
}

func (c Config) queueDepth() int {
	if c.QueueDepth > 0 {
		return c.QueueDepth
	}
	return 2 * c.BatchSize
}
