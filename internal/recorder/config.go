package recorder

import (
	"fmt"
	"time"
)

const (
	defaultFilePrefix      = "wal"
	defaultSegmentMaxBytes = int64(256 << 20)
	defaultSegmentMaxAge   = 15 * time.Minute
	defaultQueueSize       = 8192
	defaultBufferSize      = 128 << 10
)

// Config controls the WAL writer.
type Config struct {
	Dir        string
	FilePrefix string

	// A segment is closed once it would exceed SegmentMaxBytes or has been open SegmentMaxAge.
	SegmentMaxBytes int64
	SegmentMaxAge   time.Duration

	QueueSize  int
	BufferSize int

	// Zero intervals flush and sync only on rotation and close.
	FlushInterval time.Duration
	SyncInterval  time.Duration

	// CopyPayload detaches payloads from the caller's buffer before queueing.
	CopyPayload bool
}

// DefaultConfig returns the settings the engine runs with.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		SegmentMaxAge:   defaultSegmentMaxAge,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	checks := []struct {
		bad   bool
		field string
	}{
		{c.Dir == "", "dir is empty"},
		{c.FilePrefix == "", "file prefix is empty"},
		{c.SegmentMaxBytes <= frameHeadSize, "segment max bytes too small"},
		{c.SegmentMaxAge < 0, "segment max age is negative"},
		{c.QueueSize <= 0, "queue size must be positive"},
		{c.BufferSize <= 0, "buffer size must be positive"},
		{c.FlushInterval < 0, "flush interval is negative"},
		{c.SyncInterval < 0, "sync interval is negative"},
	}
	for _, check := range checks {
		if check.bad {
			return fmt.Errorf("wal config: %s", check.field)
		}
	}
	return nil
}
