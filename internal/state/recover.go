package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	"exchange/internal/codec"
	"exchange/internal/recorder"
	"exchange/internal/schema"
)

// RecoverConfig controls snapshot + WAL recovery.
type RecoverConfig struct {
	WALDir          string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
	// ToSeq stops the replay at this sequence when non-zero.
	ToSeq uint64
}

// RecoverResult contains recovered state and metadata.
type RecoverResult struct {
	Rebuilder   *Rebuilder
	LastSeq     uint64
	LastEventTs int64
	Replayed    int
}

// Recover loads the snapshot, if one exists, and replays the WAL tail after it.
func Recover(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.WALDir == "" {
		return RecoverResult{}, fmt.Errorf("wal dir is empty")
	}
	rb := NewRebuilder()

	if cfg.SnapshotPath != "" {
		snapshot, err := ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			if err := rb.Seed(snapshot); err != nil {
				return RecoverResult{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return RecoverResult{}, err
		}
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.WALDir,
		FilePrefix:      cfg.FilePrefix,
		FromSeq:         rb.LastSeq() + 1,
		ToSeq:           cfg.ToSeq,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	replayed := 0
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		if header.Seq != rb.LastSeq()+1 {
			return fmt.Errorf("wal sequence gap: expected %d got %d", rb.LastSeq()+1, header.Seq)
		}
		body, err := codec.Decode(header, payload)
		if err != nil {
			return err
		}
		if err := rb.Apply(header, body); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}

	return RecoverResult{
		Rebuilder:   rb,
		LastSeq:     rb.LastSeq(),
		LastEventTs: rb.lastEventTs,
		Replayed:    replayed,
	}, nil
}
