package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/schema"
)

// ErrStop ends playback early without error when returned by a handler.
var ErrStop = errors.New("playback stopped")

// Handler receives one record. The payload is only valid during the call.
type Handler func(header schema.EventHeader, payload []byte) error

// PlaybackConfig selects what to replay and how fast.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// FromSeq and ToSeq bound the replay; zero leaves a side open.
	FromSeq uint64
	ToSeq   uint64
	// Speed paces replay against event timestamps; 1 is real time, 0 is as fast as possible.
	Speed           float64
	UseRecvTime     bool
	DisableChecksum bool
	MaxPayloadSize  int
}

func (c PlaybackConfig) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("playback config: dir is empty")
	case c.Speed < 0:
		return fmt.Errorf("playback config: speed is negative")
	case c.MaxPayloadSize < 0:
		return fmt.Errorf("playback config: max payload size is negative")
	case c.ToSeq != 0 && c.ToSeq < c.FromSeq:
		return fmt.Errorf("playback config: to seq %d before from seq %d", c.ToSeq, c.FromSeq)
	}
	return nil
}

// Playback replays segments in sequence order. Segments that end before FromSeq are not opened.
// A torn record ends its segment: it is what a crash mid-append leaves behind, and any record
// actually lost shows up to the caller as a sequence gap.
type Playback struct {
	cfg   PlaybackConfig
	sleep func(context.Context, time.Duration) error
}

func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, sleep: sleepCtx}, nil
}

// Run calls handler for every record in range.
func (p *Playback) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	segs, err := ListSegments(p.cfg.Dir, p.cfg.FilePrefix)
	if err != nil {
		return err
	}

	pace := pacer{speed: p.cfg.Speed, recv: p.cfg.UseRecvTime, sleep: p.sleep}
	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].FirstSeq <= p.cfg.FromSeq {
			continue
		}
		if p.cfg.ToSeq != 0 && seg.FirstSeq > p.cfg.ToSeq {
			return nil
		}
		err := p.play(ctx, seg, handler, &pace)
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the highest sequence in the WAL, reading only the newest segments.
func (p *Playback) LastSeq(ctx context.Context) (uint64, error) {
	segs, err := ListSegments(p.cfg.Dir, p.cfg.FilePrefix)
	if err != nil {
		return 0, err
	}
	for i := len(segs) - 1; i >= 0; i-- {
		var last uint64
		err := p.play(ctx, segs[i], func(h schema.EventHeader, _ []byte) error {
			last = max(last, h.Seq)
			return nil
		}, &pacer{})
		if err != nil {
			return 0, err
		}
		if last > 0 {
			return last, nil
		}
	}
	return 0, nil
}

func (p *Playback) play(ctx context.Context, seg Segment, handler Handler, pace *pacer) error {
	file, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := NewReader(file, ReaderOptions{DisableChecksum: p.cfg.DisableChecksum, MaxPayloadSize: p.cfg.MaxPayloadSize})
	var last uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrTorn):
			logs.Errorf("wal %s torn after seq %d, skipping its tail", seg.Path, last)
			return nil
		case err != nil:
			return fmt.Errorf("read %s after seq %d: %w", seg.Path, last, err)
		}
		last = header.Seq

		if header.Seq < p.cfg.FromSeq {
			continue
		}
		if p.cfg.ToSeq != 0 && header.Seq > p.cfg.ToSeq {
			return ErrStop
		}
		if err := pace.wait(ctx, header); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

// pacer sleeps between records to reproduce their original spacing divided by speed.
type pacer struct {
	speed float64
	recv  bool
	sleep func(context.Context, time.Duration) error
	prev  int64
}

func (p *pacer) wait(ctx context.Context, h schema.EventHeader) error {
	if p.speed <= 0 {
		return nil
	}
	ts := h.TsEvent
	if p.recv {
		ts = h.TsRecv
	}
	if ts <= 0 {
		return nil
	}
	prev := p.prev
	p.prev = ts
	if prev == 0 || ts <= prev {
		return nil
	}
	return p.sleep(ctx, time.Duration(float64(ts-prev)/p.speed))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
