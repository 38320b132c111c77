package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"exchange/internal/schema"
)

var (
	ErrQueueFull      = errors.New("wal queue full")
	ErrClosed         = errors.New("wal writer closed")
	ErrNotStarted     = errors.New("wal writer not started")
	ErrAlreadyStarted = errors.New("wal writer already started")
	ErrOutOfOrder     = errors.New("wal sequence not increasing")
)

// Writer appends sequenced events to rotating segments from one goroutine. Sequences must be
// strictly increasing; a segment is named after the first sequence it holds.
type Writer struct {
	cfg   Config
	queue chan entry
	done  chan struct{}
	wg    sync.WaitGroup

	started atomic.Bool
	failure atomic.Pointer[error]
	last    atomic.Uint64

	mu     sync.RWMutex
	closed bool

	// owned by the run goroutine
	seg     *segment
	scratch []byte
}

type entry struct {
	header  schema.EventHeader
	payload []byte
}

type segment struct {
	file   *os.File
	w      *bufio.Writer
	size   int64
	opened time.Time
}

// NewWriter validates cfg and creates the directory.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:     cfg,
		queue:   make(chan entry, cfg.QueueSize),
		done:    make(chan struct{}),
		scratch: make([]byte, 0, frameHeadSize),
	}, nil
}

// Dir returns the segment directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// Prefix returns the segment file prefix.
func (w *Writer) Prefix() string { return w.cfg.FilePrefix }

// LastSeq returns the last sequence handed to the current segment.
func (w *Writer) LastSeq() uint64 { return w.last.Load() }

// Start runs the writer until Close, or until ctx is done after draining what is queued.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.done)
		w.run(ctx)
	}()
	return nil
}

// Close writes everything queued, syncs and closes the open segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.Err()
}

// Err returns the error that stopped the writer, if any.
func (w *Writer) Err() error {
	if p := w.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// TryAppend queues an event or fails with ErrQueueFull.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	e, err := w.entry(header, payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Append queues an event, waiting for room until ctx is done or the writer stops.
func (w *Writer) Append(ctx context.Context, header schema.EventHeader, payload []byte) error {
	e, err := w.entry(header, payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- e:
		return nil
	case <-w.done:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) entry(header schema.EventHeader, payload []byte) (entry, error) {
	if !w.started.Load() {
		return entry{}, ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return entry{}, err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return entry{}, ErrPayloadTooLarge
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	if w.cfg.CopyPayload && len(payload) > 0 {
		payload = append([]byte(nil), payload...)
	}
	return entry{header: header, payload: payload}, nil
}

func (w *Writer) run(ctx context.Context) {
	flushTick := newTick(w.cfg.FlushInterval)
	syncTick := newTick(w.cfg.SyncInterval)
	defer func() {
		flushTick.stop()
		syncTick.stop()
		w.fail(w.closeSegment())
	}()

	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.write(e); err != nil {
				w.fail(err)
				return
			}
		case <-flushTick.c:
			if err := w.flush(false); err != nil {
				w.fail(err)
				return
			}
		case <-syncTick.c:
			if err := w.flush(true); err != nil {
				w.fail(err)
				return
			}
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.write(e); err != nil {
				w.fail(err)
				return
			}
		default:
			return
		}
	}
}

func (w *Writer) write(e entry) error {
	if last := w.last.Load(); e.header.Seq <= last {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, e.header.Seq, last)
	}

	size := int64(frameHeadSize + len(e.payload) + frameTailSize)
	now := time.Now()
	if w.full(now, size) {
		if err := w.closeSegment(); err != nil {
			return err
		}
		if err := w.openSegment(e.header.Seq, now); err != nil {
			return err
		}
	}

	w.scratch = appendHead(w.scratch[:0], e.header, len(e.payload))
	var tail [frameTailSize]byte
	binary.LittleEndian.PutUint32(tail[:], frameSum(w.scratch, e.payload))
	for _, part := range [][]byte{w.scratch, e.payload, tail[:]} {
		if _, err := w.seg.w.Write(part); err != nil {
			return err
		}
	}
	w.seg.size += size
	w.last.Store(e.header.Seq)
	return nil
}

// full reports whether the next frame needs a new segment.
func (w *Writer) full(now time.Time, next int64) bool {
	switch {
	case w.seg == nil:
		return true
	case w.seg.size > 0 && w.seg.size+next > w.cfg.SegmentMaxBytes:
		return true
	case w.cfg.SegmentMaxAge > 0 && now.Sub(w.seg.opened) >= w.cfg.SegmentMaxAge:
		return true
	}
	return false
}

func (w *Writer) openSegment(firstSeq uint64, now time.Time) error {
	for gen := 0; ; gen++ {
		path := filepath.Join(w.cfg.Dir, segmentName(w.cfg.FilePrefix, firstSeq, gen))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		w.seg = &segment{file: file, w: bufio.NewWriterSize(file, w.cfg.BufferSize), opened: now}
		return nil
	}
}

func (w *Writer) flush(durable bool) error {
	if w.seg == nil {
		return nil
	}
	if err := w.seg.w.Flush(); err != nil {
		return err
	}
	if durable {
		return w.seg.file.Sync()
	}
	return nil
}

func (w *Writer) closeSegment() error {
	if w.seg == nil {
		return nil
	}
	seg := w.seg
	w.seg = nil
	err := seg.w.Flush()
	if err == nil {
		err = seg.file.Sync()
	}
	if cerr := seg.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writer) fail(err error) {
	if err != nil {
		w.failure.CompareAndSwap(nil, &err)
	}
}

type tick struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTick(d time.Duration) tick {
	if d <= 0 {
		return tick{}
	}
	t := time.NewTicker(d)
	return tick{t: t, c: t.C}
}

func (t tick) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
