package journal

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"exchange/internal/bus"
	"exchange/internal/codec"
	"exchange/internal/recorder"
)

var (
	eventPrefix = []byte("evt/")
	eventUpper  = []byte("evt0")
)

// PebbleStore keeps the full event history in a pebble database keyed by sequence.
type PebbleStore struct {
	db   *pebble.DB
	sync *pebble.WriteOptions
	last atomic.Uint64
	buf  []byte
}

// PebbleOptions configures OpenPebble.
type PebbleOptions struct {
	// FS overrides the filesystem, vfs.NewMem() in tests.
	FS vfs.FS
	// Sync fsyncs every append.
	Sync bool
}

// OpenPebble opens or creates the history database in dir.
func OpenPebble(dir string, opts PebbleOptions) (*PebbleStore, error) {
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	s := &PebbleStore{db: db, sync: pebble.NoSync}
	if opts.Sync {
		s.sync = pebble.Sync
	}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: eventUpper})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if iter.Last() {
		header, _, err := recorder.DecodeRecord(iter.Value())
		if err != nil {
			_ = iter.Close()
			_ = db.Close()
			return nil, fmt.Errorf("decode last event: %w", err)
		}
		s.last.Store(header.Seq)
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%020d", seq))
}

// Append is called under the journal lock, so buf reuse is safe.
func (s *PebbleStore) Append(e bus.Event) error {
	if e.Header.Seq <= s.last.Load() {
		return ErrOutOfOrder
	}
	s.buf = recorder.AppendRecord(s.buf[:0], e.Header, e.Payload)
	if err := s.db.Set(eventKey(e.Header.Seq), s.buf, s.sync); err != nil {
		return err
	}
	s.last.Store(e.Header.Seq)
	return nil
}

func (s *PebbleStore) Scan(from, to uint64, fn func(bus.Event) error) error {
	if to < from {
		return nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: eventKey(from), UpperBound: eventKey(to + 1)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		header, payload, err := recorder.DecodeRecord(iter.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		owned := make([]byte, len(payload))
		copy(owned, payload)
		body, err := codec.Decode(header, owned)
		if err != nil {
			return err
		}
		if err := fn(bus.Event{Header: header, Payload: owned, Body: body}); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) Last() uint64 {
	return s.last.Load()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
