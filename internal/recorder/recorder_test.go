package recorder

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/schema"
)

func writeRange(t *testing.T, dir string, from, to int, segmentBytes int64) {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.SegmentMaxBytes = segmentBytes
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	for seq := from; seq <= to; seq++ {
		header := schema.NewHeader(schema.EventTrade, 1, uint64(seq), int64(seq), int64(seq))
		require.NoError(t, w.Append(context.Background(), header, []byte{byte(seq), 0xAB}))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(to), w.LastSeq())
}

func collect(t *testing.T, cfg PlaybackConfig) []uint64 {
	t.Helper()
	p, err := NewPlayback(cfg)
	require.NoError(t, err)
	var seqs []uint64
	require.NoError(t, p.Run(context.Background(), func(h schema.EventHeader, payload []byte) error {
		if payload[0] != byte(h.Seq) {
			t.Fatalf("payload mismatch: got %v want %v", payload[0], byte(h.Seq))
		}
		seqs = append(seqs, h.Seq)
		return nil
	}))
	return seqs
}

func TestWriterPlaybackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	// two frames per segment
	writeRange(t, dir, 1, 20, 2*(frameHeadSize+2+frameTailSize))

	segs, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 10)
	for i, seg := range segs {
		assert.Equal(t, uint64(2*i+1), seg.FirstSeq, "segments are named after their first sequence")
	}

	seqs := collect(t, PlaybackConfig{Dir: dir})
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seq mismatch at %d: got %v want %v", i, seq, i+1)
		}
	}

	p, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	last, err := p.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)
}

func TestPlaybackRange(t *testing.T) {
	dir := t.TempDir()
	writeRange(t, dir, 1, 10, 3*(frameHeadSize+2+frameTailSize))

	testCases := []struct {
		desc string
		from uint64
		to   uint64
		want []uint64
	}{
		{desc: "all", want: []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{desc: "tail", from: 7, want: []uint64{7, 8, 9, 10}},
		{desc: "window", from: 3, to: 5, want: []uint64{3, 4, 5}},
		{desc: "segment boundary", from: 4, to: 4, want: []uint64{4}},
		{desc: "past end", from: 11},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := collect(t, PlaybackConfig{Dir: dir, FromSeq: tc.from, ToSeq: tc.to})
			if !assert.ObjectsAreEqual(tc.want, got) {
				t.Fatalf("records mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestPlaybackMissingDir(t *testing.T) {
	p, err := NewPlayback(PlaybackConfig{Dir: t.TempDir() + "/absent"})
	require.NoError(t, err)
	last, err := p.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestPlaybackToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	writeRange(t, dir, 1, 5, 1<<20)
	segs, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	info, err := os.Stat(segs[0].Path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segs[0].Path, info.Size()-3))
	assert.Equal(t, []uint64{1, 2, 3, 4}, collect(t, PlaybackConfig{Dir: dir}))

	// a restart continues at the first lost sequence in a new segment
	writeRange(t, dir, 5, 6, 1<<20)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, collect(t, PlaybackConfig{Dir: dir}))
}

func TestSegmentGenerations(t *testing.T) {
	dir := t.TempDir()
	writeRange(t, dir, 1, 1, 1<<20)
	segs, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	// tear the only record, as a crash during the first append would
	require.NoError(t, os.Truncate(segs[0].Path, frameHeadSize/2))

	writeRange(t, dir, 1, 2, 1<<20)
	segs, err = ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, 0, segs[0].Gen)
	assert.Equal(t, 1, segs[1].Gen)
	assert.Equal(t, []uint64{1, 2}, collect(t, PlaybackConfig{Dir: dir}))
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	writeRange(t, dir, 1, 12, 4*(frameHeadSize+2+frameTailSize))

	testCases := []struct {
		desc      string
		upto      uint64
		removed   int
		firstLeft uint64
	}{
		{desc: "inside first segment", upto: 3, removed: 0, firstLeft: 1},
		{desc: "first segment covered", upto: 4, removed: 1, firstLeft: 5},
		{desc: "newest kept", upto: 100, removed: 1, firstLeft: 9},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			removed, err := Prune(dir, "", tc.upto)
			require.NoError(t, err)
			if removed != tc.removed {
				t.Fatalf("removed mismatch: got %v want %v", removed, tc.removed)
			}
			segs, err := ListSegments(dir, "")
			require.NoError(t, err)
			assert.Equal(t, tc.firstLeft, segs[0].FirstSeq)
		})
	}
	assert.Equal(t, []uint64{10, 11, 12}, collect(t, PlaybackConfig{Dir: dir, FromSeq: 10}))
}

func TestRecordFraming(t *testing.T) {
	header := schema.NewHeader(schema.EventBookDelta, 3, 99, 1, 2)
	header.TraceID = 7
	buf := AppendRecord(nil, header, []byte("payload"))
	require.Len(t, buf, frameHeadSize+len("payload")+frameTailSize)

	got, payload, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, header, got)
	assert.Equal(t, []byte("payload"), payload)

	r := NewReader(bytes.NewReader(buf), ReaderOptions{})
	got, payload, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, header, got)
	assert.Equal(t, []byte("payload"), payload)

	_, _, err = NewReader(bytes.NewReader(buf[:len(buf)-1]), ReaderOptions{}).Next()
	assert.ErrorIs(t, err, ErrTorn)
	_, _, err = NewReader(bytes.NewReader(buf), ReaderOptions{MaxPayloadSize: 3}).Next()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	corrupt := append([]byte(nil), buf...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, _, err = DecodeRecord(corrupt)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	_, _, err = NewReader(bytes.NewReader(corrupt), ReaderOptions{DisableChecksum: true}).Next()
	assert.NoError(t, err)

	_, _, err = DecodeRecord([]byte("MWAL"))
	assert.ErrorIs(t, err, ErrShortFrame)
	bad := append([]byte(nil), buf...)
	bad[0] = 'X'
	_, _, err = DecodeRecord(bad)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestWriterLifecycle(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	header := schema.NewHeader(schema.EventTrade, 1, 1, 0, 0)
	assert.ErrorIs(t, w.TryAppend(header, nil), ErrNotStarted)

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, w.TryAppend(header, nil))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.TryAppend(header, nil), ErrClosed)
	assert.ErrorIs(t, w.Append(context.Background(), header, nil), ErrClosed)

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Append(context.Background(), schema.NewHeader(schema.EventTrade, 1, 5, 0, 0), nil))
	require.NoError(t, w.Append(context.Background(), schema.NewHeader(schema.EventTrade, 1, 5, 0, 0), nil))
	err = w.Close()
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, uint64(5), w.LastSeq())
}
