package chaos

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/bus"
	"exchange/internal/obs"
	"exchange/internal/schema"
)

func events(n int) []bus.Event {
	out := make([]bus.Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, bus.Event{Header: schema.NewHeader(schema.EventTrade, 1, uint64(i), int64(i)*1000, 0)})
	}
	return out
}

func run(t *testing.T, cfg Config, in []bus.Event) ([]uint64, *Engine) {
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	var seqs []uint64
	for _, ev := range in {
		for _, out := range e.Process(ev) {
			seqs = append(seqs, out.Header.Seq)
		}
	}
	for _, out := range e.Flush() {
		seqs = append(seqs, out.Header.Seq)
	}
	return seqs, e
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc    string
		cfg     Config
		wantErr bool
	}{
		{desc: "zero", cfg: Config{ReorderWindow: 1}},
		{desc: "drop above one", cfg: Config{DropRate: 1.5, ReorderWindow: 1}, wantErr: true},
		{desc: "negative duplicate", cfg: Config{DuplicateRate: -0.1, ReorderWindow: 1}, wantErr: true},
		{desc: "zero window", cfg: Config{}, wantErr: true},
		{desc: "negative delay", cfg: Config{ReorderWindow: 1, MaxDelay: -1}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("error mismatch: got %v want error %v", err, tc.wantErr)
			}
		})
	}
}

func TestEngineFaults(t *testing.T) {
	in := events(50)

	passthrough, _ := run(t, Config{Seed: 1}, in)
	require.Len(t, passthrough, 50)
	for i, seq := range passthrough {
		if seq != uint64(i+1) {
			t.Fatalf("seq mismatch at %d: got %d want %d", i, seq, i+1)
		}
	}

	dropped, e := run(t, Config{Seed: 1, DropRate: 1}, in)
	assert.Empty(t, dropped)
	assert.Equal(t, 50, e.Dropped())

	doubled, e := run(t, Config{Seed: 1, DuplicateRate: 1}, in)
	assert.Len(t, doubled, 100)
	assert.Equal(t, 50, e.Duplicated())

	shuffled, _ := run(t, Config{Seed: 7, ReorderWindow: 8}, in)
	require.Len(t, shuffled, 50)
	assert.NotEqual(t, passthrough, shuffled)
	sorted := append([]uint64(nil), shuffled...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	assert.Equal(t, passthrough, sorted, "reordering keeps every event exactly once")

	again, _ := run(t, Config{Seed: 7, ReorderWindow: 8}, in)
	assert.Equal(t, shuffled, again, "same seed, same schedule")
}

func TestEngineDelay(t *testing.T) {
	e, err := NewEngine(Config{Seed: 3, MaxDelay: 1000})
	require.NoError(t, err)
	for _, ev := range events(20) {
		out := e.Process(ev)
		require.Len(t, out, 1)
		assert.Equal(t, ev.Header.Seq, out[0].Header.Seq)
		if out[0].Header.TsRecv != 0 {
			assert.GreaterOrEqual(t, out[0].Header.TsRecv, ev.Header.TsEvent)
			assert.LessOrEqual(t, out[0].Header.TsRecv, ev.Header.TsEvent+1000)
		}
	}
}

func TestPipeFlushesOnClose(t *testing.T) {
	b := bus.New(obs.NewMetrics())
	sub, err := b.Subscribe("chaos", 64, bus.PolicyDropOldest)
	require.NoError(t, err)
	for _, ev := range events(10) {
		b.Publish(ev)
	}
	b.Close()

	e, err := NewEngine(Config{Seed: 5, ReorderWindow: 4})
	require.NoError(t, err)
	var got []uint64
	err = e.Pipe(context.Background(), sub, func(_ context.Context, ev bus.Event) error {
		got = append(got, ev.Header.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}
