package ops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/matching"
	"exchange/internal/risk"
	"exchange/internal/schema"
)

const refDataYAML = `
instruments:
  - symbol: BTC-USD
    tickSize: "0.5"
    lotSize: "0.001"
    minPrice: "1"
    maxPrice: "1000000"
    priceScale: 2
    qtyScale: 3
  - symbol: ETH-USD
    tickSize: "0.01"
    lotSize: "0.01"
    priceScale: 2
    qtyScale: 2
    status: halted
session:
  open: "09:30"
  close: "16:00"
  timezone: America/New_York
matching:
  selfTrade: cancel-resting
  modify: keep-on-reduce
risk:
  maxOrderQty: 10000
  orderRateLimit: 10
  orderRateWindow: 1s
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRefData(t *testing.T) {
	path := writeFile(t, t.TempDir(), "refdata.yaml", refDataYAML)

	rd, err := LoadRefData(path)
	require.NoError(t, err)
	require.Equal(t, 2, rd.Registry.Count())

	btc, ok := rd.Registry.LookupSymbol("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, schema.Price(50), btc.TickSize)
	assert.Equal(t, schema.Quantity(1), btc.LotSize)
	assert.Equal(t, schema.Price(100), btc.MinPrice)
	assert.Equal(t, schema.Price(100000000), btc.MaxPrice)
	assert.Equal(t, schema.TradingStatusOpen, btc.Status())

	eth, ok := rd.Registry.LookupSymbol("ETH-USD")
	require.True(t, ok)
	assert.Equal(t, schema.TradingStatusHalted, eth.Status())
	assert.Equal(t, schema.Price(0), eth.MaxPrice)

	assert.Equal(t, 9*time.Hour+30*time.Minute, rd.Schedule.Open)
	assert.Equal(t, 16*time.Hour, rd.Schedule.Close)
	assert.Equal(t, "America/New_York", rd.Schedule.Location.String())
	assert.Equal(t, matching.Policy{SelfTrade: matching.SelfTradeCancelResting, Modify: matching.ModifyKeepPriorityOnReduce}, rd.Policy)
	assert.Equal(t, risk.Limits{MaxOrderQty: 10000, OrderRateLimit: 10, OrderRateWindow: time.Second}, rd.Risk)
}

func TestLoadRefDataRejects(t *testing.T) {
	const validInstrument = "instruments:\n  - symbol: A\n    tickSize: \"1\"\n    lotSize: \"1\"\n"
	testCases := []struct {
		desc    string
		content string
	}{
		{desc: "unknown field", content: validInstrument + "    tick: \"1\"\n"},
		{desc: "no instruments", content: "instruments: []\n"},
		{desc: "inexact tick", content: "instruments:\n  - symbol: A\n    tickSize: \"0.005\"\n    lotSize: \"1\"\n    priceScale: 2\n"},
		{desc: "bad decimal", content: "instruments:\n  - symbol: A\n    tickSize: \"1\"\n    lotSize: \"abc\"\n"},
		{desc: "zero tick", content: "instruments:\n  - symbol: A\n    lotSize: \"1\"\n"},
		{desc: "bad status", content: validInstrument + "    status: paused\n"},
		{desc: "bad policy", content: validInstrument + "matching:\n  selfTrade: sometimes\n"},
		{desc: "bad session", content: validInstrument + "session:\n  open: \"25:00\"\n  close: \"10:00\"\n"},
		{desc: "bad timezone", content: validInstrument + "session:\n  timezone: Mars/Olympus\n"},
		{desc: "duplicate symbol", content: validInstrument + "  - symbol: A\n    tickSize: \"1\"\n    lotSize: \"1\"\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "refdata.yaml", tc.content)
			if _, err := LoadRefData(path); err == nil {
				t.Fatalf("load mismatch: got nil error for %q", tc.content)
			}
		})
	}
}

func TestScaled(t *testing.T) {
	testCases := []struct {
		desc    string
		in      string
		scale   int32
		want    int64
		wantErr bool
	}{
		{desc: "empty", in: "", scale: 2, want: 0},
		{desc: "integer", in: "10", scale: 2, want: 1000},
		{desc: "exact fraction", in: "0.25", scale: 2, want: 25},
		{desc: "trailing zeros", in: "1.500", scale: 1, want: 15},
		{desc: "too precise", in: "0.125", scale: 2, wantErr: true},
		{desc: "overflow", in: "100000000000000000000", scale: 2, wantErr: true},
		{desc: "garbage", in: "1,5", scale: 2, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := Scaled(tc.in, tc.scale)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if got != tc.want {
				t.Fatalf("scaled mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestUnscaled(t *testing.T) {
	assert.Equal(t, "12.34", Unscaled(1234, 2).String())
	assert.Equal(t, "7", Unscaled(7, 0).String())
}

func TestLoadSettings(t *testing.T) {
	t.Run("explicit file missing", func(t *testing.T) {
		s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
		if err == nil {
			t.Fatalf("settings mismatch: got %+v want error", s)
		}
	})

	t.Run("file and env", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "engine.yaml", `
grpc_addr: ":7000"
queue_size: 64
kafka:
  brokers: ["k1:9092", "k2:9092"]
  client: sarama
postgres:
  host: db
`)
		t.Setenv("EXCHANGE_QUEUE_SIZE", "128")
		t.Setenv("EXCHANGE_PYROSCOPE_SERVER", "http://pyroscope:4040")

		s, err := LoadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, ":7000", s.GRPCAddr)
		assert.Equal(t, 128, s.QueueSize)
		assert.Equal(t, 4096, s.BusCapacity)
		assert.Equal(t, time.Minute, s.SnapshotInterval)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Kafka.Brokers)
		assert.Equal(t, KafkaClientSarama, s.Kafka.Client)
		assert.True(t, s.Kafka.Enabled())
		assert.True(t, s.Postgres.Enabled())
		assert.Equal(t, 5432, s.Postgres.Port)
		assert.Equal(t, "http://pyroscope:4040", s.Pyroscope.Server)
	})

	t.Run("invalid", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "engine.yaml", "kafka:\n  client: librdkafka\n")
		_, err := LoadSettings(path)
		require.Error(t, err)
	})
}

func TestWatcherReloadsRiskLimits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "refdata.yaml", refDataYAML)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, schema.Quantity(10000), w.Limits().MaxOrderQty)

	engine := risk.NewEngine(w.Limits())
	w.OnUpdate(engine.SetLimits)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher time to register before the write
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "other.yaml", "ignored: true\n")
	writeFile(t, dir, "refdata.yaml", refDataYAML+"  killSwitch: true\n")

	require.Eventually(t, func() bool { return engine.Limits().KillSwitch }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Limits().KillSwitch)
}

func TestShippedConfig(t *testing.T) {
	settings, err := LoadSettings(filepath.Join("..", "..", "config", "engine.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "config/refdata.yaml", settings.RefData)
	assert.Equal(t, 5*time.Minute, settings.UDSIdleTimeout)
	assert.Equal(t, 200*time.Millisecond, settings.Postgres.SlowThreshold)
	assert.False(t, settings.Kafka.Enabled())
	assert.False(t, settings.Postgres.Enabled())

	ref, err := LoadRefData(filepath.Join("..", "..", settings.RefData))
	require.NoError(t, err)
	assert.Equal(t, 2, ref.Registry.Count())
	assert.Equal(t, matching.SelfTradeCancelResting, ref.Policy.SelfTrade)
	assert.Equal(t, time.Second, ref.Risk.OrderRateWindow)
}
