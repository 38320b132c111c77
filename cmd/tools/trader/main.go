package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"exchange/internal/api"
	"exchange/internal/obs"
)

type tally struct {
	mu     sync.Mutex
	status map[string]int
	reason map[string]int
	trades int
}

func (t *tally) add(ack *api.AckResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[ack.Status]++
	if ack.Reason != "" {
		t.reason[ack.Reason]++
	}
	t.trades += len(ack.Trades)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "Engine gRPC address")
	symbol := flag.String("symbol", "BTC-USD", "Instrument symbol")
	mid := flag.String("mid", "100", "Mid price")
	tick := flag.String("tick", "0.5", "Price step between levels")
	levels := flag.Int("levels", 10, "Price levels on each side of mid")
	qty := flag.String("qty", "1", "Order quantity")
	orders := flag.Int("orders", 1000, "Orders per worker")
	workers := flag.Int("workers", 4, "Concurrent workers")
	cancelEvery := flag.Int("cancel-every", 5, "Cancel every Nth resting order (0=never)")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	flag.Parse()

	midPx, err := decimal.NewFromString(*mid)
	if err != nil {
		log.Fatalf("invalid mid: %v", err)
	}
	step, err := decimal.NewFromString(*tick)
	if err != nil {
		log.Fatalf("invalid tick: %v", err)
	}
	size, err := decimal.NewFromString(*qty)
	if err != nil {
		log.Fatalf("invalid qty: %v", err)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s failed: %v", *addr, err)
	}
	defer cc.Close()
	client := api.NewClient(cc)

	var latency obs.Latency
	t := &tally{status: make(map[string]int), reason: make(map[string]int)}
	started := time.Now()

	eg, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < *workers; w++ {
		rng := rand.New(rand.NewSource(*seed + int64(w)))
		owner := uint32(w + 1)
		eg.Go(func() error {
			resting := 0
			for i := 0; i < *orders; i++ {
				side := "buy"
				offset := step.Mul(decimal.NewFromInt(int64(rng.Intn(*levels) - *levels/3)))
				price := midPx.Sub(offset)
				if rng.Intn(2) == 0 {
					side = "sell"
					price = midPx.Add(offset)
				}

				begin := time.Now()
				ack, err := client.NewOrder(ctx, &api.NewOrderRequest{
					Symbol: *symbol, Owner: owner, Side: side, Type: "limit",
					Price: price, Qty: size,
				})
				latency.Observe(time.Since(begin))
				if err != nil {
					return fmt.Errorf("worker %d order %d: %w", owner, i, err)
				}
				t.add(ack)

				if ack.OrderStatus != "new" && ack.OrderStatus != "partially_filled" {
					continue
				}
				resting++
				if *cancelEvery > 0 && resting%*cancelEvery == 0 {
					cancelled, err := client.CancelOrder(ctx, &api.CancelOrderRequest{OrderID: ack.OrderID, Owner: owner})
					if err != nil {
						return fmt.Errorf("worker %d cancel %d: %w", owner, ack.OrderID, err)
					}
					t.add(cancelled)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Fatalf("load failed: %v", err)
	}

	elapsed := time.Since(started)
	lat := latency.Snapshot()
	fmt.Printf("requests=%d elapsed=%s rate=%.0f/s trades=%d\n",
		lat.Count, elapsed.Round(time.Millisecond), float64(lat.Count)/elapsed.Seconds(), t.trades)
	fmt.Printf("latency min=%s avg=%s p50<=%s p99<=%s max=%s\n", lat.Min, lat.Avg, lat.Quantile(0.5), lat.Quantile(0.99), lat.Max)
	printCounts("status", t.status)
	printCounts("reason", t.reason)

	snap, err := client.GetSnapshot(context.Background(), &api.SnapshotRequest{Symbol: *symbol, Depth: 5})
	if err != nil {
		log.Fatalf("snapshot failed: %v", err)
	}
	fmt.Printf("book %s at seq %d\n", snap.Symbol, snap.Sequence)
	for _, lv := range snap.Asks {
		fmt.Printf("  ask %s x %s (%d)\n", lv.Price, lv.Qty, lv.Count)
	}
	for _, lv := range snap.Bids {
		fmt.Printf("  bid %s x %s (%d)\n", lv.Price, lv.Qty, lv.Count)
	}
}

func printCounts(label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s %s: %d\n", label, k, counts[k])
	}
}
