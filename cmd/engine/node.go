package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"exchange/internal/api"
	"exchange/internal/bus"
	"exchange/internal/core"
	"exchange/internal/feed"
	"exchange/internal/journal"
	"exchange/internal/obs"
	"exchange/internal/og"
	"exchange/internal/ops"
	"exchange/internal/recorder"
	"exchange/internal/risk"
	"exchange/internal/sequence"
	"exchange/internal/sink"
	"exchange/internal/state"
	"exchange/pkg/conn"
	"exchange/pkg/uds"
)

const (
	sessionInterval  = time.Second
	walFlushInterval = 10 * time.Millisecond
	shutdownTimeout  = 5 * time.Second
)

// node is one running engine process: recovered state, the matching core and its outer surfaces.
type node struct {
	settings ops.Settings
	ref      ops.RefData
	metrics  *obs.Metrics

	store   journal.Store
	wal     *recorder.Writer
	bus     *bus.Bus
	journal *journal.Journal
	risk    *risk.Engine
	router  *core.Router
	tracker *og.StateMachine
	gateway *og.Gateway
	service *api.Service
	session *core.Session

	checkpoint *state.Checkpointer
	forwarders []*sink.Forwarder
	closers    []func() error
	grpcAddr   string
}

func newNode(ctx context.Context, settings ops.Settings, ref ops.RefData) (n *node, err error) {
	n = &node{settings: settings, ref: ref, metrics: obs.NewMetrics()}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if err := os.MkdirAll(settings.WALDir, 0o755); err != nil {
		return nil, err
	}
	recovered, err := state.Recover(ctx, state.RecoverConfig{WALDir: settings.WALDir, SnapshotPath: settings.SnapshotPath})
	if err != nil {
		return nil, err
	}
	seed := recovered.Rebuilder.Snapshot()
	logs.Infof("recovered seq %d, replayed %d wal events, max order id %d",
		recovered.LastSeq, recovered.Replayed, recovered.Rebuilder.MaxOrderID())

	if err := n.openHistory(); err != nil {
		return nil, err
	}
	walCfg := recorder.DefaultConfig(settings.WALDir)
	walCfg.FlushInterval = walFlushInterval
	n.wal, err = recorder.NewWriter(walCfg)
	if err != nil {
		return nil, err
	}
	// the writer outlives ctx so that events of the shutdown pass still reach disk; close stops it
	if err := n.wal.Start(context.Background()); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.wal.Close)

	n.bus = bus.New(n.metrics)
	n.journal = journal.New(sequence.New(recovered.LastSeq), n.store,
		journal.WithPublisher(n.bus),
		journal.WithWAL(n.wal),
		journal.WithMetrics(n.metrics),
	)

	n.risk = risk.NewEngine(ref.Risk)
	n.risk.Seed(seed)
	n.router = core.NewRouter(core.Config{QueueSize: settings.QueueSize, Policy: ref.Policy}, ref.Registry, n.journal,
		core.WithMetrics(n.metrics),
		core.WithRecovered(recovered.Rebuilder),
	)
	n.tracker = og.NewStateMachine(og.WithReplayer(n.journal), og.WithTradeHook(n.risk.OnTrade))
	n.tracker.Seed(seed)

	startID := recovered.Rebuilder.MaxOrderID()
	if settings.StartOrderID > startID {
		startID = settings.StartOrderID
	}
	n.gateway = og.NewGateway(ref.Registry, n.router,
		og.WithRisk(n.risk),
		og.WithMetrics(n.metrics),
		og.WithTracker(n.tracker),
		og.WithStartID(startID),
	)
	n.service = api.NewService(ref.Registry, n.gateway, feed.NewHandler(n.router, n.journal), n.bus)
	n.session = core.NewSession(ref.Schedule, n.router, ref.Registry, nil)

	if err := n.openSinks(seed); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) openHistory() error {
	if n.settings.PebbleDir == "" {
		n.store = journal.NewMemoryStore(n.settings.HistorySize)
		return nil
	}
	store, err := journal.OpenPebble(n.settings.PebbleDir, journal.PebbleOptions{})
	if err != nil {
		return err
	}
	n.store = store
	n.closers = append(n.closers, store.Close)
	return nil
}

func (n *node) openSinks(seed state.Snapshot) error {
	opts := []sink.ForwarderOption{
		sink.WithCapacity(n.settings.BusCapacity),
		sink.WithForwarderMetrics(n.metrics),
	}

	if n.settings.SnapshotPath != "" {
		var cpOpts []state.CheckpointOption
		if n.settings.WALPrune {
			cpOpts = append(cpOpts, state.WithWALPrune(n.wal.Dir(), n.wal.Prefix()))
		}
		cp, err := state.NewCheckpointer(n.settings.SnapshotPath, n.settings.SnapshotInterval, seed, cpOpts...)
		if err != nil {
			return err
		}
		n.checkpoint = cp
		n.forwarders = append(n.forwarders, sink.NewForwarder("checkpoint", n.bus, n.journal, cp, opts...))
	}

	if k := n.settings.Kafka; k.Enabled() {
		var pub sink.Publisher
		switch k.Client {
		case ops.KafkaClientSarama:
			p, err := sink.NewSaramaPublisher(k.Brokers, k.Topic)
			if err != nil {
				return err
			}
			pub = p
		default:
			pub = sink.NewKafkaWriter(k.Brokers, k.Topic)
		}
		events := sink.NewEventPublisher(sink.NewEncoder(n.ref.Registry), pub)
		n.forwarders = append(n.forwarders, sink.NewForwarder("kafka", n.bus, n.journal, events, opts...))
		logs.Infof("kafka sink %s on topic %s via %s", k.Brokers, k.Topic, k.Client)
	}

	if p := n.settings.Postgres; p.Enabled() {
		client, err := conn.New(conn.Option{
			Host:       p.Host,
			Port:       p.Port,
			User:       p.User,
			Password:   p.Password,
			Database:   p.Database,
			SSLMode:    p.SSLMode,
			ConnString: p.ConnString,

			MaxOpenConns:  p.MaxOpenConns,
			MaxIdleConns:  p.MaxIdleConns,
			SlowThreshold: p.SlowThreshold,
		})
		if err != nil {
			return err
		}
		trades, err := sink.NewTradeStore(client, n.ref.Registry)
		if err != nil {
			_ = client.Close()
			return err
		}
		n.forwarders = append(n.forwarders, sink.NewForwarder("postgres", n.bus, n.journal, trades, opts...))
	}
	return nil
}

// run serves until ctx is done or a component fails.
func (n *node) run(ctx context.Context) error {
	defer n.close()

	if s := n.settings.Pyroscope; s.Server != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: s.App,
			ServerAddress:   s.Server,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	trackerSub, err := n.bus.Subscribe("order-tracker", n.settings.BusCapacity, bus.PolicyDropOldest)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return n.router.Run(ctx) })
	eg.Go(func() error { return n.tracker.Run(ctx, trackerSub) })
	eg.Go(func() error { return n.session.Run(ctx, sessionInterval) })
	for _, f := range n.forwarders {
		f := f
		eg.Go(func() error { return f.Run(ctx) })
	}

	if err := n.serve(ctx, eg); err != nil {
		cancel()
		_ = eg.Wait()
		n.bus.Close()
		return err
	}

	logs.Infof("engine serving %d instruments from seq %d", n.ref.Registry.Count(), n.journal.Last())
	err = eg.Wait()
	n.bus.Close()
	return err
}

// serve starts the optional outer surfaces on eg.
func (n *node) serve(ctx context.Context, eg *errgroup.Group) error {
	if n.settings.WatchRefData {
		w, err := ops.NewWatcher(n.settings.RefData)
		if err != nil {
			return err
		}
		w.OnUpdate(func(limits risk.Limits) {
			n.risk.SetLimits(limits)
			logs.Infof("risk limits reloaded from %s", n.settings.RefData)
		})
		eg.Go(func() error { return w.Run(ctx) })
	}

	if n.settings.MetricsAddr != "" {
		handler, err := obs.Handler(n.metrics)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{Addr: n.settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		eg.Go(func() error {
			logs.Infof("metrics serving on %s", n.settings.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if n.settings.GRPCAddr != "" {
		lis, err := net.Listen("tcp", n.settings.GRPCAddr)
		if err != nil {
			return err
		}
		n.grpcAddr = lis.Addr().String()
		eg.Go(func() error { return api.ServeGRPC(ctx, api.NewGRPCServer(n.service), lis) })
	}

	if n.settings.UDSPath != "" {
		lines, err := api.NewLineServer(n.service, n.settings.UDSPath,
			uds.WithMaxSessions(n.settings.UDSMaxSessions),
			uds.WithIdleTimeout(n.settings.UDSIdleTimeout),
		)
		if err != nil {
			return err
		}
		if err := lines.Listen(); err != nil {
			return err
		}
		eg.Go(func() error { return lines.Run(ctx) })
	}
	return nil
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			logs.Errorf("close engine resource, err: %+v", err)
		}
	}
	n.closers = nil
}
