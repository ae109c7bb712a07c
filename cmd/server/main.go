package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"spodb.dev/internal/config"
	persistlog "spodb.dev/internal/persistence/log"
	"spodb.dev/internal/persistence/snapshot"
	"spodb.dev/internal/sim/catalogs"
	"spodb.dev/internal/sim/combat"
	"spodb.dev/internal/sim/tuning"
	"spodb.dev/internal/sim/world"
	"spodb.dev/internal/transport/api"
	"spodb.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (default: :$PORT)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional; replaces the durable boot load)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "with SPODB_DURABLE_BACKEND=none, boot from the latest snapshot in the data dir")
		journal    = flag.Bool("journal", true, "record every broadcast mutation under <data>/journal")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	env, err := config.Load()
	if err != nil {
		logger.Fatalf("load env: %v", err)
	}
	listen := strings.TrimSpace(*addr)
	if listen == "" {
		listen = ":" + strconv.Itoa(env.Port)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	blueprints, err := catalogs.LoadBlueprints(filepath.Join(*configDir, "blueprints.yaml"))
	if err != nil {
		logger.Fatalf("load blueprints: %v", err)
	}
	logger.Printf("blueprints loaded count=%d digest=%s", len(blueprints.ByID), blueprints.Digest)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	durable, durableMetrics, err := openDurable(env, *dataDir, tune, logger)
	if err != nil {
		logger.Fatalf("open durable backend: %v", err)
	}

	cfg := world.WorldConfig{
		TickInterval: tune.TickInterval(),
		Logger:       logger,
		Debug:        env.Debug,
	}
	if durable != nil {
		cfg.Durable = durable
	}
	w, err := world.New(cfg)
	if err != nil {
		logger.Fatalf("create world: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && durable == nil && *loadLatest {
		snapshotToLoad = latestSnapshot(*dataDir)
	}
	if err := boot(ctx, w, durable, snapshotToLoad, *dataDir, logger); err != nil {
		logger.Fatalf("boot: %v", err)
	}

	// Listener order is broadcast order: persistence first, then simulation.
	var mj *persistlog.MutationJournal
	if *journal {
		mj = persistlog.NewMutationJournal(*dataDir, w.Lineage(), tune.JournalQueue, logger)
		if err := w.AddListener(mj); err != nil {
			logger.Fatalf("journal: %v", err)
		}
	}
	if err := w.AddListener(blueprints); err != nil {
		logger.Fatalf("blueprints: %v", err)
	}
	shooting := combat.NewShooting(w, logger, env.Debug)
	if err := w.AddListener(shooting); err != nil {
		logger.Fatalf("combat: %v", err)
	}
	snaps := newSnapshotter(w, *dataDir, tune.SnapshotEveryTicks, logger)
	if err := w.AddListener(snaps); err != nil {
		logger.Fatalf("snapshots: %v", err)
	}

	var auth ws.Authorizer = ws.AllowAnonymous{}
	if env.AuthURL != "" {
		auth = ws.NewTokenAuthorizer(env.AuthURL)
	} else {
		logger.Printf("AUTH_URL not set; websocket clients connect anonymously")
	}
	wsSrv := ws.NewServer(w, auth, ws.Config{
		SendQueue:    tune.SendQueue,
		InboundRate:  tune.InboundRatePerSec,
		InboundBurst: tune.InboundBurst,
	}, logger)

	metrics := []api.MetricWriter{
		func(out io.Writer) { writeWSMetrics(out, wsSrv.Stats()) },
		func(out io.Writer) { writeCombatMetrics(out, shooting.Stats()) },
	}
	if durableMetrics != nil {
		metrics = append(metrics, durableMetrics)
	}
	if mj != nil {
		metrics = append(metrics, func(out io.Writer) { writeJournalMetrics(out, mj.Stats()) })
	}

	mux := http.NewServeMux()
	api.NewServer(api.Config{
		World:      w,
		Blueprints: blueprints,
		Endpoints: api.Endpoints{
			SpoDB:     env.SpoDBURL,
			Auth:      env.AuthURL,
			Build:     env.BuildURL,
			Inventory: env.InventoryURL,
		},
		Snapshots: snaps,
		Metrics:   metrics,
		Logger:    logger,
	}).Register(mux, env.AdminHTTPEnabled())
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/", wsSrv.Handler())

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              listen,
		Handler:           api.WithCORS(api.WithRequestLog(logger, mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("server ready; listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if mj != nil {
		if err := mj.Close(); err != nil {
			logger.Printf("close journal: %v", err)
		}
	}
	if durable != nil {
		if err := durable.Close(); err != nil {
			logger.Printf("close durable backend: %v", err)
		}
	}
}

// boot fills the world before any listener is attached. A snapshot, when
// given, wins over the durable rows and is brought forward with the journal.
func boot(ctx context.Context, w *world.World, durable durableBackend, snapPath, dataDir string, logger *log.Logger) error {
	if snapPath != "" {
		snap, err := snapshot.ReadSnapshot(snapPath)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", snapPath, err)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			return err
		}
		var entries []persistlog.JournalEntry
		if err := persistlog.ReadJournal(dataDir, func(e persistlog.JournalEntry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			logger.Printf("read journal: %v", err)
		}
		n := persistlog.Replay(w, entries)
		logger.Printf("loaded snapshot %s tick=%d objects=%d lineage=%s journal_applied=%d", snapPath, snap.Header.Tick, len(snap.Objects), w.Lineage(), n)
		return nil
	}
	if durable == nil {
		logger.Printf("starting with an empty world lineage=%s", w.Lineage())
		return nil
	}
	n, err := w.Load(ctx, durable)
	if err != nil {
		return err
	}
	logger.Printf("loaded %d objects from durable storage lineage=%s", n, w.Lineage())
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
