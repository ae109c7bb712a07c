package main

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"spodb.dev/internal/config"
	"spodb.dev/internal/persistence/objectdb"
	"spodb.dev/internal/sim/tuning"
	"spodb.dev/internal/sim/world"
	"spodb.dev/internal/transport/api"
)

type durableBackend interface {
	world.DurableStore
	world.Loader
	Close() error
}

// openDurable returns nil for the "none" backend: the world then lives in
// memory only and boots from snapshots.
func openDurable(env config.Env, dataDir string, tune tuning.Tuning, logger *log.Logger) (durableBackend, api.MetricWriter, error) {
	switch env.DurableBackend {
	case config.BackendNone:
		return nil, nil, nil
	case config.BackendSQLite:
		dbPath := env.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(dataDir, "db", "spodb.sqlite")
		}
		db, err := objectdb.OpenSQLite(dbPath, tune.JournalQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("durable backend: sqlite %s", dbPath)
		return db, func(w io.Writer) { writeQueueMetrics(w, "sqlite", db.Stats()) }, nil
	case config.BackendRemote:
		r, err := objectdb.OpenRemote(objectdb.RemoteConfig{
			Endpoint:      env.RemoteURL,
			Token:         env.RemoteToken,
			BatchSize:     env.RemoteBatch,
			FlushInterval: time.Duration(env.RemoteFlushMS) * time.Millisecond,
			Queue:         tune.JournalQueue,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("durable backend: remote %s", env.RemoteURL)
		return r, func(w io.Writer) {
			st := r.Stats()
			writeQueueMetrics(w, "remote", objectdb.Stats{
				Written:       st.Sent,
				Failed:        st.FlushFails + st.EncodeFails,
				Dropped:       st.Dropped,
				QueueDepth:    st.QueueDepth,
				QueueCapacity: st.QueueCapacity,
			})
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported SPODB_DURABLE_BACKEND: %s", env.DurableBackend)
	}
}

func writeQueueMetrics(w io.Writer, backend string, s objectdb.Stats) {
	fmt.Fprintf(w, "# HELP spodb_durable_queue_depth Durable write queue depth.\n")
	fmt.Fprintf(w, "# TYPE spodb_durable_queue_depth gauge\n")
	fmt.Fprintf(w, "spodb_durable_queue_depth{backend=%q} %d\n", backend, s.QueueDepth)

	fmt.Fprintf(w, "# HELP spodb_durable_queue_capacity Durable write queue capacity.\n")
	fmt.Fprintf(w, "# TYPE spodb_durable_queue_capacity gauge\n")
	fmt.Fprintf(w, "spodb_durable_queue_capacity{backend=%q} %d\n", backend, s.QueueCapacity)

	fmt.Fprintf(w, "# HELP spodb_durable_writes_total Durable writes by outcome.\n")
	fmt.Fprintf(w, "# TYPE spodb_durable_writes_total counter\n")
	fmt.Fprintf(w, "spodb_durable_writes_total{backend=%q,outcome=%q} %d\n", backend, "ok", s.Written)
	fmt.Fprintf(w, "spodb_durable_writes_total{backend=%q,outcome=%q} %d\n", backend, "failed", s.Failed)
	fmt.Fprintf(w, "spodb_durable_writes_total{backend=%q,outcome=%q} %d\n", backend, "dropped", s.Dropped)
}
