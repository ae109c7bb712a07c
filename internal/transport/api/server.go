// Package api serves the HTTP surface next to the websocket: object listing,
// blueprint upgrades, service discovery, health, metrics and local admin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"spodb.dev/internal/protocol"
	"spodb.dev/internal/sim/catalogs"
	"spodb.dev/internal/sim/world"
)

var ErrUnknownObject = errors.New("unknown object")

// Endpoints is the service discovery document served at /endpoints.
type Endpoints struct {
	SpoDB     string `json:"3dsim"`
	Auth      string `json:"auth"`
	Build     string `json:"build"`
	Inventory string `json:"inventory"`
}

// Snapshotter writes a store snapshot on demand.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context) (path string, tick int64, err error)
}

// MetricWriter appends Prometheus text exposition lines to /metrics.
type MetricWriter func(w io.Writer)

type Config struct {
	World      *world.World
	Blueprints *catalogs.BlueprintCatalog
	Endpoints  Endpoints
	Snapshots  Snapshotter
	Metrics    []MetricWriter
	Logger     *log.Logger
}

type Server struct {
	world      *world.World
	blueprints *catalogs.BlueprintCatalog
	endpoints  Endpoints
	snapshots  Snapshotter
	metrics    []MetricWriter
	log        *log.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		world:      cfg.World,
		blueprints: cfg.Blueprints,
		endpoints:  cfg.Endpoints,
		snapshots:  cfg.Snapshots,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

// Register installs every route on mux. Admin routes are loopback-only and
// only registered when enableAdmin is set.
func (s *Server) Register(mux *http.ServeMux, enableAdmin bool) {
	mux.HandleFunc("GET /spodb", s.ObjectsHandler())
	mux.HandleFunc("POST /spodb/{uuid}", s.UpgradeHandler())
	mux.HandleFunc("GET /endpoints", s.EndpointsHandler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", s.MetricsHandler())
	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", s.AdminStateHandler())
		mux.HandleFunc("/admin/v1/snapshot", s.AdminSnapshotHandler())
	} else {
		s.printf("admin endpoints disabled (SPODB_ENABLE_ADMIN_HTTP=false)")
	}
}

// ObjectsHandler lists every non-tombstoned object keyed by id.
func (s *Server) ObjectsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		out := map[string]world.SpaceObject{}
		for _, o := range s.world.ScanDistanceFrom(nil, r.URL.Query().Get("type")) {
			out[o.ID] = o
		}
		writeJSON(rw, http.StatusOK, out)
	}
}

// UpgradeHandler deep-merges the blueprint named by the "blueprint" form
// value onto an object, at the revision it was read at.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := r.PathValue("uuid")
		bp := r.FormValue("blueprint")
		if bp == "" {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "missing blueprint")
			return
		}
		obj, ok := s.world.Get(id)
		if !ok {
			writeError(rw, http.StatusNotFound, protocol.ErrNotFound, fmt.Sprintf("%v: %s", ErrUnknownObject, id))
			return
		}
		values, err := s.blueprints.Upgrade(obj.Values, bp)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
		if _, err := s.world.MutateWorldState(id, obj.Revision, values, world.WithDebug()); err != nil {
			var ce *world.ConflictError
			if errors.As(err, &ce) {
				writeJSON(rw, http.StatusConflict, struct {
					protocol.ErrorBody
					*world.ConflictError
				}{protocol.ErrorBody{Code: protocol.ErrConflict, Message: err.Error()}, ce})
				return
			}
			s.printf("upgrade %s: %v", id, err)
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) EndpointsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, s.endpoints)
	}
}

func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := s.world.Metrics()
		tick := m.Tick
		if tick == 0 {
			tick = s.world.CurrentTick()
		}

		fmt.Fprintf(rw, "# HELP spodb_world_tick Last world tick timestamp in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_tick gauge\n")
		fmt.Fprintf(rw, "spodb_world_tick %d\n", tick)

		fmt.Fprintf(rw, "# HELP spodb_world_objects Objects held in memory.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_objects gauge\n")
		fmt.Fprintf(rw, "spodb_world_objects{state=%q} %d\n", "active", m.Objects-m.Tombstoned)
		fmt.Fprintf(rw, "spodb_world_objects{state=%q} %d\n", "tombstoned", m.Tombstoned)

		fmt.Fprintf(rw, "# HELP spodb_world_listeners Registered world listeners.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_listeners gauge\n")
		fmt.Fprintf(rw, "spodb_world_listeners %d\n", m.Listeners)

		fmt.Fprintf(rw, "# HELP spodb_world_mutations_total Accepted mutations.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_mutations_total counter\n")
		fmt.Fprintf(rw, "spodb_world_mutations_total %d\n", m.Mutations)

		fmt.Fprintf(rw, "# HELP spodb_world_conflicts_total Mutations rejected on a revision mismatch.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_conflicts_total counter\n")
		fmt.Fprintf(rw, "spodb_world_conflicts_total %d\n", m.Conflicts)

		fmt.Fprintf(rw, "# HELP spodb_world_ticks_total Ticks fired.\n")
		fmt.Fprintf(rw, "# TYPE spodb_world_ticks_total counter\n")
		fmt.Fprintf(rw, "spodb_world_ticks_total %d\n", m.Ticks)

		for _, mw := range s.metrics {
			mw(rw)
		}
	}
}

func (s *Server) AdminStateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, struct {
			Tick    int64              `json:"tick"`
			Metrics world.WorldMetrics `json:"metrics"`
		}{
			Tick:    s.world.CurrentTick(),
			Metrics: s.world.Metrics(),
		})
	}
}

func (s *Server) AdminSnapshotHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if s.snapshots == nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "snapshots disabled"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		path, tick, err := s.snapshots.SaveSnapshot(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick, "path": path})
	}
}

// WithCORS admits credentialed requests from any origin.
func WithCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			rw.Header().Set("Access-Control-Allow-Origin", origin)
			rw.Header().Set("Access-Control-Allow-Credentials", "true")
			rw.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			rw.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			rw.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(rw, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WithRequestLog logs one line per request. Websocket upgrades are logged
// when the connection ends.
func WithRequestLog(logger *log.Logger, h http.Handler) http.Handler {
	if logger == nil {
		return h
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			h.ServeHTTP(rw, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorBody{Code: code, Message: msg})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
