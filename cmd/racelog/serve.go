package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/racelog"
)

const timeout = 5 * time.Second

// serveCommand implements 'racelog serve'.
//
// Routes:
//
//	GET /records                all records, ?thread=N and ?target=FIELD|OBJECT filter
//	GET /records/{id}           one record as JSON
//	GET /records/{id}/report    one record rendered as a race report
//	GET /metrics                Prometheus metrics
func serveCommand(args []string, stderr io.Writer, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var src source
	src.register(fs)
	addr := fs.String("addr", cfg.MetricsAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	recs, err := src.load(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := mux.NewRouter()
	newServer(recs, reg, log).Route(r)

	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("serving race log", "addr", *addr, "records", len(recs))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case err := <-errc:
		return err
	case <-sig:
	}

	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// server serves an immutable set of records.
type server struct {
	recs     []*racelog.Record
	byID     map[uuid.UUID]*racelog.Record
	reg      *prometheus.Registry
	log      *slog.Logger
	requests *prometheus.CounterVec
}

func newServer(recs []*racelog.Record, reg *prometheus.Registry, log *slog.Logger) *server {
	s := &server{
		recs: recs,
		byID: make(map[uuid.UUID]*racelog.Record, len(recs)),
		reg:  reg,
		log:  log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racelog_http_requests_total",
			Help: "HTTP requests served by route and status code.",
		}, []string{"route", "code"}),
	}
	for _, r := range recs {
		s.byID[r.ID] = r
	}

	races := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "racelog_records",
		Help: "Race records in the served log by target kind.",
	}, []string{"target"})
	for _, r := range recs {
		races.WithLabelValues(r.Target.String()).Inc()
	}
	reg.MustRegister(s.requests, races)
	return s
}

// Route registers the handlers on r.
func (s *server) Route(r *mux.Router) {
	r.Use(s.withLog)
	r.HandleFunc("/records", s.list).Methods(http.MethodGet)
	r.HandleFunc("/records/{id}", s.get).Methods(http.MethodGet)
	r.HandleFunc("/records/{id}/report", s.report).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

// withLog logs every request with its route and counts it.
func (s *server) withLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(route, strconv.Itoa(rw.code)).Inc()
		s.log.Debug("request", "method", r.Method, "url", r.URL.String(), "code", rw.code)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs := s.recs
	if v := q.Get("thread"); v != "" {
		tid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad thread %q", v), http.StatusBadRequest)
			return
		}
		recs = filterThread(recs, tid)
	}
	if v := q.Get("target"); v != "" {
		var kind racelog.TargetKind
		if err := kind.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		recs = filterTarget(recs, kind)
	}
	if recs == nil {
		recs = []*racelog.Record{}
	}
	s.writeJSON(w, recs)
}

func filterTarget(recs []*racelog.Record, kind racelog.TargetKind) []*racelog.Record {
	var out []*racelog.Record
	for _, r := range recs {
		if r.Target == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) *racelog.Record {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "bad record id", http.StatusBadRequest)
		return nil
	}
	rec, ok := s.byID[id]
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return nil
	}
	return rec
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	if rec := s.lookup(w, r); rec != nil {
		s.writeJSON(w, rec)
	}
}

func (s *server) report(w http.ResponseWriter, r *http.Request) {
	if rec := s.lookup(w, r); rec != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		detector.Format(w, rec)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "err", err)
	}
}
