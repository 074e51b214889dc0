// Command couchsync brings the design documents of a CouchDB-style store in
// line with a YAML model file.
//
//	couchsync -models models.yaml [-config couchsync.yaml] [-proxies] [-no-activate] [-cleanup]
//
// It prints one line per (database, design) unit and exits with status 1 when
// any unit failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchmodel/couchmodel.go"
	"github.com/couchmodel/couchmodel.go/pkg/config"
	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/metrics"
	"github.com/couchmodel/couchmodel.go/pkg/model"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/couchhttp"
	"github.com/couchmodel/couchmodel.go/pkg/store/memstore"
	"github.com/couchmodel/couchmodel.go/pkg/store/pebblestore"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("couchsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "Path to the YAML config file")
		modelsPath = fs.String("models", "", "Path to the YAML model file (required)")
		proxies    = fs.Bool("proxies", false, "Also migrate proxied models in every resolved database")
		noActivate = fs.Bool("no-activate", false, "Stage changed designs without activating them")
		cleanup    = fs.Bool("cleanup", false, "Delete stale staged designs instead of migrating")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *modelsPath == "" {
		fmt.Fprintln(stderr, "Error: -models is required")
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if *noActivate {
		cfg.Migration.Activate = false
	}

	logData, err := buildLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer logData.Close()
	log := logData.Adapter()

	reg, err := model.LoadFile(*modelsPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if reg.TypeKey() != cfg.Store.TypeKey {
		log.Warn("model file and store disagree on the type field",
			"models", reg.TypeKey(), "store", cfg.Store.TypeKey)
	}

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer closeStore()

	collector, stopMetrics, err := serveMetrics(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer stopMetrics()

	m, err := couchmodel.New(st, reg,
		couchmodel.WithWorkers(cfg.Migration.Workers),
		couchmodel.WithTimeout(cfg.Store.Timeout),
		couchmodel.WithMaxDepth(cfg.Migration.MaxProxyDepth),
		couchmodel.WithLogger(log),
		couchmodel.WithMetrics(collector),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid models: %v\n", err)
		return exitUsage
	}

	var report *couchmodel.Report
	switch {
	case *cleanup:
		report = m.CleanupStaleMigrations(ctx)
	case *proxies:
		report = m.MigrateAllWithProxies(ctx, cfg.Migration.Activate)
	default:
		report = m.MigrateAll(ctx, cfg.Migration.Activate)
	}
	fmt.Fprint(stdout, report)
	if !report.OK() {
		return exitFailed
	}
	return exitOK
}

func buildLogger(cfg *config.Config, stderr io.Writer) (*logger.LogData, error) {
	b := logger.Build().Level(cfg.Log.Level).Console(cfg.Log.Format == "console")
	if cfg.Log.File != "" {
		b = b.FromPath(cfg.Log.File)
	} else {
		b = b.FromBuffer(stderr)
	}
	return b.Make()
}

func openStore(cfg *config.Config, log logger.Logger) (store.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Store.Backend {
	case config.BackendCouchDB:
		st, err := couchhttp.New(cfg.Store.URL,
			couchhttp.WithBasicAuth(cfg.Store.Username, cfg.Store.Password),
			couchhttp.WithTypeKey(cfg.Store.TypeKey),
			couchhttp.WithTimeout(cfg.Store.Timeout),
			couchhttp.WithLogger(log),
		)
		return st, nop, err
	case config.BackendPebble:
		st, err := pebblestore.Open(cfg.Store.Path, pebblestore.WithTypeKey(cfg.Store.TypeKey))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.BackendMemory:
		return memstore.New(memstore.WithTypeKey(cfg.Store.TypeKey)), nop, nil
	}
	return nil, nil, fmt.Errorf("store backend %q: %w", cfg.Store.Backend, constants.ErrUnknownStore)
}

// serveMetrics starts the /metrics endpoint when metrics.listen is set.
func serveMetrics(cfg *config.Config, log logger.Logger) (*metrics.Collector, func(), error) {
	if cfg.Metrics.Listen == "" {
		return nil, func() {}, nil
	}
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           metrics.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	return c, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
