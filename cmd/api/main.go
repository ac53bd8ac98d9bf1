package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"linkbio.org/internal/config"
	"linkbio.org/internal/dispatch"
	"linkbio.org/internal/enforce"
	"linkbio.org/internal/gateway"
	"linkbio.org/internal/httpapi"
	"linkbio.org/internal/obs"
	"linkbio.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(os.Getenv("LINKBIO_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Store selection: PostgreSQL when a DSN is configured, in-memory
	// otherwise. The in-memory store is for local runs; nothing survives a
	// restart.
	var (
		store   enforce.CaseStore
		db      *sql.DB
		pgStore *pg.Store
	)
	if cfg.PG.DSN != "" {
		pgStore, err = pg.Open(cfg.PG.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgStore.DB()
		db.SetMaxOpenConns(cfg.PG.MaxOpenConns)
		db.SetMaxIdleConns(cfg.PG.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.PG.ConnMaxLifetime)
		store = pgStore
	} else {
		log.Println("no pg.dsn configured; using the in-memory store")
		store = enforce.NewInMemory()
	}

	dispatcher := dispatch.New()
	engine := enforce.NewEngine(store, enforce.WithPublisher(dispatcher))
	gw := gateway.New(engine, store)
	query := enforce.NewQuery(store)

	// Drain published effects into the log until delivery consumers attach.
	effectsCtx, stopEffects := context.WithCancel(context.Background())
	defer stopEffects()
	go func() {
		for e := range dispatcher.Subscribe(effectsCtx) {
			log.Printf("effect kind=%s case=%s subject=%s", e.Kind, e.CaseID, e.SubjectID)
		}
	}()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, gw, query)
	api.SetLimits(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond, cfg.HTTP.MaxBodyBytes)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting linkbio-enforcement %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
