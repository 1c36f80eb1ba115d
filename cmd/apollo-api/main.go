// Command apollo-api serves the v2 updateinfo.xml HTTP route over a
// Postgres-backed store.
//
// Wiring follows cmd/libvulnhttp/main.go's plain net/http + http.Server
// shape; config parsing uses the standard flag package and
// os.Getenv fallbacks rather than the teacher's goconfig, and logging
// uses log/slog rather than zerolog, per this module's ambient-stack
// conventions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rocky-linux/apollo/datastore/postgres"
	"github.com/rocky-linux/apollo/httpapi"
)

type config struct {
	listenAddr string
	connString string
	uiBaseURL  string
	from       string
	rights     string
	migrate    bool
}

func loadConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.listenAddr, "http-listen-addr", envOr("HTTP_LISTEN_ADDR", "0.0.0.0:8081"), "address to serve HTTP on")
	flag.StringVar(&cfg.connString, "connection-string", envOr("CONNECTION_STRING", "host=localhost port=5432 user=apollo dbname=apollo sslmode=disable"), "Postgres connection string")
	flag.StringVar(&cfg.uiBaseURL, "ui-base-url", envOr("UI_BASE_URL", "https://errata.rockylinux.org"), "base URL used to build advisory self-links")
	flag.StringVar(&cfg.from, "update-from", envOr("UPDATE_FROM", "errata@rockylinux.org"), "<update from=\"...\"> address")
	flag.StringVar(&cfg.rights, "rights", envOr("RIGHTS", ""), "<rights> copyright text")
	flag.BoolVar(&cfg.migrate, "migrate", envOr("MIGRATIONS", "true") == "true", "run schema migrations on startup")
	flag.Parse()
	return cfg
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	log := slog.Default().With("component", "cmd/apollo-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := loadConfig()

	pool, err := postgres.Connect(ctx, cfg.connString, "apollo-api")
	if err != nil {
		log.Error("connect to database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.migrate {
		if err := postgres.RunMigrations(cfg.connString); err != nil {
			log.Error("run migrations", "err", err)
			os.Exit(1)
		}
	}

	store := postgres.NewStore(pool)
	handler := httpapi.NewHandler(store, httpapi.Config{
		UIBaseURL: cfg.uiBaseURL,
		From:      cfg.from,
		Rights:    cfg.rights,
	}, log)

	mux := http.NewServeMux()
	handler.Routes(mux)

	srv := &http.Server{
		Addr:        cfg.listenAddr,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	log.Info("starting http server", "addr", cfg.listenAddr)
	if err := srv.ListenAndServe(); err != nil {
		log.Error("http server exited", "err", err)
		os.Exit(1)
	}
}
