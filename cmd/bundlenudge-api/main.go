package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/bundlenudge/bundlenudge/internal/api_server"
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/config"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/pkg/log"
	"github.com/sirupsen/logrus"
)

func main() {
	log := log.InitLogs()
	log.Println("Starting API service")
	defer log.Println("API service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	log.Printf("Using config: %s", cfg)

	logLvl, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = logrus.InfoLevel
	}
	log.SetLevel(logLvl)

	log.Println("Initializing data store")
	db, err := store.InitDB(cfg, log)
	if err != nil {
		log.Fatalf("initializing data store: %v", err)
	}

	st := store.NewStore(db, log.WithField("pkg", "store"))
	defer st.Close()

	if err := st.InitialMigration(); err != nil {
		log.Fatalf("running initial migration: %v", err)
	}

	bundles, err := bundlestore.NewLocalStore(cfg.Service.BundleDir)
	if err != nil {
		log.Fatalf("initializing bundle store: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	listener, err := net.Listen("tcp", cfg.Service.Address)
	if err != nil {
		log.Fatalf("creating listener: %s", err)
	}

	server := apiserver.New(log, cfg, st, bundles, listener)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Error running server: %s", err)
	}
}
