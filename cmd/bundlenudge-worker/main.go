package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/config"
	"github.com/bundlenudge/bundlenudge/internal/lifecycle"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/pkg/log"
	"github.com/bundlenudge/bundlenudge/pkg/thread"
	"github.com/sirupsen/logrus"
)

const (
	processInterval = 5 * time.Second
	processBatch    = 10
)

func main() {
	log := log.InitLogs()
	log.Println("Starting worker service")
	defer log.Println("Worker service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}

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

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "bundlenudge-worker"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	manager := lifecycle.NewManager(st, bundles, log)
	processor := thread.New(ctx, log, "release processor", processInterval, func(ctx context.Context) {
		manager.ProcessPending(ctx, hostname, processBatch)
	})
	processor.Start()

	<-ctx.Done()
}
