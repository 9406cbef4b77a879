package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/agent"
	"github.com/bundlenudge/bundlenudge/internal/agent/device"
	bnlog "github.com/bundlenudge/bundlenudge/pkg/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bundlenudge", "simulator")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
	fmt.Println("\nThis program simulates a fleet of devices polling for updates. Below are the available flags:")
	pflag.PrintDefaults()
}

// simBridge is a synthetic platform for simulated devices.
type simBridge struct {
	platform api.Platform
	version  string
	build    string
}

func (b *simBridge) AppVersion() (string, string) { return b.version, b.build }
func (b *simBridge) OSVersion() string            { return "17.0" }
func (b *simBridge) Platform() api.Platform       { return b.platform }
func (b *simBridge) RestartApp()                  {}
func (b *simBridge) Conditions() device.Conditions {
	return device.Conditions{WiFi: true, BatteryPercent: 100}
}

func main() {
	log := bnlog.InitLogs()

	serverURL := pflag.String("server", "http://localhost:3443", "base URL of the update server")
	appID := pflag.String("app", "", "app id to simulate devices for")
	channel := pflag.String("channel", "", "channel to check against (empty for the app default)")
	dataDir := pflag.String("data-dir", defaultDataDir(), "directory for storing simulator data")
	numDevices := pflag.Int("count", 1, "number of devices to simulate")
	checkInterval := pflag.Duration("check-interval", 30*time.Second, "interval between update checks")
	stopAfter := pflag.Duration("stop-after", 0, "stop the simulator after the specified duration")
	logLevel := pflag.StringP("log-level", "v", "info", "logger verbosity level")

	pflag.Usage = printUsage
	pflag.Parse()

	logLvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %s\n\n", *logLevel)
		printUsage()
		os.Exit(1)
	}
	log.SetLevel(logLvl)

	if *appID == "" {
		fmt.Fprintln(os.Stderr, "the --app flag is required")
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()
	if *stopAfter > 0 {
		ctx, cancel = context.WithTimeout(ctx, *stopAfter)
		defer cancel()
	}

	log.Infoln("starting device simulator")

	var wg sync.WaitGroup
	for i := 0; i < *numDevices; i++ {
		deviceDir := filepath.Join(*dataDir, fmt.Sprintf("device-%04d", i))
		cfg := agent.NewDefault()
		cfg.AppID = *appID
		cfg.ServerURL = *serverURL
		cfg.Channel = *channel

		a := agent.New(
			cfg,
			&simBridge{platform: api.PlatformIOS, version: "1.0.0", build: "100"},
			device.NewFileKeyValue(deviceDir),
			deviceDir,
			agent.Callbacks{},
			log.WithField("device", i),
		)

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			runDevice(ctx, a, *checkInterval, log.WithField("device", index))
		}(i)
	}

	wg.Wait()
	log.Infoln("device simulator stopped")
}

// runDevice drives one simulated device: init, then periodic check and
// download, with per-device jitter so checks do not thundering-herd.
func runDevice(ctx context.Context, a *agent.Agent, interval time.Duration, log logrus.FieldLogger) {
	if err := a.Init(ctx); err != nil {
		log.WithError(err).Error("initializing agent")
		return
	}

	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := a.CheckForUpdate(ctx)
		if err == nil && resp.UpdateAvailable {
			log.Infof("update available: %s", resp.Release.Version)
			if err := a.Download(ctx, resp.Release); err != nil {
				log.WithError(err).Warn("downloading update")
			} else {
				a.NotifyAppReady()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
