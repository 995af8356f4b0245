package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"theatrecal/internal/app"
	"theatrecal/internal/config"
	"theatrecal/internal/extract"
	"theatrecal/internal/fetch"
	appLog "theatrecal/internal/log"
	"theatrecal/internal/schedule"
	"theatrecal/internal/store"
	"theatrecal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	logLevel   string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file when set.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.Init(appLog.Config{Level: conf.Log.Level, Format: conf.Log.Format})
	if flags.logLevel != "" {
		appLog.SetLevel(appLog.Level(flags.logLevel))
	}
	appLog.Info("theatrecal starting", "version", "0.1.0")

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"sync_interval", conf.SyncInterval,
		"source", conf.Source.BaseURL+conf.Source.PagePath,
		"storage_driver", conf.Storage.Driver,
		"storage_path", conf.Storage.Path,
		"save_after_merge", conf.Sync.SaveAfterMerge,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("theatrecal failed", err)
		os.Exit(1)
	}
	appLog.Info("theatrecal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	loc := conf.Location()

	st, err := store.Open(conf.Storage.Driver, conf.Storage.Path, store.Options{
		PersistFingerprints: conf.Storage.PersistFingerprints,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Error("failed to close store", err)
		}
	}()

	fetcher, err := fetch.NewHTTPFetcher(fetch.Options{
		BaseURL:   conf.Source.BaseURL,
		PagePath:  conf.Source.PagePath,
		PageParam: conf.Source.PageParam,
		Timeout:   time.Duration(conf.Source.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	extractor := extract.NewHTMLExtractor(extract.Options{
		MonthNames: conf.Source.MonthNames,
		Location:   loc,
		PageParam:  conf.Source.PageParam,
	})

	sched := schedule.New(st, schedule.WithLocation(loc))
	a := app.New(sched, fetcher, extractor, app.WithSaveAfterMerge(conf.Sync.SaveAfterMerge))

	if once {
		return runOnce(ctx, a)
	}

	sup := suture.New("theatrecal", suture.Spec{
		EventHook: func(e suture.Event) {
			appLog.Warn("supervisor event", "event", e.String())
		},
	})
	sup.Add(web.NewServer(conf, a))
	sup.Add(app.NewScheduler(a, conf.SyncEvery(), true))

	err = sup.Serve(ctx)

	// The root context is gone by now; saving gets its own deadline.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := a.Shutdown(saveCtx); serr != nil {
		appLog.Error("failed to save months on exit", serr)
		return serr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce performs a single sync, saves and prints the summary.
func runOnce(ctx context.Context, a *app.App) error {
	st, err := a.SyncNow(ctx)
	if err != nil {
		fmt.Println(app.FailureSummary(err.Error()))
		return err
	}
	if err := a.Save(ctx); err != nil {
		return err
	}
	fmt.Println(st.Summary)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", defaultConfigPath(), "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync, save the result and exit")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")

	flag.Parse()

	return cfg
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "theatrecal", "config.yaml")
	}
	return "./theatrecal.yaml"
}
