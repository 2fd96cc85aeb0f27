package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sentryd/sentryd/pkg/config"
	"github.com/go-sentryd/sentryd/pkg/kernel"
	"github.com/go-sentryd/sentryd/pkg/observer"
	"github.com/go-sentryd/sentryd/pkg/plugin"

	_ "github.com/go-sentryd/sentryd/internal/plugins/mirror"
	_ "github.com/go-sentryd/sentryd/internal/plugins/scribe"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "/etc/sentryd.yaml", "path to the YAML configuration file")
	pluginsDir := flag.String("plugins", "", "directory to load compiled (.so) plugins from")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentryd version %s\n", version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	source := config.NewYAMLSource(*configPath)
	reg := plugin.Default()

	o, err := observer.New(source, *pluginsDir, kernel.NewFsnotifySource(), reg)
	if err != nil {
		slog.Error("failed to start observer", "error", err)
		os.Exit(1)
	}

	o.Start()
	slog.Info("sentryd running", "config", *configPath, "plugins_dir", *pluginsDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			o.Stop()
			<-o.Done()
			return

		case <-ticker.C:
			if msg := o.Error(); msg != "" {
				slog.Warn("observer reported an error", "error", msg)
			}
		}
	}
}
