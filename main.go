package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/VladMinzatu/symbolicator/internal/config"
	"github.com/VladMinzatu/symbolicator/internal/provider"
	"github.com/VladMinzatu/symbolicator/internal/server"
	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
	"github.com/VladMinzatu/symbolicator/internal/symbolizer"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Failed to parse configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		cfg.Fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	modules, err := newModuleProvider(cfg)
	if err != nil {
		slog.Error("Failed to initialise symbol provider", "error", err)
		os.Exit(1)
	}

	demangleOpts, err := symbolizer.ParseDemangleMode(cfg.Demangle)
	if err != nil {
		slog.Error("Invalid demangle mode", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	extractor := symbolizer.NewDispatcher(
		symbolizer.WithDemangle(demangleOpts),
		symbolizer.WithMaxDecompressedBytes(cfg.MaxDecompressedBytes),
	)
	sym := symbolicate.New(modules, extractor,
		symbolicate.WithModuleTimeout(cfg.ModuleTimeout),
		symbolicate.WithMaxConcurrentModules(cfg.MaxConcurrentModules),
		symbolicate.WithLegacyFunctionOffset(cfg.LegacyFunctionOffset),
		symbolicate.WithMetrics(symbolicate.NewMetrics(reg)),
	)
	srv := server.New(sym, reg,
		server.WithLogger(logger),
		server.WithMaxRequestBytes(cfg.MaxRequestBytes),
	)

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		slog.Info("Shutting down")
		cancel()
	}()

	if err := srv.Run(ctx, cfg.ListenAddress, cfg.ShutdownTimeout); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

// newModuleProvider tries the local store before the symbol server.
func newModuleProvider(cfg *config.Config) (symbolicate.ModuleProvider, error) {
	var chain provider.Chain
	if cfg.SymbolsDir != "" {
		chain = append(chain, provider.NewDir(cfg.SymbolsDir))
	}
	if cfg.SymbolServerURL != "" {
		h, err := provider.NewHTTP(cfg.SymbolServerURL, provider.WithMaxDownloadBytes(cfg.MaxDownloadBytes))
		if err != nil {
			return nil, err
		}
		chain = append(chain, h)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
