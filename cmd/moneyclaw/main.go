// Command moneyclaw runs the autonomous automaton runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/moneyclaw/moneyclaw/internal/adapter/observability"
	"github.com/moneyclaw/moneyclaw/internal/app"
	"github.com/moneyclaw/moneyclaw/internal/config"
	"github.com/moneyclaw/moneyclaw/internal/domain"
)

var version = "dev"

// Exit codes: 0 success, 1 generic failure, 2 storage unavailable,
// 3 wallet missing or invalid.
const (
	exitOK      = 0
	exitGeneric = 1
	exitStore   = 2
	exitWallet  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagRun       = flag.Bool("run", false, "run the agent loop")
		flagSetup     = flag.Bool("setup", false, "write the configuration file from flags and environment")
		flagConfigure = flag.Bool("configure", false, "alias for -setup")
		flagInit      = flag.Bool("init", false, "provision the identity row in a fresh home directory")
		flagProvision = flag.Bool("provision", false, "alias for -init")
		flagPickModel = flag.String("pick-model", "", "set the default inference model")
		flagStatus    = flag.Bool("status", false, "print a status snapshot")
		flagVersion   = flag.Bool("version", false, "print the version")
	)
	flag.Parse()

	if *flagVersion {
		fmt.Println("automaton " + version)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitGeneric
	}
	observability.SetupLogger(cfg, config.LogPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *flagSetup || *flagConfigure:
		if err := cfg.Save(config.DefaultPath()); err != nil {
			slog.Error("failed to write configuration", slog.Any("error", err))
			return exitGeneric
		}
		fmt.Println("configuration written to " + config.DefaultPath())
		return exitOK

	case *flagInit || *flagProvision:
		identity, err := app.Init(ctx, cfg)
		if err != nil {
			slog.Error("init failed", slog.Any("error", err))
			return exitCodeFor(err)
		}
		fmt.Println("Wallet: " + identity.WalletAddress)
		return exitOK

	case *flagPickModel != "":
		if err := app.PickModel(ctx, *flagPickModel); err != nil {
			slog.Error("pick-model failed", slog.Any("error", err))
			return exitCodeFor(err)
		}
		fmt.Println("default model set to " + *flagPickModel)
		return exitOK

	case *flagStatus:
		rep, err := app.StatusReport(ctx, cfg)
		if err != nil {
			slog.Error("status failed", slog.Any("error", err))
			return exitCodeFor(err)
		}
		fmt.Printf("wallet:  %s\n", rep.WalletAddress)
		fmt.Printf("tier:    %s\n", rep.Tier)
		fmt.Printf("credits: %d\n", rep.Credits)
		fmt.Printf("model:   %s\n", rep.ActiveModel)
		fmt.Printf("session: open=%t\n", rep.SessionOpen)
		if rep.LastError != "" {
			fmt.Printf("last error: %s\n", rep.LastError)
		}
		return exitOK

	case *flagRun:
		return runLoop(ctx, cfg)

	default:
		flag.Usage()
		return exitGeneric
	}
}

func runLoop(ctx context.Context, cfg config.Config) int {
	observability.InitMetrics()

	if err := writePIDFile(); err != nil {
		slog.Warn("failed to write pid file", slog.Any("error", err))
	}
	defer removePIDFile()

	rt, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("runtime assembly failed", slog.Any("error", err))
		return exitCodeFor(err)
	}

	slog.Info("automaton starting", slog.String("version", version))
	if err := rt.Run(ctx); err != nil {
		slog.Error("runtime stopped with error", slog.Any("error", err))
		return exitCodeFor(err)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, app.ErrStore) || errors.Is(err, domain.ErrFatal):
		return exitStore
	case errors.Is(err, app.ErrWallet):
		return exitWallet
	default:
		return exitGeneric
	}
}

func writePIDFile() error {
	return os.WriteFile(config.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePIDFile() {
	if err := os.Remove(config.PIDPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove pid file", slog.Any("error", err))
	}
}
