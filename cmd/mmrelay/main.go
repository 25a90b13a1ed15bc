package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/app"
)

type launchOptions struct {
	app.Options
	ShowVersion bool
}

func parseLaunchOptions(args []string, output io.Writer) (launchOptions, error) {
	var opts launchOptions

	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default: <data-dir>/config.yaml)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "directory for the database, credentials and logs")
	fs.BoolVar(&opts.ResetDatabase, "reset-database", false, "clear stored nodes, message map and plugin data before starting")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return launchOptions{}, err
	}
	if fs.NArg() > 0 {
		return launchOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return opts, nil
}

func main() {
	opts, err := parseLaunchOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Println(app.VersionLine())
		return
	}

	if err := run(opts.Options); err != nil {
		slog.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(opts app.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Initialize(ctx, opts)
	if err != nil {
		return fmt.Errorf("initialize relay: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("close relay runtime", "error", err)
		}
	}()

	return rt.Run(ctx)
}
