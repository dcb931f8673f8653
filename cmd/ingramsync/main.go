package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgivc/ingramsync/internal/app"
)

func main() {
	cfgFileName := flag.String("c", "config.yml", "Path to config file")
	workers := flag.Int("workers", 0, "Worker pool size (overrides config)")
	coverSize := flag.String("cover-size", "", "Cover image size folder (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(*cfgFileName, app.Overrides{
		Workers:   *workers,
		CoverSize: *coverSize,
	})

	os.Exit(a.Run(ctx))
}
