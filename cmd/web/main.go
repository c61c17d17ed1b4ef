// Package main is the entry point for the CloudArb web server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudarb/cloudarb/internal/api"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/web"

	_ "github.com/cloudarb/cloudarb/internal/provider/aws"
	_ "github.com/cloudarb/cloudarb/internal/provider/azure"
	_ "github.com/cloudarb/cloudarb/internal/provider/gcp"
	_ "github.com/cloudarb/cloudarb/internal/provider/lambdalabs"
	_ "github.com/cloudarb/cloudarb/internal/provider/runpod"
)

func main() {
	port := flag.Int("port", 8000, "Port to run the web server on")
	flag.Parse()

	fmt.Println()
	fmt.Println("   _____ _                 _    _            _     ")
	fmt.Println("  / ____| |               | |  / \\          | |    ")
	fmt.Println(" | |    | | ___  _   _  __| | / _ \\  _ __ ___| |__  ")
	fmt.Println(" | |    | |/ _ \\| | | |/ _` |/ ___ \\| '__/ __| '_ \\ ")
	fmt.Println(" | |____| | (_) | |_| | (_| / ____ \\| |  \\__ \\ |_) |")
	fmt.Println("  \\_____|_|\\___/ \\__,_|\\__,_/_/    \\_\\_|  |___/_.__/ ")
	fmt.Println()
	fmt.Println("  multi-cloud GPU pricing arbitrage and allocation")
	fmt.Println()

	cfg := config.Get()
	cfg.Server.Port = *port

	app := api.Init(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)

	server := web.NewServer(cfg, app)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = app.Shutdown(shutdownCtx)
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
