package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fleetrun/internal/app"
)

func main() {
	var (
		cfgPath string
		mode    string
		noop    bool
	)
	flag.StringVar(&cfgPath, "config", "./fleetrun.yaml", "path to config yaml or json")
	flag.StringVar(&mode, "mode", "once", "once, watch or daemon")
	flag.BoolVar(&noop, "noop", false, "dry run: compute and report jobs without executing them")
	flag.Parse()

	m, err := app.ParseMode(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath, Mode: m, Noop: noop})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	err = a.Run(ctx)
	_ = a.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
