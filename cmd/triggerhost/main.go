package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"triggerhost/internal/app"
)

type options struct {
	Config      string        `long:"config" short:"c" env:"TRIGGERHOST_CONFIG" default:"./triggerhost.yaml" description:"Path to the config file (yaml or json)"`
	LogLevel    string        `long:"log-level" env:"TRIGGERHOST_LOG_LEVEL" description:"Override logging.level"`
	StopTimeout time.Duration `long:"stop-timeout" env:"TRIGGERHOST_STOP_TIMEOUT" default:"1m" description:"Upper bound for the whole shutdown"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	h, err := app.NewApp(opts.Config, app.WithLogLevel(opts.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := h.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(h, app.StopFatalError, opts.StopTimeout)
		os.Exit(1)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonForSignal(sig)
	case <-h.Done():
		if h.Err() != nil {
			reason = app.StopFatalError
		}
	}
	if err := stop(h, reason, opts.StopTimeout); err != nil || reason == app.StopFatalError {
		os.Exit(1)
	}
}

func stop(h *app.App, reason app.StopReason, max time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), max)
	defer cancel()
	err := h.Stop(ctx, reason)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	return err
}
