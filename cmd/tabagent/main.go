// Command tabagent reports the number of open tabs to the local relay.
//
// Tab count updates are read from stdin, one per line: a number, "+" or "-".
// "port N" and "secret S" change the relay preferences.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	tabcounter "github.com/tabcounter/tabcounter.go"
	"github.com/tabcounter/tabcounter.go/internal/cli"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tabcounter", "prefs.toml")
}

func run() error {
	conf := tabcounter.DefaultConfig()

	flags := pflag.NewFlagSet("tabagent", pflag.ContinueOnError)
	flags.StringVarP(&conf.PrefsPath, "config", "c", defaultPrefsPath(), "preferences file (port and secret)")
	logFormat := flags.String("log-format", cli.LogFormatText, "log format: text, json or zerolog")
	logLevel := flags.StringP("log-level", "l", "info", "log level: debug, info, warn or error")
	flags.StringVar(&conf.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.DurationVar(&conf.PushInterval, "push-interval", constants.DefaultPushInterval, "re-send the count this often while connected")
	flags.StringVar(&conf.Backoff, "backoff", conf.Backoff, "reconnect backoff: linear, fixed or exponential")
	flags.StringVar(&conf.WireFormat, "wire-format", conf.WireFormat, "wire format: json or cbor")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	log, closeLog, err := cli.NewLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	conf.Logger = log

	if conf.PrefsPath != "" {
		if err := os.MkdirAll(filepath.Dir(conf.PrefsPath), 0o755); err != nil {
			return fmt.Errorf("failed to create preferences directory: %w", err)
		}
	}

	agent, err := tabcounter.New(conf)
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := runCommands(os.Stdin, agent.State(), agent.Prefs(), os.Stderr); err != nil {
			log.Warn("failed to read stdin", "error", err)
		}
		log.Debug("stdin closed, counts will no longer change")
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
