// Command tabrelay serves the local relay the tab counter agent connects to,
// and logs every count it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tabcounter/tabcounter.go/internal/cli"
	"github.com/tabcounter/tabcounter.go/pkg/constants"
	"github.com/tabcounter/tabcounter.go/pkg/relay"
)

const portEnv = "TAB_COUNTER_RELAY_SERVING_PORT"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultPort() (int, error) {
	v, ok := os.LookupEnv(portEnv)
	if !ok || v == "" {
		return constants.DefaultPort, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", portEnv, err)
	}
	return port, nil
}

func run() error {
	port, err := defaultPort()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("tabrelay", pflag.ContinueOnError)
	flags.IntVarP(&port, "port", "p", port, "port to serve on (env "+portEnv+")")
	logFormat := flags.String("log-format", cli.LogFormatText, "log format: text, json or zerolog")
	logLevel := flags.StringP("log-level", "l", "info", "log level: debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return constants.ErrInvalidPort
	}

	log, closeLog, err := cli.NewLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	conf := relay.NewConfig()
	conf.Port = port
	conf.Logger = log
	conf.Sink = relay.LogSink{Logger: log}
	server := relay.New(conf)
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
