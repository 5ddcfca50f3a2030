package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/predictbot/config"
)

const usageText = `usage: predictbot [flags] <command> [args]

commands:
  serve                                 scheduler + websocket hub
  sweep                                 one scheduler sweep and exit
  create -q <question> -options A,B,C [-duration 24h] [-category c]
  bet <market> <option> <amount> [-economy name]
  resolve <market> <option>
  refund <market>
  markets [-offset n] [-limit n]
  pending
  resolvable
  prices <market>
  balance [-economy name] [-history n]
  deposit <from-economy> <amount>
  tip <user> <amount> [-economy name]
  stuck                                 payouts awaiting reconciliation
  reconcile <payout> paid|retry         admin: close a stuck payout

flags:
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	user := flag.String("user", os.Getenv("PREDICTBOT_USER"), "acting user ID")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		return 1
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command, args := flag.Arg(0), flag.Args()[1:]
	slog.Debug("predictbot starting", "config", *configPath, "command", command, "user", *user)

	a, err := newApp(ctx, cfg, command == "serve")
	if err != nil {
		slog.Error("failed to start", "err", err)
		return 1
	}
	defer a.Close()

	if err := dispatch(ctx, a, command, *user, args); err != nil {
		if msg, ok := userMessage(err); ok {
			fmt.Fprintln(os.Stderr, msg)
			slog.Debug("command rejected", "command", command, "err", err)
		} else {
			slog.Error("command failed", "command", command, "err", err)
		}
		return 1
	}
	return 0
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout queda para las tablas de los comandos
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
