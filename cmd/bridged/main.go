package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgebots/devbridge/bridge"
	devnet "github.com/forgebots/devbridge/internal/net"
	"github.com/forgebots/devbridge/session"
)

func main() {
	app := &cli.App{
		Name:  "bridged",
		Usage: "the process-backed streaming bridge for the browser development environment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8377",
			},
			&cli.StringFlag{
				Name:  "workspace-root",
				Usage: "Directory that project paths are resolved under.",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "analysis-command",
				Usage: "Command line for the language-analysis tool spawned per dedicated connection.",
				Value: "jdtls",
			},
			&cli.StringFlag{
				Name:  "build-command",
				Usage: "Build tool invocation the task name is appended to.",
				Value: "./gradlew",
			},
			&cli.DurationFlag{
				Name:  "grace-period",
				Usage: "How long to wait after a graceful termination signal before killing.",
				Value: 5 * time.Second,
			},
			&cli.IntFlag{
				Name:  "history-limit",
				Usage: "Maximum output events retained per session for replay.",
				Value: 10000,
			},
			&cli.StringFlag{
				Name:  "sweep-names",
				Usage: "Comma-separated process name fragments the pre-simulation sweep terminates.",
				Value: strings.Join(session.DefaultNameFragments, ","),
			},
			&cli.StringFlag{
				Name:  "sweep-ports",
				Usage: "Comma-separated port ranges the pre-simulation sweep clears, e.g. 1735-1745,3300.",
				Value: "1735-1745,3300-3310,5800-5820",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Path to a TLS certificate file; enables HTTPS together with --tls-key.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Path to the TLS key file.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	portRanges, err := devnet.ParsePortRanges(ctx.String("sweep-ports"))
	if err != nil {
		return fmt.Errorf("parsing sweep ports: %w", err)
	}

	sweeper := session.NewSweeper(
		session.WithSweepLogger(logger),
		session.WithNameFragments(strings.Split(ctx.String("sweep-names"), ",")),
		session.WithPortRanges(portRanges),
	)
	manager := session.NewManager(
		session.WithManagerLogger(logger),
		session.WithGracePeriod(ctx.Duration("grace-period")),
		session.WithHistoryLimit(ctx.Int("history-limit")),
		session.WithSweeper(sweeper),
	)

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithListenAddr(ctx.String("listen-addr")),
		bridge.WithWorkspaceRoot(ctx.String("workspace-root")),
		bridge.WithAnalysisCommand(strings.Fields(ctx.String("analysis-command"))),
		bridge.WithBuildCommand(strings.Fields(ctx.String("build-command"))),
		bridge.WithGracePeriod(ctx.Duration("grace-period")),
		bridge.WithSessionManager(manager),
	}
	if ctx.String("tls-cert") != "" {
		opts = append(opts, bridge.WithTLS(ctx.String("tls-cert"), ctx.String("tls-key")))
	}

	server, err := bridge.New(opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Sugar().Info("shutting down")
		if err := server.Stop(); err != nil {
			logger.Sugar().Errorf("error stopping server: %s", err)
		}
	}()

	return server.Run()
}
