package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkengine/tknet/internal/config"
	"github.com/tkengine/tknet/internal/session"
	"github.com/tkengine/tknet/internal/sockets"
)

var (
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Accept peer sessions and echo their messages",
		Args:  cobra.NoArgs,
		Run:   startServer,
	}
	serverFlags = struct {
		Addr           string
		MaxConnections int
		AcceptRate     float64
		AcceptBurst    int
		ExitPolicy     string
		Echo           bool
		DB             string
		MetricsAddr    string
		TickRate       time.Duration
	}{}
)

func init() {
	def := config.Default()
	serverCmd.Flags().StringVar(&serverFlags.Addr, "addr", def.Server.Addr, "the UDP network address to listen on")
	serverCmd.Flags().IntVar(&serverFlags.MaxConnections, "max-connections", def.Server.MaxConnections, "the maximum number of peers (0 is unlimited)")
	serverCmd.Flags().Float64Var(&serverFlags.AcceptRate, "accept-rate", def.Server.AcceptRate, "the maximum number of new connections per second (0 is unlimited)")
	serverCmd.Flags().IntVar(&serverFlags.AcceptBurst, "accept-burst", def.Server.AcceptBurst, "the burst size for the accept rate limit")
	serverCmd.Flags().StringVar(&serverFlags.ExitPolicy, "exit-policy", def.Server.ExitPolicy, "what an exit message does: stop the server or close the peer (stop|close)")
	serverCmd.Flags().BoolVar(&serverFlags.Echo, "echo", def.Server.Echo, "echo every message back to its sender")
	serverCmd.Flags().StringVar(&serverFlags.DB, "db", def.Journal.Path, "the sqlite database to record sessions in")
	serverCmd.Flags().StringVar(&serverFlags.MetricsAddr, "metrics-addr", def.Metrics.Addr, "the network address to serve Prometheus metrics on")
	serverCmd.Flags().DurationVar(&serverFlags.TickRate, "tick-rate", def.Session.TickRate, "the interval between session loop ticks")
	Root.AddCommand(serverCmd)
}

func startServer(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = serverFlags.Addr
	}
	if flags.Changed("max-connections") {
		cfg.Server.MaxConnections = serverFlags.MaxConnections
	}
	if flags.Changed("accept-rate") {
		cfg.Server.AcceptRate = serverFlags.AcceptRate
	}
	if flags.Changed("accept-burst") {
		cfg.Server.AcceptBurst = serverFlags.AcceptBurst
	}
	if flags.Changed("exit-policy") {
		cfg.Server.ExitPolicy = serverFlags.ExitPolicy
	}
	if flags.Changed("echo") {
		cfg.Server.Echo = serverFlags.Echo
	}
	if flags.Changed("db") {
		cfg.Journal.Path = serverFlags.DB
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = serverFlags.MetricsAddr
	}
	if flags.Changed("tick-rate") {
		cfg.Session.TickRate = serverFlags.TickRate
	}
	if err := cfg.Validate(); err != nil {
		exitWithError(err.Error())
		return
	}

	logger := newLogger(cfg)

	obs, err := startObservers(cfg, logger, "server")
	if err != nil {
		logErrorAndExit(logger, "Unable to start observers", slog.Any("err", err))
		return
	}

	var srv *session.ServerConnection
	opts := cfg.ServerOptions(logger)
	opts.Lifecycle = obs.lifecycle
	opts.Messages = obs.messages
	if cfg.Server.Echo {
		opts.OnMessage = func(conn sockets.Handle, data []byte) {
			if session.IsExitMessage(data) {
				return
			}
			if err := srv.Send(conn, data, sockets.Reliable); err != nil {
				logger.Warn("Unable to echo message",
					slog.Uint64("conn", uint64(conn)),
					slog.Any("err", err))
			}
		}
	}

	srv = session.NewServer(opts)
	if err := srv.StartConnection(cfg.Server.Addr); err != nil {
		obs.stop()
		logErrorAndExit(logger, "Unable to start server", slog.Any("err", err))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = session.Run(ctx, srv, cfg.RunOptions(logger))
	obs.stop()
	if err != nil {
		logErrorAndExit(logger, "Server failed", slog.Any("err", err))
		return
	}

	logger.Info("Bye!")
}
