package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
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
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Connect to a server, send messages and print the replies",
		Args:  cobra.NoArgs,
		Run:   startClient,
	}
	clientFlags = struct {
		Addr        string
		Messages    []string
		Stdin       bool
		Unreliable  bool
		Repeat      int
		Exit        bool
		Linger      time.Duration
		DB          string
		MetricsAddr string
		TickRate    time.Duration
	}{}
)

func init() {
	def := config.Default()
	clientCmd.Flags().StringVar(&clientFlags.Addr, "addr", def.Client.Addr, "the server address to connect to")
	clientCmd.Flags().StringArrayVarP(&clientFlags.Messages, "message", "m", nil, "a message to send once connected (repeatable)")
	clientCmd.Flags().BoolVar(&clientFlags.Stdin, "stdin", false, "send every line read from stdin as a message")
	clientCmd.Flags().BoolVar(&clientFlags.Unreliable, "unreliable", false, "send messages unreliably")
	clientCmd.Flags().IntVar(&clientFlags.Repeat, "repeat", 1, "the amount of times to send the messages")
	clientCmd.Flags().BoolVar(&clientFlags.Exit, "exit", false, "send the exit message after the other messages")
	clientCmd.Flags().DurationVar(&clientFlags.Linger, "linger", def.Client.Linger, "how long to wait for replies before disconnecting")
	clientCmd.Flags().StringVar(&clientFlags.DB, "db", def.Journal.Path, "the sqlite database to record the session in")
	clientCmd.Flags().StringVar(&clientFlags.MetricsAddr, "metrics-addr", def.Metrics.Addr, "the network address to serve Prometheus metrics on")
	clientCmd.Flags().DurationVar(&clientFlags.TickRate, "tick-rate", def.Session.TickRate, "the interval between session loop ticks")
	Root.AddCommand(clientCmd)
}

// clientScript sends the configured messages once the client is connected,
// then disconnects after the linger period.
type clientScript struct {
	client   *session.ClientConnection
	messages [][]byte
	repeat   int
	rel      sockets.Reliability
	exit     bool
	linger   time.Duration
	lines    <-chan string

	sent   bool
	doneAt time.Time
}

func (s *clientScript) afterLoop() error {
	if s.client.State() != sockets.StateConnected {
		return nil
	}

	if !s.sent {
		s.sent = true
		for i := 0; i < s.repeat; i++ {
			for _, msg := range s.messages {
				if err := s.client.Send(msg, s.rel); err != nil {
					return err
				}
			}
		}
	}

	for s.lines != nil {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.lines = nil
				break
			}
			if err := s.client.Send([]byte(line), s.rel); err != nil {
				return err
			}
			continue
		default:
			return nil
		}
	}

	if s.doneAt.IsZero() {
		if s.exit {
			if err := s.client.SendExitMessage(); err != nil {
				return err
			}
		}
		s.doneAt = time.Now()
		return nil
	}

	if time.Since(s.doneAt) >= s.linger {
		return s.client.Disconnect("client done")
	}
	return nil
}

func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func startClient(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Client.Addr = clientFlags.Addr
	}
	if flags.Changed("linger") {
		cfg.Client.Linger = clientFlags.Linger
	}
	if flags.Changed("db") {
		cfg.Journal.Path = clientFlags.DB
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = clientFlags.MetricsAddr
	}
	if flags.Changed("tick-rate") {
		cfg.Session.TickRate = clientFlags.TickRate
	}
	if err := cfg.Validate(); err != nil {
		exitWithError(err.Error())
		return
	}
	if clientFlags.Repeat < 0 {
		exitWithError(fmt.Sprintf("bad repeat count: %d", clientFlags.Repeat))
		return
	}

	logger := newLogger(cfg)

	obs, err := startObservers(cfg, logger, "client")
	if err != nil {
		logErrorAndExit(logger, "Unable to start observers", slog.Any("err", err))
		return
	}

	var failed error
	opts := cfg.ClientOptions(logger)
	opts.Lifecycle = obs.lifecycle
	opts.Messages = obs.messages
	opts.OnMessage = func(conn sockets.Handle, data []byte) {
		fmt.Println(string(data))
	}
	opts.OnStatus = func(info *sockets.StatusChangedInfo) {
		if info.Info.State == sockets.StateProblemDetectedLocally {
			failed = fmt.Errorf("connection problem (reason %d): %s", info.Info.EndReason, info.Info.EndDebug)
		}
	}

	client := session.NewClient(opts)
	if err := client.ConnectToServer(cfg.Client.Addr); err != nil {
		obs.stop()
		logErrorAndExit(logger, "Unable to connect to server", slog.Any("err", err))
		return
	}

	script := &clientScript{
		client: client,
		repeat: clientFlags.Repeat,
		exit:   clientFlags.Exit,
		linger: cfg.Client.Linger,
		rel:    sockets.Reliable,
	}
	if clientFlags.Unreliable {
		script.rel = sockets.Unreliable
	}
	for _, msg := range clientFlags.Messages {
		script.messages = append(script.messages, []byte(msg))
	}
	if clientFlags.Stdin {
		script.lines = readLines()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runOpts := cfg.RunOptions(logger)
	runOpts.AfterLoop = script.afterLoop
	err = session.Run(ctx, client, runOpts)
	obs.stop()
	if err = errors.Join(err, failed); err != nil {
		logErrorAndExit(logger, "Client failed", slog.Any("err", err))
		return
	}
}
