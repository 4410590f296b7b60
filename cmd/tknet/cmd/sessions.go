package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkengine/tknet/internal/db"
	"github.com/tkengine/tknet/internal/repo"
)

var (
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List the open sessions recorded in a journal database",
		Args:  cobra.NoArgs,
		Run:   startSessions,
	}
	sessionsFlags = struct {
		DB string
	}{}
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFlags.DB, "db", "", "the sqlite database to read")
	Root.AddCommand(sessionsCmd)
}

func startSessions(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if cmd.Flags().Changed("db") {
		cfg.Journal.Path = sessionsFlags.DB
	}
	if cfg.Journal.Path == "" {
		exitWithError("no journal database configured")
		return
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	db.RegisterPragmaHook(cfg.Journal.CacheSizeMB * 1024)
	rdb, wdb, err := db.OpenReadWrite(ctx, cfg.Journal.Path, db.OpenOptions{})
	if err != nil {
		logErrorAndExit(logger, "Unable to open journal", slog.Any("err", err))
		return
	}
	defer rdb.Close()
	defer wdb.Close()

	sessions, err := repo.New(rdb).ListOpenSessions(ctx)
	if err != nil {
		logErrorAndExit(logger, "Unable to list sessions", slog.Any("err", err))
		return
	}

	enc := json.NewEncoder(os.Stdout)
	for _, s := range sessions {
		if err := enc.Encode(s); err != nil {
			logErrorAndExit(logger, "Unable to write session", slog.Any("err", err))
			return
		}
	}
}
