package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"missionlab/internal/config"
	"missionlab/internal/logging"
)

var (
	configPath   string
	addrFlag     string
	dbPathFlag   string
	docsRootFlag string
	logLevel     string

	cfg        config.Config
	logger     *zap.Logger
	syncLogger func()
)

var rootCmd = &cobra.Command{
	Use:   "missiond",
	Short: "Multi-agent research missions with self-optimizing prompts",
	Long: `missiond plans, researches and writes reports over an ingested
document library, reflecting on its own output between iterations and
evolving agent prompts with a genetic optimizer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		loaded.Server.Addr = firstNonEmpty(addrFlag, loaded.Server.Addr, ":8091")
		loaded.Server.DBPath = firstNonEmpty(dbPathFlag, loaded.Server.DBPath, "data/missionlab.db")
		loaded.Server.DocumentsRoot = firstNonEmpty(docsRootFlag, loaded.Server.DocumentsRoot, "documents")
		loaded.Server.DefaultUserID = firstNonEmpty(loaded.Server.DefaultUserID, "local")
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded

		l, restore, err := logging.Install(cfg.Logging)
		if err != nil {
			return err
		}
		logger, syncLogger = l, restore
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if syncLogger != nil {
			syncLogger()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.missionlab/config.toml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "http listen address override")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path override")
	rootCmd.PersistentFlags().StringVar(&docsRootFlag, "documents", "", "documents root override")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
