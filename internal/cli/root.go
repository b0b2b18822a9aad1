// Package cli implements the delegate-assistant commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"delegate-assistant/internal/config"
	"delegate-assistant/internal/logging"
)

var (
	configPath string
	envFile    string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "delegate-assistant",
	Short: "Chat assistant for pharmacy sales delegates",
	Long:  "Answers delegates on the web widget, WhatsApp and Telegram from the Q&A catalog, the visit dialogue or a language model.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
}

func loadConfig() (config.Config, *zap.Logger) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		exitErr("load config", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		exitErr("build logger", err)
	}
	return cfg, log
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
