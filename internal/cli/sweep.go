package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"delegate-assistant/internal/repository"
	"delegate-assistant/internal/usecase"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate conversations idle for longer than the inactivity window",
		Run:   runSweep,
	}

	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()
	ctx := cmd.Context()

	store, err := repository.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		exitErr("open store", err)
	}
	defer store.Close()

	// The queue file is held by a running server, so locks expire there.
	sweeper, err := usecase.NewSweeper(store, nil, cfg.Conversations.InactivityWindow, log)
	if err != nil {
		exitErr("build sweeper", err)
	}
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		exitErr("sweep", err)
	}
	fmt.Printf(`{"ok":true,"deactivated":%d}`+"\n", n)
}
