package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"delegate-assistant/internal/repository"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Run:   runMigrate,
	}

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg, _ := loadConfig()

	// OpenSQL applies the schema.
	store, err := repository.OpenSQL(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		exitErr("migrate", err)
	}
	defer store.Close()

	fmt.Printf(`{"ok":true,"driver":%q}`+"\n", cfg.Database.Driver)
}
