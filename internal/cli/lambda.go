package cli

import (
	"os"
	"path/filepath"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"delegate-assistant/internal/queue"
)

func init() {
	cmd := &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway events, running each message task inline",
		Run:   runLambda,
	}

	RootCmd.AddCommand(cmd)
}

func runLambda(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		exitErr("wire app", err)
	}

	// Only /tmp is writable; redelivery locks are per container.
	locks, err := queue.OpenBolt(filepath.Join(os.TempDir(), "delegate-locks.db"))
	if err != nil {
		exitErr("open lock store", err)
	}
	n, err := a.normalizer(locks, queue.NewDirect(a.registry, a.queueConfig(), log))
	if err != nil {
		exitErr("build normalizer", err)
	}
	h, err := a.handler(n)
	if err != nil {
		exitErr("build handler", err)
	}

	lambda.Start(h.Handle)
}
