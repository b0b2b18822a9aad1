package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"delegate-assistant/internal/config"
	"delegate-assistant/internal/queue"
	"delegate-assistant/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, the task workers, the Telegram poller and the inactivity sweep",
		Run:   runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, log := loadConfig()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	err := serve(ctx, cfg, log)
	stop()
	_ = log.Sync()
	if err != nil {
		exitErr("serve", err)
	}
}

// serve runs until ctx is cancelled or the HTTP server fails. Everything it
// opened is closed before it returns.
func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer a.Close()

	q, err := queue.OpenBolt(cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	n, err := a.normalizer(q, q)
	if err != nil {
		return fmt.Errorf("build normalizer: %w", err)
	}
	h, err := a.handler(n)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	pool, err := queue.NewPool(q, a.registry, a.queueConfig(), log)
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}
	sweeper, err := usecase.NewSweeper(a.store, q, cfg.Conversations.InactivityWindow, log)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}

	var wg sync.WaitGroup
	pool.Start(ctx)
	defer pool.Wait()
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, cfg.Conversations.SweepInterval)
	}()
	if a.telegram != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.telegram.Poll(ctx, acceptTelegram(n)); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("telegram polling stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("stopped")
	return serveErr
}
