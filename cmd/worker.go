package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/simul/internal/messaging"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes game results from Azure Service Bus and reconciles started simuls`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Azure.QueueConnStr != "" {
		consumer, err := messaging.NewConsumer(cfg.Azure, a.service)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer func() {
				if err := consumer.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close game-finished consumer")
				}
			}()
			log.Info().Str("queue", cfg.Azure.GameFinishedQueue).Msg("Starting Azure Service Bus consumer")
			return consumer.Run(gctx)
		})
	} else {
		log.Warn().Msg("No Service Bus connection string, relying on reconciliation for game results")
	}

	// Reconciliation repairs pairings whose completion message was lost
	g.Go(func() error {
		scheduler, err := a.newScheduler(gctx)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Simul.ReconcileInterval),
			gocron.NewTask(func() {
				log.Debug().Msg("Running simul reconciliation")
				if err := a.service.Reconcile(gctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile simuls")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-gctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
