package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/simul/internal/api"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server that hosts, joins and runs simuls`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	scheduler, err := a.newScheduler(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	a.watchHosts(ctx)

	server := api.NewServer(cfg.Server, a.service, a.gateway, a.metrics, a.tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
