package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"webrag/src/infrastructure/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background ingestion worker",
	Long: `The worker consumes ingestion jobs from RabbitMQ and publishes their
progress back to the API processes. It requires queue.backend=amqp.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if backend := viper.GetString("queue.backend"); backend != "amqp" {
		return fmt.Errorf("worker needs queue.backend=amqp, got %q", backend)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, roleWorker)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startJobs(ctx); err != nil {
		return err
	}
	log.Info("Worker started", "workers", viper.GetInt("queue.workers"))

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Info("Shutting down...")
	cancel()
	return nil
}
