package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpHdlr "webrag/handler/http"
	"webrag/src/infrastructure/log"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and query API",
	Long: `The serve command starts an HTTP server exposing ingestion, progress
streaming and question answering. With queue.backend=gochannel jobs run in
this process; with amqp they are left to "webrag worker".`,
	RunE: RunServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func RunServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, roleServer)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startJobs(ctx); err != nil {
		return err
	}

	if interval := viper.GetDuration("cache.sweep_interval"); interval > 0 {
		go a.cache.RunSweeper(ctx, interval)
	}
	if a.broadcaster != nil {
		go a.broadcaster.RunReaper(ctx, time.Minute)
	}

	// Setup gin router
	r := gin.Default()

	// Register routes
	httpHdlr.NewHandler(a.engine, a.metrics.Handler()).RegisterRoutes(r)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	// Start server in a goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		log.Error(err, "Failed to start server")
		return err
	}
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout())
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}
	cancel()

	log.Info("Server exited")
	return nil
}
