package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node serving the demo methods",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gin.SetMode(gin.ReleaseMode)
		n := newNode(cfg)
		httpSrv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           n.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errs := make(chan error, 2)
		go func() {
			log.Info().Msgf("xframectl.serve listening addr=%s ws=%s origin=%s", cfg.ListenAddr, wsPath, cfg.Origin)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
		if cfg.TCPAddr != "" {
			ln, err := net.Listen("tcp", cfg.TCPAddr)
			if err != nil {
				return err
			}
			go func() {
				log.Info().Msgf("xframectl.serve listening tcp=%s", cfg.TCPAddr)
				if err := n.acceptTCP(ctx, ln); err != nil {
					errs <- err
				}
			}()
		}

		select {
		case <-ctx.Done():
		case err := <-errs:
			stop()
			return err
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("xframectl.serve shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
