package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/ocfl-archive/layerstore/pkg/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"display"},
	Short:   "starts a read-only http view of the store",
	Example: "layerstore serve --addr localhost:8080",
	Args:    cobra.NoArgs,
	Run:     doServe,
}

func initServe() {
	serveCmd.Flags().StringP("addr", "a", "", "address to listen on")
	serveCmd.Flags().String("cert", "", "tls certificate file")
	serveCmd.Flags().String("key", "", "tls key file")
}

func doServeConf(cmd *cobra.Command) {
	if str := getFlagString(cmd, "addr"); str != "" {
		conf.Serve.Addr = str
	}
	if str := getFlagString(cmd, "cert"); str != "" {
		conf.Serve.CertFile = str
	}
	if str := getFlagString(cmd, "key"); str != "" {
		conf.Serve.KeyFile = str
	}
}

func doServe(cmd *cobra.Command, args []string) {
	doServeConf(cmd)
	withStore("cannot serve", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		srv, err := server.NewServer(ls, conf.Serve.Addr, logger)
		if err != nil {
			return err
		}

		done := make(chan error, 1)
		go func() {
			err := srv.ListenAndServe(conf.Serve.CertFile, conf.Serve.KeyFile)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			done <- err
		}()

		// interrupt signal sent from terminal or service manager
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigint)

		select {
		case err := <-done:
			return err
		case <-sigint:
		}
		logger.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-done; err != nil {
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	})
}
