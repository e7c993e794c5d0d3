package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/and161185/goph-notify/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// relayCmd runs an in-process relay for local development and demos.
func relayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a local websocket relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			srv := &http.Server{
				Addr:              addr,
				Handler:           relay.NewServer(relay.NewHub(), log),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "relay listening on ws://%s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:9000", "listen address")
	return cmd
}
