// Package commands holds the notifyctl command tree.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	token   string
	timeout time.Duration
}

// Execute runs the command line against os.Args.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Manage notify subscriptions through a local notifyd",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("NOTIFY_ADDR", "http://127.0.0.1:8080"), "notifyd HTTP address")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (default: saved token)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 45*time.Second, "per-request timeout")

	root.AddCommand(
		tokenCmd(),
		registerCmd(opts),
		unregisterCmd(opts),
		accountsCmd(opts),
		subscriptionsCmd(opts),
		subscribeCmd(opts),
		updateCmd(opts),
		deleteCmd(opts),
		messagesCmd(opts),
		pendingCmd(opts),
		watchCmd(opts),
		relayCmd(),
	)
	return root
}

// client resolves the token (flag first, then the saved one) and builds the API client.
func (o *options) client() *apiClient {
	tok := o.token
	if tok == "" {
		tok, _ = loadToken()
	}
	return newAPIClient(o.addr, tok, o.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
