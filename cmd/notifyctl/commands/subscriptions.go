package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/and161185/goph-notify/internal/server/httpapi"
	"github.com/spf13/cobra"
)

func (o *options) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func registerCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "register [account]",
		Short: "Register an account identity with the keyserver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			acc, err := o.client().Register(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s\n", acc.Account, acc.IdentityKey)
			return nil
		},
	}
}

func unregisterCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister [account]",
		Short: "Remove an account identity from the keyserver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			if err := o.client().Unregister(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
			return nil
		},
	}
}

func accountsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List registered accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			accs, err := o.client().Accounts(ctx)
			if err != nil {
				return err
			}
			for _, a := range accs {
				fmt.Fprintln(cmd.OutOrStdout(), a.Account)
			}
			return nil
		},
	}
}

func subscriptionsCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "subscriptions [account]",
		Aliases: []string{"subs", "ls"},
		Short:   "List active subscriptions, optionally for one account",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var acc string
			if len(args) == 1 {
				acc = args[0]
			}
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			subs, err := o.client().Subscriptions(ctx, acc)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), subs)
			}
			printSubscriptions(cmd.OutOrStdout(), subs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func subscribeCmd(o *options) *cobra.Command {
	var scope []string
	cmd := &cobra.Command{
		Use:   "subscribe [app-domain] [account]",
		Short: "Subscribe an account to a dapp",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			sub, err := o.client().Subscribe(ctx, args[0], args[1], scope)
			if err != nil {
				return err
			}
			printSubscriptions(cmd.OutOrStdout(), []httpapi.Subscription{sub})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "notification types to enable (default: all offered)")
	return cmd
}

func updateCmd(o *options) *cobra.Command {
	var scope []string
	cmd := &cobra.Command{
		Use:   "update [topic]",
		Short: "Replace the enabled notification types of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			sub, err := o.client().Update(ctx, args[0], scope)
			if err != nil {
				return err
			}
			printSubscriptions(cmd.OutOrStdout(), []httpapi.Subscription{sub})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "notification types to keep enabled")
	return cmd
}

func deleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [topic]",
		Aliases: []string{"rm"},
		Short:   "Delete a subscription",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			if err := o.client().Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func messagesCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "messages [topic]",
		Short: "Show the message history of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			msgs, err := o.client().Messages(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PUBLISHED\tTYPE\tTITLE\tBODY")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.PublishedAt.Format(time.RFC3339), m.Type, m.Title, m.Body)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func pendingCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List requests awaiting a response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.ctx(cmd)
			defer cancel()
			reqs, err := o.client().Pending(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reqs)
		},
	}
}

func watchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream subscription changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return o.client().Watch(cmd.Context(), func(ev httpapi.Event) error {
				_, err := fmt.Fprintf(out, "%-8s %s %s [%s]\n", ev.Kind, ev.Subscription.Topic,
					ev.Subscription.AppDomain, strings.Join(enabled(ev.Subscription), ","))
				return err
			})
		},
	}
}

func printSubscriptions(w io.Writer, subs []httpapi.Subscription) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tACCOUNT\tDAPP\tENABLED\tEXPIRES")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Topic, s.Account, s.AppDomain,
			strings.Join(enabled(s), ","), s.Expiry.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func enabled(s httpapi.Subscription) []string {
	var out []string
	for _, t := range s.Scope {
		if t.Enabled {
			out = append(out, t.Name)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
