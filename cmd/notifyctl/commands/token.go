package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/goph-notify/internal/server/auth"
	"github.com/spf13/cobra"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "goph-notify")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "goph-notify")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run: notifyctl token issue)")
	}
	return tf.AccessToken, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the API bearer token",
	}

	var (
		subject string
		keyEnv  string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with the daemon's API key and save it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := os.Getenv(keyEnv)
			if key == "" {
				return fmt.Errorf("%s is not set", keyEnv)
			}
			tok, err := auth.Issue([]byte(key), subject, ttl)
			if err != nil {
				return err
			}
			if err := saveToken(tok, time.Now().Add(ttl)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token saved to %s\n", tokenPath())
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "notifyctl", "token subject")
	issue.Flags().StringVar(&keyEnv, "key-env", "NOTIFY_API_KEY", "environment variable holding the API key")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.AddCommand(issue, show)
	return cmd
}
