// Command notifyctl drives a running notifyd over its HTTP API.
package main

import (
	"os"

	"github.com/and161185/goph-notify/cmd/notifyctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
