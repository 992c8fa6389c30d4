// savesync synchronizes title save and extdata containers with a sync
// server.
//
// Sub-commands:
//
//	savesync run                                 Run the background sync engine
//	savesync sync <title-id> <upload|download>   One-shot sync of a title
//	savesync titles                              List local titles
//	savesync status                              Ping the server, summarize its catalog
//	savesync token set|show|clear                Manage the saved auth token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/savesync/internal/logging"
)

// globalFlags are shared by every sub-command and override the config file.
type globalFlags struct {
	configFile  string
	serverURL   string
	deviceRoot  string
	cacheDir    string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "savesync",
		Short: "Sync title save data with a savesync server.",

		// Execute prints the error; silence cobra's own copy.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default ~/.config/savesync/config.yaml)")
	pf.StringVar(&flags.serverURL, "server", "", "server URL")
	pf.StringVar(&flags.deviceRoot, "device-root", "", "device directory tree")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "title cache directory")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: json or console (default: console on a terminal)")

	rootCmd.AddCommand(
		newRunCmd(&flags),
		newSyncCmd(&flags),
		newTitlesCmd(&flags),
		newStatusCmd(&flags),
		newTokenCmd(&flags),
	)

	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
