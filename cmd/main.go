package main

import (
	"os"

	"github.com/httprunner/FlashAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flashagent",
	Short: "Flash factory images onto USB attached Android devices",
	Long: `flashagent tracks USB attached Android devices, talks to them over the debug
bridge and the bootloader protocol, and installs factory images end to end:
download, reboot to bootloader, optional unlock, partition flashing and reboot.`,
	SilenceUsage: true,
}

var (
	rootFastboot  string
	rootCacheDir  string
	rootHistoryDB string
	rootVerbose   bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	rootCmd.PersistentFlags().StringVar(&rootFastboot, "fastboot", "", "fastboot binary, overrides $FASTBOOT_PATH")
	rootCmd.PersistentFlags().StringVar(&rootCacheDir, "cache-dir", "", "bundle cache directory, overrides $FLASHAGENT_CACHE_DIR")
	rootCmd.PersistentFlags().StringVar(&rootHistoryDB, "history-db", "", "SQLite history path, overrides $FLASH_HISTORY_DB_PATH")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if rootVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}
	rootCmd.AddCommand(
		newDevicesCmd(),
		newWatchCmd(),
		newPropsCmd(),
		newExecCmd(),
		newFlashCmd(),
		newHistoryCmd(),
		newCatalogCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("flashagent command failed")
	}
}
