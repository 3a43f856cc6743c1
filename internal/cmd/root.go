package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	storeDir     string
	gpgBinary    string
	logLevel     string
	forgetOnLock bool
	poolSize     int

	// Version info, set via SetVersionInfo from build-time ldflags.
	versionInfo struct {
		Version string
		Commit  string
		Date    string
	}
)

// rootCmd is the pass-secret-serviced base command.
var rootCmd = &cobra.Command{
	Use:   "pass-secret-serviced",
	Short: "A freedesktop.org Secret Service backed by a GPG password store",
	Long: `pass-secret-serviced implements the freedesktop.org Secret Service
D-Bus API over a "pass"-style, GPG-encrypted password store: every secret
is one .gpg file on disk, and collections map to the directories under
the store's secret-service subdirectory.

Quick Start:
  pass-secret-serviced serve
  pass-secret-serviced last-access /org/freedesktop/secrets/aliases/default/AbCdEfGh`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information from build flags.
func SetVersionInfo(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&storeDir, "path", "d", "", "Password store directory (default: $PASSWORD_STORE_DIR or ~/.password-store)")
	rootCmd.PersistentFlags().StringVar(&gpgBinary, "gpg-binary", "", "Path to the gpg binary (default: $GPG_BINARY or \"gpg\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log format: debug adds file:line to each message; info, warn, and error do not (no messages are filtered)")
	rootCmd.PersistentFlags().BoolVarP(&forgetOnLock, "forget-on-lock", "f", false, "Evict cached gpg-agent passphrases on Lock calls")
	rootCmd.PersistentFlags().IntVar(&poolSize, "workers", 8, "Number of concurrent gpg/index operations allowed")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pass-secret-serviced %s\n", versionInfo.Version)
			fmt.Printf("  commit: %s\n", versionInfo.Commit)
			fmt.Printf("  built:  %s\n", versionInfo.Date)
		},
	})
}

// configureLogging sets the standard logger's flags from the level.
// "debug" prefixes each message with a timestamp and file:line; "info",
// "warn" and "error" get a plain timestamp. The level does not filter
// messages: every log call is written at every level.
func configureLogging(level string) error {
	switch level {
	case "debug":
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	case "info", "warn", "error":
		log.SetFlags(log.LstdFlags)
	default:
		return fmt.Errorf("invalid --log-level %q (want debug, info, warn, or error)", level)
	}
	log.SetOutput(os.Stderr)
	return nil
}

// color returns the string with ANSI color codes if stdout is a TTY and NO_COLOR is not set.
func color(s, c string) string {
	if os.Getenv("NO_COLOR") != "" {
		return s
	}
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		return fmt.Sprintf("\033[%sm%s\033[0m", c, s)
	}
	return s
}

func bold(s string) string { return color(s, "1") }
