// Command pass-secret-serviced runs the freedesktop.org Secret Service
// daemon described in this repository, plus the last-access collaborator
// subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/grimsteel/pass-secret-service/internal/cmd"
)

// Version information, set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
