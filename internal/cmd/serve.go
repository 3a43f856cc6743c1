package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/grimsteel/pass-secret-service/internal/dbusd"
	"github.com/grimsteel/pass-secret-service/internal/gpgstore"
	"github.com/grimsteel/pass-secret-service/internal/secretstore"
)

var (
	replaceExisting bool
	idleTimeout     time.Duration
)

func init() {
	serveCmd.Flags().BoolVar(&replaceExisting, "replace", false, "Replace an existing owner of org.freedesktop.secrets")
	serveCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Shut down after this long with no calls on the Service object (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Secret Service daemon",
	Long: `serve connects to the session bus, opens the GPG-backed password
store, exports every collection found there, and blocks, answering
org.freedesktop.secrets requests until the process is signaled to stop.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	gpg, err := gpgstore.FromEnv(storeDir, gpgBinary)
	if err != nil {
		return fmt.Errorf("resolve password store: %w", err)
	}
	log.Printf("using password store at %s", gpg.BaseDir())

	store, err := secretstore.Open(gpg)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	defer store.Close()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	defer conn.Close()

	svc := dbusd.New(conn, store, forgetOnLock, poolSize).WithIdleTimeout(idleTimeout)
	if err := svc.Start(replaceExisting); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
	case <-svc.Done():
	}
	return nil
}
