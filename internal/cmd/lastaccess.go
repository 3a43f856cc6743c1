package cmd

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/grimsteel/pass-secret-service/internal/dbusd"
)

var lastAccessCmd = &cobra.Command{
	Use:   "last-access [item-path]",
	Short: "Print the most recent accessor of a secret item",
	Long: `last-access dials the session bus, calls the daemon's
me.grimsteel.PassSecretService.LastAccess method on the given item object
path, and formats the returned accessor record. It is a read-only
collaborator to the daemon: it never itself opens a session or reads a
secret's payload.`,
	Args: cobra.ExactArgs(1),
	RunE: runLastAccess,
}

func init() {
	rootCmd.AddCommand(lastAccessCmd)
}

func runLastAccess(cmd *cobra.Command, args []string) error {
	path := dbus.ObjectPath(args[0])
	if !path.IsValid() {
		return fmt.Errorf("invalid object path %q", args[0])
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(dbusd.ServiceName, path)

	var (
		busName     string
		uid         uint32
		pid         uint32
		processName string
		unixTime    uint64
	)
	call := obj.Call(dbusd.IfaceLastAccess+".LastAccess", 0)
	if call.Err != nil {
		return fmt.Errorf("call LastAccess on %s: %w", path, call.Err)
	}
	if err := call.Store(&busName, &uid, &pid, &processName, &unixTime); err != nil {
		return fmt.Errorf("parse LastAccess reply: %w", err)
	}

	if unixTime == 0 {
		fmt.Printf("%s has never been accessed\n", path)
		return nil
	}

	when := time.Unix(int64(unixTime), 0).Local().Format(time.RFC3339)
	fmt.Printf("%s\n", bold(string(path)))
	fmt.Printf("  bus name: %s\n", busName)
	fmt.Printf("  uid:      %d\n", uid)
	fmt.Printf("  pid:      %d\n", pid)
	fmt.Printf("  process:  %s\n", processName)
	fmt.Printf("  accessed: %s\n", when)
	return nil
}
