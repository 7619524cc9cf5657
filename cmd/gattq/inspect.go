package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/bledb"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: `Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. Assigned-number UUIDs are annotated
with their SIG names.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout time.Duration
	inspectMTU            int
	inspectVerbose        bool
	inspectJSON           bool
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	inspectCmd.Flags().IntVar(&inspectMTU, "mtu", 0, "Request this MTU after connecting (0 uses the default)")
	inspectCmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Verbose output")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = inspectConnectTimeout
	cfg.EnableNotifications = false
	if inspectMTU > 0 {
		cfg.MTU = inspectMTU
	}

	// Use background context; per-command timeout is applied inside the engine
	ctx := context.Background()

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	processDevice := func(sess *session.Session) (any, error) {
		progress.Stop()

		tree, ok := sess.Attributes()
		if !ok {
			return nil, fmt.Errorf("attributes not discovered")
		}

		if inspectJSON {
			return nil, renderTreeJSON(os.Stdout, tree)
		}
		return nil, renderTreeText(os.Stdout, sess.Peer(), sess.MTU(), tree)
	}

	_, err = session.Run(ctx, address, &session.Options{Config: cfg}, logger, progress.Callback(), processDevice)
	return err
}

// renderTreeJSON writes the attribute tree as indented JSON.
func renderTreeJSON(w io.Writer, tree *transport.Tree) error {
	out, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode attribute tree: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// renderTreeText writes the attribute tree as an indented listing, one
// line per attribute, with SIG names where known.
func renderTreeText(w io.Writer, peer string, mtu int, tree *transport.Tree) error {
	fmt.Fprintf(w, "Peer %s (MTU %d, %d services)\n", peer, mtu, tree.Len())

	for _, svc := range tree.Services() {
		fmt.Fprintf(w, "service %s%s\n", svc.UUID, nameSuffix(bledb.LookupService(svc.UUID)))
		for _, char := range svc.Characteristics() {
			fmt.Fprintf(w, "  char %s%s [%s]\n", char.UUID, nameSuffix(bledb.LookupCharacteristic(char.UUID)), char.Properties)
			for _, desc := range char.Descriptors {
				fmt.Fprintf(w, "    desc %s%s\n", desc.UUID, nameSuffix(bledb.LookupDescriptor(desc.UUID)))
			}
		}
	}
	return nil
}

// nameSuffix renders an assigned-number name as " (Name)", or nothing
// when the UUID is not in the tables.
func nameSuffix(name string) string {
	if name == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", name)
}
