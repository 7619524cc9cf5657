package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/session"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect to a BLE device and hold the link",
	Long: fmt.Sprintf(`Connects to a BLE device, discovers its attributes and holds the link
until a signal arrives or the given duration elapses.

Session parameters can come from a YAML config file; individual flags
override whatever the file sets. With auto-reconnect enabled the command
rides out link drops as long as the retry budget lasts.

Example:
  gattq connect %s
  gattq connect --duration 30s %s
  gattq connect --config session.yaml --mtu 247 %s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectDuration      time.Duration
	connectConfigPath    string
	connectTimeout       time.Duration
	connectMTU           int
	connectAutoReconnect bool
	connectMaxRetries    int
	connectNotifications bool
)

func init() {
	connectCmd.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "How long to hold the connection (0 = until interrupted)")
	connectCmd.Flags().StringVar(&connectConfigPath, "config", "", "YAML file with session parameters")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 0, "Connection timeout (overrides config)")
	connectCmd.Flags().IntVar(&connectMTU, "mtu", 0, "Request a specific MTU after connecting (overrides config)")
	connectCmd.Flags().BoolVar(&connectAutoReconnect, "auto-reconnect", false, "Reconnect after unexpected link drops (overrides config)")
	connectCmd.Flags().IntVar(&connectMaxRetries, "max-retries", 0, "Reconnect attempt budget (overrides config)")
	connectCmd.Flags().BoolVar(&connectNotifications, "notifications", true, "Subscribe to every notifiable characteristic (overrides config)")
}

// connectConfig assembles the session config from the optional YAML file
// and any explicitly set flags.
func connectConfig(cmd *cobra.Command) (central.Config, error) {
	cfg := central.DefaultConfig()
	if connectConfigPath != "" {
		loaded, err := central.LoadConfig(connectConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.ConnectionTimeout = connectTimeout
	}
	if flags.Changed("mtu") {
		cfg.MTU = connectMTU
	}
	if flags.Changed("auto-reconnect") {
		cfg.AutoReconnect = connectAutoReconnect
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = connectMaxRetries
	}
	if flags.Changed("notifications") {
		cfg.EnableNotifications = connectNotifications
	}
	return cfg, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	deviceAddress := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := connectConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var progress *ProgressPrinter
	if connectDuration > 0 {
		progress = NewCountdownProgressPrinter(fmt.Sprintf("Connecting to %s", deviceAddress), "Connecting", connectDuration, "Connected")
	} else {
		progress = NewProgressPrinter(fmt.Sprintf("Connecting to %s", deviceAddress), "Connecting", "Connected")
	}
	progress.Start()
	defer progress.Stop()

	_, err = session.Run(ctx, deviceAddress, &session.Options{Config: cfg}, logger, progress.Callback(),
		func(sess *session.Session) (any, error) {
			progress.Stop()
			return nil, holdConnection(ctx, sess, cfg, logger)
		})
	return err
}

// holdConnection prints the link summary and blocks until the session
// ends. The return value is nil for a requested shutdown and
// ErrConnectionLost when the peer drops the link for good.
func holdConnection(ctx context.Context, sess *session.Session, cfg central.Config, logger *logrus.Logger) error {
	services := 0
	if tree, ok := sess.Attributes(); ok {
		services = tree.Len()
	}
	fmt.Printf("Connected to %s (MTU %d, %d services)\n", sess.Peer(), sess.MTU(), services)

	if connectDuration > 0 {
		fmt.Fprintf(os.Stderr, "Holding connection for %s...\n", connectDuration)
	} else {
		fmt.Fprintf(os.Stderr, "Holding connection. Press Ctrl+C to disconnect...\n")
	}

	start := time.Now()
	notifications := 0
	defer func() {
		fmt.Fprintf(os.Stderr, "Session closed after %s: %d notifications\n",
			time.Since(start).Round(time.Second), notifications)
	}()

	var durationC <-chan time.Time
	if connectDuration > 0 {
		timer := time.NewTimer(connectDuration)
		defer timer.Stop()
		durationC = timer.C
	}

	// connDown fires once; afterwards the state poll tracks reconnects.
	connDown := sess.ConnectionContext().Done()
	statePoll := time.NewTicker(500 * time.Millisecond)
	defer statePoll.Stop()
	var pollC <-chan time.Time
	reconnecting := false

	notifC := sess.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-durationC:
			return nil
		case n, ok := <-notifC:
			if !ok {
				notifC = nil
				continue
			}
			notifications++
			logger.WithField("characteristic", n.Characteristic).Debug("Notification received")
		case <-connDown:
			connDown = nil
			if !cfg.AutoReconnect {
				return ErrConnectionLost
			}
			fmt.Fprintf(os.Stderr, "Connection interrupted, waiting for reconnect...\n")
			reconnecting = true
			pollC = statePoll.C
		case <-pollC:
			// Polling stays armed after a recovery: with the connection
			// context spent, later drops are only visible here.
			switch sess.State() {
			case central.StateConnected:
				if reconnecting {
					fmt.Fprintf(os.Stderr, "Reconnected\n")
					reconnecting = false
				}
			case central.StateDisconnected:
				return ErrConnectionLost
			default:
				reconnecting = true
			}
		}
	}
}
