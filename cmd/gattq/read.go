package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read a characteristic or descriptor value",
	Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  gattq read %s 2a19

  # Read multiple characteristics (comma-separated)
  gattq read %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  gattq read %s --service 180f --char 2a19

  # Read descriptor (Client Characteristic Configuration)
  gattq read %s --service 180d --char 2a37 --desc 2902

  # Output as hex
  gattq read %s 2a19 --hex

  # Continuously watch characteristic (polls every second)
  gattq read %s 2a37 --watch

  # Watch with custom interval
  gattq read %s 2a37 --watch 500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string // supports comma-separated UUIDs
	readDescUUID    string
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Determine UUID source (raw CSV string for later parsing)
	var uuidInput string
	if len(args) == 2 {
		uuidInput = args[1]
	} else if readCharUUIDs != "" {
		uuidInput = readCharUUIDs
	}
	if uuidInput == "" && readDescUUID == "" {
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}

	charUUIDs := parseCSVUUIDs(uuidInput)

	// Parse watch interval if watch flag is set
	var watchInterval time.Duration
	if readWatch != "" {
		// Watch mode: single characteristic only
		if len(charUUIDs) != 1 || readDescUUID != "" {
			return fmt.Errorf("watch mode requires a single characteristic")
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
	}

	// Configure logger
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Setup progress description
	var progressDesc string
	operation := "Reading"
	if readWatch != "" {
		operation = "Watching"
	}
	switch {
	case readDescUUID != "":
		progressDesc = fmt.Sprintf("%s descriptor %s from %s", operation, readDescUUID, address)
	case len(charUUIDs) == 1:
		progressDesc = fmt.Sprintf("%s %s from %s", operation, charUUIDs[0], address)
	default:
		progressDesc = fmt.Sprintf("%s %d characteristics from %s", operation, len(charUUIDs), address)
	}

	progress := NewProgressPrinter(progressDesc, "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = 30 * time.Second
	cfg.OperationTimeout = readTimeout
	cfg.EnableNotifications = false

	// Watch mode runs until interrupted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if readWatch != "" {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			<-sigChan
			cancel()
		}()
	}

	readOperation := func(sess *session.Session) (any, error) {
		// Stop progress indicator before printing output
		progress.Stop()

		tree, ok := sess.Attributes()
		if !ok {
			return nil, fmt.Errorf("attributes not discovered")
		}

		// Descriptor path
		if readDescUUID != "" {
			svcUUID, char, desc, err := resolveDescriptor(tree, readDescUUID, readServiceUUID, uuidInput)
			if err != nil {
				return nil, err
			}
			data, err := sess.ReadDescriptor(svcUUID, char.UUID, desc.UUID)
			if err != nil {
				return nil, fmt.Errorf("failed to read descriptor: %w", err)
			}
			return nil, outputData(data)
		}

		// Characteristic path
		serviceChars, total, _, err := resolveCharacteristics(tree, uuidInput, readServiceUUID)
		if err != nil {
			return nil, err
		}

		if total == 1 {
			for svcUUID, chars := range serviceChars {
				if readWatch != "" {
					return nil, watchChar(ctx, sess, svcUUID, chars[0], watchInterval, logger)
				}
				data, err := sess.Read(svcUUID, chars[0])
				if err != nil {
					return nil, fmt.Errorf("failed to read characteristic: %w", err)
				}
				return nil, outputData(data)
			}
		}

		return nil, performMultiRead(sess, serviceChars)
	}

	_, err = session.Run(ctx, address, &session.Options{Config: cfg}, logger, progress.Callback(), readOperation)
	return err
}

// performMultiRead reads multiple characteristics and outputs with prefixes.
// UUIDs are sorted for deterministic output order.
func performMultiRead(sess *session.Session, serviceChars map[string][]string) error {
	type target struct {
		svc  string
		char string
	}
	var targets []target
	for svcUUID, chars := range serviceChars {
		for _, charUUID := range chars {
			targets = append(targets, target{svc: svcUUID, char: charUUID})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].char < targets[j].char })

	for _, t := range targets {
		data, err := sess.Read(t.svc, t.char)
		if err != nil {
			// Report error but continue with other characteristics
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", transport.ShortenUUID(t.char), err)
			continue
		}
		outputDataWithPrefix(t.char, data, true)
	}

	return nil
}

// watchChar continuously reads a characteristic at the specified interval
func watchChar(ctx context.Context, sess *session.Session, svcUUID, charUUID string, interval time.Duration, logger *logrus.Logger) error {
	fmt.Fprintf(os.Stderr, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	readOnce := func() error {
		data, err := sess.Read(svcUUID, charUUID)
		if err != nil {
			return err
		}
		return outputData(data)
	}

	// Perform immediate first read
	if err := readOnce(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.ConnectionContext().Done():
			return ErrConnectionLost
		case <-ticker.C:
			if err := readOnce(); err != nil {
				if errors.Is(err, central.ErrOperationNotConnected) {
					return ErrConnectionLost
				}
				// Log other errors but continue watching
				logger.WithError(err).Warn("Failed to read characteristic, continuing...")
			}
		}
	}
}

// outputData formats and outputs data according to flags
func outputData(data []byte) error {
	if readHex {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}

	// Default: Raw binary output to stdout
	_, err := os.Stdout.Write(data)
	return err
}

// outputDataWithPrefix outputs data with an optional UUID prefix for multi-char reads.
func outputDataWithPrefix(uuid string, data []byte, multiChar bool) {
	var prefix string
	if multiChar {
		prefix = transport.ShortenUUID(uuid) + ": "
	}

	if readHex {
		fmt.Printf("%s%s\n", prefix, hex.EncodeToString(data))
		return
	}

	// Raw binary output
	if prefix != "" {
		fmt.Print(prefix)
	}
	_, _ = os.Stdout.Write(data)
	fmt.Println()
}
