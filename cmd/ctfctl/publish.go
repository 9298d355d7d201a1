package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var publishCmd = &cobra.Command{
	Use:   "publish <CommandType> <json | @file | ->",
	Short: "Publish a command on the ledger command stream",
	Long: `Validates a command payload and publishes it on ctf.commands.<type>.
A payload without command_id gets a fresh one, printed on success.

Example:
  ctfctl publish Deposit '{"holder":"0xa11ce...","amount":1000000}'
  ctfctl publish SubmitOrder @order.json`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

//nolint:gochecknoglobals // Cobra boilerplate
var publishTimeout time.Duration

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 10*time.Second, "publish timeout")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ct := command.ParseCommandType(args[0])
	if ct == command.CommandTypeUnknown {
		return fmt.Errorf("unknown command type %q", args[0])
	}

	raw, err := readPayload(args[1], cmd.InOrStdin())
	if err != nil {
		return err
	}

	data, commandID, err := preparePayload(ct, raw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
	defer cancel()

	ack, err := publish(ctx, ct, commandID, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s command_id=%s stream=%s seq=%d duplicate=%t\n",
		ct, commandID, ack.Stream, ack.Sequence, ack.Duplicate)
	return nil
}

// readPayload accepts inline JSON, @path or - for stdin.
func readPayload(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(arg[1:])
	default:
		return []byte(arg), nil
	}
}

// preparePayload fills in a missing command_id and checks that the payload
// decodes as ct.
func preparePayload(ct command.CommandType, raw []byte) ([]byte, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", fmt.Errorf("payload is not a JSON object: %w", err)
	}

	var commandID string
	if v, ok := fields["command_id"]; ok {
		if err := json.Unmarshal(v, &commandID); err != nil {
			return nil, "", fmt.Errorf("command_id: %w", err)
		}
	}
	if commandID == "" {
		commandID = uuid.NewString()
		fields["command_id"], _ = json.Marshal(commandID)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, "", err
	}
	if _, err := command.Decode(ct, data); err != nil {
		return nil, "", err
	}
	return data, commandID, nil
}

func publish(ctx context.Context, ct command.CommandType, commandID string, data []byte) (*jetstream.PubAck, error) {
	nc, js, err := ingestion.ConnectNATS(natsURL, observability.NewLogger("ctfctl"))
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	// The message ID lets JetStream drop a re-published command inside its
	// duplicate window; the ledger dedups by command_id regardless.
	ack, err := js.Publish(ctx, ingestion.SubjectFor(ct), data, jetstream.WithMsgID(commandID))
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", ct, err)
	}
	return ack, nil
}
