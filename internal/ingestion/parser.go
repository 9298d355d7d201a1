package ingestion

import (
	"fmt"

	"CTFLedger/internal/command"

	"github.com/google/uuid"
)

// ParseRawCommand turns a wire message into a typed command. The command type
// comes from the subject; the payload uses the same snake_case format the
// command log stores.
func ParseRawCommand(raw RawCommand) (command.Stampable, error) {
	ct := CommandTypeFromSubject(raw.Subject)
	if ct == command.CommandTypeUnknown {
		return nil, fmt.Errorf("unknown command subject: %s", raw.Subject)
	}
	return ParseCommand(ct, raw.Data)
}

// ParseCommand decodes and structurally validates one payload. Domain rules
// are left to the core.
func ParseCommand(ct command.CommandType, data []byte) (command.Stampable, error) {
	cmd, err := command.Decode(ct, data)
	if err != nil {
		return nil, err
	}

	stampable, ok := cmd.(command.Stampable)
	if !ok {
		return nil, fmt.Errorf("command %s cannot be sequenced", ct)
	}
	if stampable.IdempotencyKey() == uuid.Nil.String() {
		return nil, fmt.Errorf("%s: missing command_id", ct)
	}

	return stampable, nil
}
