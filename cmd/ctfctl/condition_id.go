package main

import (
	"fmt"

	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var conditionIDCmd = &cobra.Command{
	Use:   "condition-id",
	Short: "Derive a condition ID",
	Long: `Prints the ID the ledger assigns to (oracle, question, slot count).
The question is given either as a 32-byte --question-id or as free text with
--question, which is hashed with keccak256.`,
	RunE: runConditionID,
}

//nolint:gochecknoglobals // Cobra boilerplate
var (
	condOracle     string
	condQuestion   string
	condQuestionID string
	condSlots      int
)

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(conditionIDCmd)
	f := conditionIDCmd.Flags()
	f.StringVar(&condOracle, "oracle", "", "oracle address")
	f.StringVar(&condQuestion, "question", "", "question text")
	f.StringVar(&condQuestionID, "question-id", "", "question ID (0x-prefixed, 32 bytes)")
	f.IntVar(&condSlots, "slots", 2, "number of outcome slots")
	_ = conditionIDCmd.MarkFlagRequired("oracle")
	conditionIDCmd.MarkFlagsOneRequired("question", "question-id")
	conditionIDCmd.MarkFlagsMutuallyExclusive("question", "question-id")
}

func runConditionID(cmd *cobra.Command, _ []string) error {
	questionID, err := resolveQuestionID(condQuestion, condQuestionID)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(condOracle) {
		return fmt.Errorf("invalid oracle address %q", condOracle)
	}

	id := state.ConditionID(common.HexToAddress(condOracle), questionID, condSlots)
	fmt.Fprintf(cmd.OutOrStdout(), "question_id  %s\ncondition_id %s\n", questionID.Hex(), id.Hex())
	return nil
}

func resolveQuestionID(text, hexID string) (common.Hash, error) {
	if text != "" {
		return ethcrypto.Keccak256Hash([]byte(text)), nil
	}
	b, err := hexutil.Decode(hexID)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid question ID %q", hexID)
	}
	return common.BytesToHash(b), nil
}
