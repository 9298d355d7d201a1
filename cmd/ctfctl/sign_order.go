package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/signing"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var signOrderCmd = &cobra.Command{
	Use:   "sign-order",
	Short: "Build and sign a limit order",
	Long: `Builds a SubmitOrder payload for the maker derived from --key (or
CTF_SIGNER_KEY), signs it with the ledger's typed-data domain and prints the
payload. With --publish the order is sent on the command stream instead.

Prices are fixed-point with 1_000_000 meaning one collateral unit per token.

Example:
  ctfctl sign-order --condition 0x5a... --slot 0 --side buy \
      --price 450000 --quantity 100 --nonce 7 --expires-in 24h`,
	RunE: runSignOrder,
}

//nolint:gochecknoglobals // Cobra boilerplate
var (
	signKey       string
	signChainID   int64
	signCondition string
	signSlot      uint16
	signSide      string
	signPrice     int64
	signQuantity  int64
	signNonce     uint64
	signExpiresIn time.Duration
	signPublish   bool
)

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(signOrderCmd)

	defaultChain, _ := strconv.ParseInt(envOr("CTF_CHAIN_ID", "137"), 10, 64)

	f := signOrderCmd.Flags()
	f.StringVar(&signKey, "key", envOr("CTF_SIGNER_KEY", ""), "hex secp256k1 private key of the maker")
	f.Int64Var(&signChainID, "chain-id", defaultChain, "chain ID of the signing domain")
	f.StringVar(&signCondition, "condition", "", "condition ID (0x-prefixed, 32 bytes)")
	f.Uint16Var(&signSlot, "slot", 0, "outcome slot")
	f.StringVar(&signSide, "side", "buy", "buy or sell")
	f.Int64Var(&signPrice, "price", 0, "limit price in fixed-point units")
	f.Int64Var(&signQuantity, "quantity", 0, "outcome tokens")
	f.Uint64Var(&signNonce, "nonce", 0, "maker nonce")
	f.DurationVar(&signExpiresIn, "expires-in", 24*time.Hour, "expiry relative to now")
	f.BoolVar(&signPublish, "publish", false, "publish instead of printing")

	_ = signOrderCmd.MarkFlagRequired("condition")
	_ = signOrderCmd.MarkFlagRequired("price")
	_ = signOrderCmd.MarkFlagRequired("quantity")
}

func runSignOrder(cmd *cobra.Command, _ []string) error {
	if signKey == "" {
		return errors.New("no signing key: pass --key or set CTF_SIGNER_KEY")
	}
	signer, err := signing.NewSigner(signKey, signing.NewDomain(signChainID))
	if err != nil {
		return err
	}

	side, ok := state.ParseSide(signSide)
	if !ok {
		return fmt.Errorf("invalid side %q", signSide)
	}
	condBytes, err := hexutil.Decode(signCondition)
	if err != nil || len(condBytes) != common.HashLength {
		return fmt.Errorf("invalid condition ID %q", signCondition)
	}

	if signExpiresIn <= 0 {
		return errors.New("--expires-in must be positive")
	}
	expiry := time.Now().Add(signExpiresIn).UTC()

	order, err := buildSignedOrder(signer, common.BytesToHash(condBytes), signSlot, side,
		signPrice, signQuantity, signNonce, expiry)
	if err != nil {
		return err
	}

	data, err := command.Encode(order)
	if err != nil {
		return err
	}
	if !signPublish {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	ack, err := publish(ctx, command.CommandTypeSubmitOrder, order.CommandID.String(), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published order %s command_id=%s seq=%d\n", order.OrderID, order.CommandID, ack.Sequence)
	return nil
}

// buildSignedOrder returns a SubmitOrder with fresh command and order IDs,
// signed by signer.
func buildSignedOrder(
	signer *signing.Signer,
	conditionID common.Hash,
	slot uint16,
	side state.Side,
	price, quantity int64,
	nonce uint64,
	expiry time.Time,
) (*command.SubmitOrder, error) {
	cmd := &command.SubmitOrder{
		Header:      command.Header{CommandID: uuid.New()},
		OrderID:     uuid.New(),
		Maker:       signer.Address(),
		ConditionID: conditionID,
		Slot:        slot,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		Nonce:       nonce,
		Expiry:      expiry,
	}

	order := cmd.Order()
	if err := signer.SignOrder(order); err != nil {
		return nil, err
	}
	cmd.Signature = order.Signature
	return cmd, nil
}
