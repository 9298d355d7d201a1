package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a maker key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address     %s\nprivate_key %s\n",
			ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
			hexutil.Encode(ethcrypto.FromECDSA(key)))
		return nil
	},
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(keygenCmd)
}
