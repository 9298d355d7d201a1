// Package signing hashes, signs and verifies exchange orders using EIP-712
// typed-data digests over secp256k1.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	DomainName    = "CTFLedger Exchange"
	DomainVersion = "1"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(bytes16 orderId,address maker,bytes32 conditionId,uint16 slot,uint8 side,uint256 price,uint256 quantity,uint256 nonce,uint256 expiry)"),
	)

	ErrSignatureLength = errors.New("signature must be 65 bytes")
	ErrSignerMismatch  = errors.New("recovered signer is not the order maker")
)

// Domain is the EIP-712 domain orders are signed under.
type Domain struct {
	ChainID   int64
	separator []byte
}

func NewDomain(chainID int64) *Domain {
	return &Domain{
		ChainID: chainID,
		separator: ethcrypto.Keccak256(
			concatBytes(
				domainTypeHash,
				ethcrypto.Keccak256([]byte(DomainName)),
				ethcrypto.Keccak256([]byte(DomainVersion)),
				bigIntTo32Bytes(big.NewInt(chainID)),
			),
		),
	}
}

// OrderDigest returns keccak256("\x19\x01" ‖ domainSeparator ‖ structHash).
// Book state fields (remaining, reserved, priority) are not signed.
func (d *Domain) OrderDigest(o *state.Order) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			common.RightPadBytes(o.ID[:], 32),
			common.LeftPadBytes(o.Maker.Bytes(), 32),
			o.ConditionID.Bytes(),
			bigIntTo32Bytes(big.NewInt(int64(o.Slot))),
			bigIntTo32Bytes(big.NewInt(int64(o.Side))),
			bigIntTo32Bytes(big.NewInt(o.Price)),
			bigIntTo32Bytes(big.NewInt(o.Quantity)),
			bigIntTo32Bytes(new(big.Int).SetUint64(o.Nonce)),
			bigIntTo32Bytes(big.NewInt(o.Expiry)),
		),
	)
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, d.separator, structHash))
}

// Signer signs orders with one private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     *Domain
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, domain *Domain) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signing: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, domain), nil
}

func NewSignerFromKey(pk *ecdsa.PrivateKey, domain *Domain) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     domain,
	}
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder sets o.Signature to a 65-byte r ‖ s ‖ v signature with v in {27,28}.
func (s *Signer) SignOrder(o *state.Order) error {
	sig, err := ethcrypto.Sign(s.domain.OrderDigest(o), s.privateKey)
	if err != nil {
		return fmt.Errorf("signing: sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	o.Signature = sig
	return nil
}

// Verifier checks that an order was signed by its maker.
type Verifier struct {
	domain *Domain
}

func NewVerifier(domain *Domain) *Verifier {
	return &Verifier{domain: domain}
}

// VerifyOrder recovers the signer of o and compares it with o.Maker.
func (v *Verifier) VerifyOrder(o *state.Order) error {
	if len(o.Signature) != 65 {
		return ErrSignatureLength
	}
	sig := make([]byte, 65)
	copy(sig, o.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(v.domain.OrderDigest(o), sig)
	if err != nil {
		return fmt.Errorf("signing: recover signer: %w", err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != o.Maker {
		return ErrSignerMismatch
	}
	return nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
