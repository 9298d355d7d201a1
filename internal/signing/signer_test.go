package signing_test

import (
	"CTFLedger/internal/signing"
	"CTFLedger/internal/state"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

func mustSigner(t *testing.T, domain *signing.Domain) *signing.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return signing.NewSignerFromKey(pk, domain)
}

func sampleOrder(maker common.Address) *state.Order {
	return &state.Order{
		ID:          uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		Maker:       maker,
		ConditionID: common.HexToHash("0xabc"),
		Slot:        1,
		Side:        state.SideBuy,
		Price:       600_000,
		Quantity:    10,
		Nonce:       7,
		Expiry:      1_700_000_000_000_000,
	}
}

func TestSignAndVerify(t *testing.T) {
	domain := signing.NewDomain(137)
	s := mustSigner(t, domain)
	o := sampleOrder(s.Address())

	if err := s.SignOrder(o); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if len(o.Signature) != 65 {
		t.Fatalf("signature length: got %d, want 65", len(o.Signature))
	}
	if v := o.Signature[64]; v != 27 && v != 28 {
		t.Errorf("v: got %d, want 27 or 28", v)
	}

	if err := signing.NewVerifier(domain).VerifyOrder(o); err != nil {
		t.Errorf("VerifyOrder: %v", err)
	}
}

func TestVerify_TamperedOrder(t *testing.T) {
	domain := signing.NewDomain(137)
	s := mustSigner(t, domain)
	o := sampleOrder(s.Address())
	if err := s.SignOrder(o); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	o.Price = 900_000

	err := signing.NewVerifier(domain).VerifyOrder(o)
	if !errors.Is(err, signing.ErrSignerMismatch) {
		t.Errorf("got %v, want ErrSignerMismatch", err)
	}
}

func TestVerify_WrongMaker(t *testing.T) {
	domain := signing.NewDomain(137)
	s := mustSigner(t, domain)
	o := sampleOrder(common.HexToAddress("0xdead"))
	if err := s.SignOrder(o); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	if err := signing.NewVerifier(domain).VerifyOrder(o); !errors.Is(err, signing.ErrSignerMismatch) {
		t.Errorf("got %v, want ErrSignerMismatch", err)
	}
}

func TestVerify_OtherChainRejected(t *testing.T) {
	s := mustSigner(t, signing.NewDomain(1))
	o := sampleOrder(s.Address())
	if err := s.SignOrder(o); err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	if err := signing.NewVerifier(signing.NewDomain(137)).VerifyOrder(o); err == nil {
		t.Error("signature from another chain should not verify")
	}
}

func TestVerify_BadLength(t *testing.T) {
	o := sampleOrder(common.HexToAddress("0x01"))
	o.Signature = []byte{1, 2, 3}

	err := signing.NewVerifier(signing.NewDomain(137)).VerifyOrder(o)
	if !errors.Is(err, signing.ErrSignatureLength) {
		t.Errorf("got %v, want ErrSignatureLength", err)
	}
}

func TestOrderDigest_IgnoresBookState(t *testing.T) {
	domain := signing.NewDomain(137)
	o := sampleOrder(common.HexToAddress("0x01"))
	before := domain.OrderDigest(o)

	o.Remaining = 3
	o.Reserved = 99
	o.Priority = 12

	if string(domain.OrderDigest(o)) != string(before) {
		t.Error("digest should not depend on book state")
	}
}
