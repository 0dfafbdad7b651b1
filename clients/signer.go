package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/vitwit/paykit/types"
)

var (
	_ Signer     = (*KeypairSigner)(nil)
	_ Signer     = (*PaymasterSigner)(nil)
	_ Authorizer = (*KeypairSigner)(nil)
	_ Authorizer = (*PaymasterSigner)(nil)
)

// KeypairSigner is the fee-paying path: the wallet key pays fees, signs and
// submits through a TransactionSender.
type KeypairSigner struct {
	key    solana.PrivateKey
	sender TransactionSender
}

func NewKeypairSigner(key solana.PrivateKey, sender TransactionSender) *KeypairSigner {
	return &KeypairSigner{key: key, sender: sender}
}

// PublicKey returns the address that signs and pays.
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// CanSign reports whether owner is the signer's own key.
func (s *KeypairSigner) CanSign(owner solana.PublicKey) bool {
	return owner.Equals(s.key.PublicKey())
}

func (s *KeypairSigner) SignAndSend(
	ctx context.Context,
	instructions []solana.Instruction,
	opts types.SendOptions,
) (solana.Signature, error) {
	hash, err := s.sender.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.NewTransaction(withComputeBudget(instructions, opts), hash, solana.TransactionPayer(s.key.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("assemble transaction: %w", err)
	}
	if err := requireSigners(tx, s.key.PublicKey()); err != nil {
		return solana.Signature{}, err
	}

	if _, err := tx.Sign(keyGetter(s.key)); err != nil {
		return solana.Signature{}, executionError(ReasonSign, err)
	}

	return s.sender.SendTransaction(ctx, tx)
}

// PaymasterSigner is the gasless path: a paymaster is the fee payer. The wallet
// key signs its part and the paymaster co-signs and submits.
type PaymasterSigner struct {
	wallet    solana.PrivateKey
	feePayer  solana.PublicKey
	blockhash BlockhashSource
	rpc       jsonrpc.RPCClient
}

// NewPaymasterSigner creates a signer that relays through the paymaster at url.
func NewPaymasterSigner(url string, feePayer solana.PublicKey, wallet solana.PrivateKey, blockhash BlockhashSource) *PaymasterSigner {
	return &PaymasterSigner{
		wallet:    wallet,
		feePayer:  feePayer,
		blockhash: blockhash,
		rpc:       jsonrpc.NewClient(url),
	}
}

// CanSign reports whether owner is the wallet key; the paymaster only pays fees.
func (p *PaymasterSigner) CanSign(owner solana.PublicKey) bool {
	return owner.Equals(p.wallet.PublicKey())
}

type paymasterSendResult struct {
	Signature string `json:"signature"`
}

func (p *PaymasterSigner) SignAndSend(
	ctx context.Context,
	instructions []solana.Instruction,
	opts types.SendOptions,
) (solana.Signature, error) {
	hash, err := p.blockhash.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.NewTransaction(withComputeBudget(instructions, opts), hash, solana.TransactionPayer(p.feePayer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("assemble transaction: %w", err)
	}
	if err := requireSigners(tx, p.feePayer, p.wallet.PublicKey()); err != nil {
		return solana.Signature{}, err
	}

	if _, err := tx.PartialSign(keyGetter(p.wallet)); err != nil {
		return solana.Signature{}, executionError(ReasonSign, err)
	}

	encoded, err := encodeTransaction(tx)
	if err != nil {
		return solana.Signature{}, executionError(ReasonEncode, err)
	}

	var out paymasterSendResult
	params := []interface{}{map[string]string{"transaction": encoded}}
	if err := p.rpc.CallForInto(ctx, &out, "signAndSendTransaction", params); err != nil {
		return solana.Signature{}, executionError(ReasonPaymaster, err)
	}

	sig, err := solana.SignatureFromBase58(out.Signature)
	if err != nil {
		return solana.Signature{}, executionError(ReasonPaymaster, fmt.Errorf("invalid signature %q: %w", out.Signature, err))
	}
	return sig, nil
}

// requireSigners fails with INVALID_INPUT when tx needs a signature from a key
// outside available. No amount of retrying can produce that signature.
func requireSigners(tx *solana.Transaction, available ...solana.PublicKey) error {
	for _, signer := range tx.Message.Signers() {
		known := false
		for _, pk := range available {
			if signer.Equals(pk) {
				known = true
				break
			}
		}
		if !known {
			return types.NewError(types.ErrCodeInvalidInput,
				fmt.Sprintf("transaction needs a signature from %s, which this signer cannot provide", signer))
		}
	}
	return nil
}

func encodeTransaction(tx *solana.Transaction) (string, error) {
	buf := new(bytes.Buffer)
	if err := tx.MarshalWithEncoder(bin.NewBinEncoder(buf)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func withComputeBudget(instructions []solana.Instruction, opts types.SendOptions) []solana.Instruction {
	if opts.ComputeUnitLimit == 0 {
		return instructions
	}
	out := make([]solana.Instruction, 0, len(instructions)+1)
	out = append(out, computebudget.NewSetComputeUnitLimitInstruction(opts.ComputeUnitLimit).Build())
	return append(out, instructions...)
}

func keyGetter(key solana.PrivateKey) func(solana.PublicKey) *solana.PrivateKey {
	return func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	}
}
