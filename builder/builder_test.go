package builder

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paykit/types"
)

type fakeAccounts struct {
	mu       sync.Mutex
	existing map[solana.PublicKey]bool
	queried  []solana.PublicKey
	err      error
}

func newFakeAccounts(existing ...solana.PublicKey) *fakeAccounts {
	f := &fakeAccounts{existing: make(map[solana.PublicKey]bool)}
	for _, pk := range existing {
		f.existing[pk] = true
	}
	return f
}

func (f *fakeAccounts) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, account)
	if f.err != nil {
		return false, f.err
	}
	return f.existing[account], nil
}

func (f *fakeAccounts) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queried)
}

func usdc(t *testing.T) types.Token {
	t.Helper()
	tok, err := types.USDC(types.NetworkSolanaDevnet)
	require.NoError(t, err)
	return tok
}

func ata(t *testing.T, owner, mint solana.PublicKey) solana.PublicKey {
	t.Helper()
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	return addr
}

func decodeTokenTransfer(t *testing.T, ix solana.Instruction) *token.Transfer {
	t.Helper()
	require.Equal(t, token.ProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	decoded, err := token.DecodeInstruction(ix.Accounts(), data)
	require.NoError(t, err)
	transfer, ok := decoded.Impl.(*token.Transfer)
	require.True(t, ok, "expected token transfer, got %T", decoded.Impl)
	return transfer
}

func TestBuildNativeTransfer(t *testing.T) {
	accounts := newFakeAccounts()
	sender, recipient := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	ixs, err := New(accounts).Build(context.Background(), types.TransferRequest{
		Sender:    sender.String(),
		Recipient: recipient.String(),
		Amount:    decimal.RequireFromString("0.25"),
		Currency:  types.Native{},
	})
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	assert.Equal(t, 0, accounts.calls(), "native transfers need no account lookup")

	require.Equal(t, system.ProgramID, ixs[0].ProgramID())
	data, err := ixs[0].Data()
	require.NoError(t, err)
	decoded, err := system.DecodeInstruction(ixs[0].Accounts(), data)
	require.NoError(t, err)
	transfer, ok := decoded.Impl.(*system.Transfer)
	require.True(t, ok)
	assert.Equal(t, uint64(250_000_000), *transfer.Lamports)
	assert.Equal(t, sender, transfer.GetFundingAccount().PublicKey)
	assert.Equal(t, recipient, transfer.GetRecipientAccount().PublicKey)
}

func TestBuildTokenTransferCreatesMissingAccountFirst(t *testing.T) {
	mint := usdc(t)
	accounts := newFakeAccounts()
	sender, recipient := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	ixs, err := New(accounts).Build(context.Background(), types.TransferRequest{
		Sender:    sender.String(),
		Recipient: recipient.String(),
		Amount:    decimal.RequireFromString("15"),
		Currency:  mint,
	})
	require.NoError(t, err)
	require.Len(t, ixs, 2)

	assert.Equal(t, associatedtokenaccount.ProgramID, ixs[0].ProgramID(), "create must precede transfer")
	createAccounts := ixs[0].Accounts()
	assert.Equal(t, sender, createAccounts[0].PublicKey, "payer")
	assert.Equal(t, ata(t, recipient, mint.Mint), createAccounts[1].PublicKey)
	assert.Equal(t, recipient, createAccounts[2].PublicKey, "wallet")
	assert.Equal(t, mint.Mint, createAccounts[3].PublicKey)

	transfer := decodeTokenTransfer(t, ixs[1])
	assert.Equal(t, uint64(15_000_000), *transfer.Amount)
	assert.Equal(t, ata(t, sender, mint.Mint), transfer.GetSourceAccount().PublicKey)
	assert.Equal(t, ata(t, recipient, mint.Mint), transfer.GetDestinationAccount().PublicKey)
	assert.Equal(t, sender, transfer.GetOwnerAccount().PublicKey)

	assert.Equal(t, []solana.PublicKey{ata(t, recipient, mint.Mint)}, accounts.queried)
}

func TestBuildTokenTransferSkipsCreateWhenAccountExists(t *testing.T) {
	mint := usdc(t)
	sender, recipient := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	accounts := newFakeAccounts(ata(t, recipient, mint.Mint))

	ixs, err := New(accounts).Build(context.Background(), types.TransferRequest{
		Sender:    sender.String(),
		Recipient: recipient.String(),
		Amount:    decimal.RequireFromString("0.5"),
		Currency:  mint,
	})
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	assert.Equal(t, uint64(500_000), *decodeTokenTransfer(t, ixs[0]).Amount)
	assert.Equal(t, 1, accounts.calls())
}

func TestBuildOrderingHoldsForRandomRequests(t *testing.T) {
	mint := usdc(t)
	r := rand.New(rand.NewSource(11))

	for i := 0; i < 50; i++ {
		sender, recipient := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
		exists := r.Intn(2) == 0
		accounts := newFakeAccounts()
		if exists {
			accounts.existing[ata(t, recipient, mint.Mint)] = true
		}
		raw := uint64(r.Int63n(1_000_000_000)) + 1

		ixs, err := New(accounts).Build(context.Background(), types.TransferRequest{
			Sender:    sender.String(),
			Recipient: recipient.String(),
			Amount:    decimal.New(int64(raw), -int32(mint.Decimals())),
			Currency:  mint,
		})
		require.NoError(t, err)

		last := ixs[len(ixs)-1]
		assert.Equal(t, raw, *decodeTokenTransfer(t, last).Amount)
		if exists {
			assert.Len(t, ixs, 1)
		} else {
			require.Len(t, ixs, 2)
			assert.Equal(t, associatedtokenaccount.ProgramID, ixs[0].ProgramID())
		}
	}
}

func TestBuildRejectsInvalidInputWithoutNetwork(t *testing.T) {
	good := solana.NewWallet().PublicKey().String()
	mint := usdc(t)

	tests := []struct {
		name string
		req  types.TransferRequest
		want error
	}{
		{"bad recipient", types.TransferRequest{Sender: good, Recipient: "0xdeadbeef", Amount: decimal.NewFromInt(1), Currency: mint}, types.ErrInvalidAddress},
		{"empty sender", types.TransferRequest{Sender: "", Recipient: good, Amount: decimal.NewFromInt(1), Currency: mint}, types.ErrInvalidAddress},
		{"zero amount", types.TransferRequest{Sender: good, Recipient: good, Amount: decimal.Zero, Currency: mint}, types.ErrInvalidAmount},
		{"negative amount", types.TransferRequest{Sender: good, Recipient: good, Amount: decimal.NewFromInt(-3), Currency: types.Native{}}, types.ErrInvalidAmount},
		{"too precise", types.TransferRequest{Sender: good, Recipient: good, Amount: decimal.RequireFromString("0.0000001"), Currency: mint}, types.ErrInvalidAmount},
		{"missing currency", types.TransferRequest{Sender: good, Recipient: good, Amount: decimal.NewFromInt(1)}, types.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccounts()
			_, err := New(accounts).Build(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.True(t, types.IsInvalidInput(err))
			assert.Equal(t, 0, accounts.calls())
		})
	}
}

func TestBuildPropagatesLookupFailure(t *testing.T) {
	boom := errors.New("rpc down")
	accounts := newFakeAccounts()
	accounts.err = boom

	_, err := New(accounts).Build(context.Background(), types.TransferRequest{
		Sender:    solana.NewWallet().PublicKey().String(),
		Recipient: solana.NewWallet().PublicKey().String(),
		Amount:    decimal.NewFromInt(1),
		Currency:  usdc(t),
	})
	assert.Same(t, boom, err)
}

func TestBuildDoesNotCacheLookups(t *testing.T) {
	mint := usdc(t)
	accounts := newFakeAccounts()
	b := New(accounts)
	recipient := solana.NewWallet().PublicKey()
	req := types.TransferRequest{
		Sender:    solana.NewWallet().PublicKey().String(),
		Recipient: recipient.String(),
		Amount:    decimal.NewFromInt(2),
		Currency:  mint,
	}

	first, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	accounts.mu.Lock()
	accounts.existing[ata(t, recipient, mint.Mint)] = true
	accounts.mu.Unlock()

	second, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, 2, accounts.calls())
}
