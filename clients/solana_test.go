package clients

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paykit/types"
)

func newTestClient(t *testing.T, rpc *fakeRPC) *SolanaClient {
	t.Helper()
	c, err := NewSolanaClient(types.NetworkSolanaDevnet, rpc.URL(), WithConfirmationPolling(3, 0))
	require.NoError(t, err)
	return c
}

func TestNewSolanaClientRejectsUnknownNetwork(t *testing.T) {
	_, err := NewSolanaClient(types.Network("base-sepolia"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
}

func TestAccountExists(t *testing.T) {
	rpc := newFakeRPC(t)
	c := newTestClient(t, rpc)
	owner := solana.NewWallet().PublicKey()

	rpc.handle("getAccountInfo", func([]json.RawMessage) any { return withContext(nil) })
	exists, err := c.AccountExists(context.Background(), owner)
	require.NoError(t, err)
	assert.False(t, exists)

	rpc.handle("getAccountInfo", func([]json.RawMessage) any { return withContext(existingAccount()) })
	exists, err = c.AccountExists(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, 2, rpc.count("getAccountInfo"))
}

func TestAccountExistsRPCFailureIsRetryable(t *testing.T) {
	rpc := newFakeRPC(t)
	c := newTestClient(t, rpc)
	rpc.handle("getAccountInfo", func([]json.RawMessage) any {
		return rpcFault{Code: -32005, Message: "node is behind"}
	})

	_, err := c.AccountExists(context.Background(), solana.NewWallet().PublicKey())
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.False(t, types.IsInvalidInput(err))
}

func TestGetBalance(t *testing.T) {
	rpc := newFakeRPC(t)
	c := newTestClient(t, rpc)
	rpc.handle("getBalance", func([]json.RawMessage) any { return withContext(1_500_000_000) })

	bal, err := c.GetBalance(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("1.5")), bal.String())
}

func TestGetTokenBalance(t *testing.T) {
	usdc, err := types.USDC(types.NetworkSolanaDevnet)
	require.NoError(t, err)
	owner := solana.NewWallet().PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, usdc.Mint)
	require.NoError(t, err)

	t.Run("missing account reads zero", func(t *testing.T) {
		rpc := newFakeRPC(t)
		c := newTestClient(t, rpc)
		rpc.handle("getAccountInfo", func([]json.RawMessage) any { return withContext(nil) })

		bal, err := c.GetTokenBalance(context.Background(), owner, usdc)
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
		assert.Equal(t, 0, rpc.count("getTokenAccountBalance"))
	})

	t.Run("existing account", func(t *testing.T) {
		rpc := newFakeRPC(t)
		c := newTestClient(t, rpc)
		rpc.handle("getAccountInfo", func([]json.RawMessage) any { return withContext(existingAccount()) })
		rpc.handle("getTokenAccountBalance", func(params []json.RawMessage) any {
			var addr string
			_ = json.Unmarshal(params[0], &addr)
			assert.Equal(t, ata.String(), addr)
			return withContext(map[string]any{
				"amount":         "2500000",
				"decimals":       6,
				"uiAmount":       2.5,
				"uiAmountString": "2.5",
			})
		})

		bal, err := c.GetTokenBalance(context.Background(), owner, usdc)
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.RequireFromString("2.5")), bal.String())
	})
}

func statusResult(status map[string]any) any {
	return withContext([]any{status})
}

func TestWaitForConfirmation(t *testing.T) {
	sig := testSignature(t)

	t.Run("confirmed", func(t *testing.T) {
		rpc := newFakeRPC(t)
		c := newTestClient(t, rpc)
		rpc.handle("getSignatureStatuses", func([]json.RawMessage) any {
			if rpc.count("getSignatureStatuses") < 2 {
				return withContext([]any{nil})
			}
			return statusResult(map[string]any{
				"slot": 42, "confirmations": nil, "err": nil, "confirmationStatus": "confirmed",
			})
		})

		conf, err := c.WaitForConfirmation(context.Background(), sig)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), conf.Slot)
		assert.Equal(t, "confirmed", conf.Status)
		assert.Equal(t, 2, rpc.count("getSignatureStatuses"))
	})

	t.Run("failed on chain", func(t *testing.T) {
		rpc := newFakeRPC(t)
		c := newTestClient(t, rpc)
		rpc.handle("getSignatureStatuses", func([]json.RawMessage) any {
			return statusResult(map[string]any{
				"slot": 7, "confirmations": nil,
				"err":                map[string]any{"InstructionError": []any{1, "Custom"}},
				"confirmationStatus": "processed",
			})
		})

		_, err := c.WaitForConfirmation(context.Background(), sig)
		require.Error(t, err)
		var perr *types.Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, types.ErrCodeExecutionFailed, perr.Code)
		assert.Contains(t, perr.Message, ReasonTransactionFailed)
	})

	t.Run("never confirmed", func(t *testing.T) {
		rpc := newFakeRPC(t)
		c := newTestClient(t, rpc)
		rpc.handle("getSignatureStatuses", func([]json.RawMessage) any { return withContext([]any{nil}) })

		_, err := c.WaitForConfirmation(context.Background(), sig)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrNotConfirmed))
		assert.Equal(t, 3, rpc.count("getSignatureStatuses"))
	})
}
