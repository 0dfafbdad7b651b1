package utils

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/types"
)

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseAddress parses a base58 Solana address.
func ParseAddress(field, address string) (solana.PublicKey, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return solana.PublicKey{}, types.NewError(types.ErrCodeInvalidAddress, fmt.Sprintf("%s address cannot be empty", field))
	}

	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, types.WrapError(types.ErrCodeInvalidAddress,
			fmt.Sprintf("invalid %s address %q", field, address), err)
	}

	return pk, nil
}

// ValidateAmount checks that amount is strictly positive.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return types.NewError(types.ErrCodeInvalidAmount, fmt.Sprintf("amount must be greater than 0, got %s", amount))
	}
	return nil
}

// ToBaseUnits scales a UI amount to the currency's smallest unit.
// Amounts with more fractional digits than decimals are rejected, as are
// amounts that do not fit in a uint64.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}

	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, types.NewError(types.ErrCodeInvalidAmount,
			fmt.Sprintf("amount %s has more than %d decimal places", amount, decimals))
	}

	if scaled.GreaterThan(maxUint64) {
		return 0, types.NewError(types.ErrCodeInvalidAmount, fmt.Sprintf("amount %s overflows", amount))
	}

	return scaled.BigInt().Uint64(), nil
}

// FromBaseUnits formats a raw on-chain amount back to a decimal.
func FromBaseUnits(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
