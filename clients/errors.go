package clients

import (
	"fmt"

	"github.com/vitwit/paykit/types"
)

// Failure reasons attached to EXECUTION_FAILED errors.
const (
	ReasonRPC                 = "rpc_error"
	ReasonBlockhash           = "blockhash_unavailable"
	ReasonSign                = "sign_failed"
	ReasonEncode              = "encode_failed"
	ReasonBroadcast           = "broadcast_failed"
	ReasonPaymaster           = "paymaster_rejected"
	ReasonTransactionFailed   = "transaction_failed"
	ReasonConfirmationTimeout = "confirmation_timed_out"
)

func executionError(reason string, err error) error {
	return types.WrapError(types.ErrCodeExecutionFailed, fmt.Sprintf("%s: %v", reason, err), err)
}
