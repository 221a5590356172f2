package execution

import (
	"errors"
	"fmt"
)

// ErrRejected matches every *RejectionError.
var ErrRejected = errors.New("execution: rejected")

// Rejection reasons. They double as metric labels.
const (
	ReasonAccountBlocked   = "account_blocked"
	ReasonDayTradeLimit    = "day_trade_limit"
	ReasonSlippage         = "slippage"
	ReasonQuoteUnavailable = "quote_unavailable"
	ReasonRiskLimit        = "risk_limit"
	ReasonSubmitFailed     = "submit_failed"
	ReasonInternal         = "internal"
)

// RejectionError reports an intent that never reached, or was refused by,
// the brokerage. The message is also recorded on the execution.
type RejectionError struct {
	Reason  string
	Message string
	Err     error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("execution: rejected (%s): %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }
