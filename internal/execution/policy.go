package execution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-relay/internal/model"
)

// DayTradePolicy decides whether an account may place another day trade and
// whether a completed execution counts as one.
type DayTradePolicy interface {
	CanDayTrade(acct *model.BrokerAccount) bool
	IsDayTrade(acct *model.BrokerAccount, exec *model.Execution) bool
}

// EquityThresholdPolicy treats every trade on an account below Threshold as
// a day trade, and caps such accounts at Limit day trades per window.
type EquityThresholdPolicy struct {
	Threshold decimal.Decimal
	Limit     int
}

var _ DayTradePolicy = EquityThresholdPolicy{}

// DefaultDayTradePolicy uses the pattern-day-trader rule: $25k, 3 trades.
func DefaultDayTradePolicy() EquityThresholdPolicy {
	return EquityThresholdPolicy{
		Threshold: model.DefaultDayTradeEquityThreshold,
		Limit:     model.DefaultDayTradeLimit,
	}
}

func (p EquityThresholdPolicy) CanDayTrade(acct *model.BrokerAccount) bool {
	return acct.CanDayTrade(p.Threshold, p.Limit)
}

func (p EquityThresholdPolicy) IsDayTrade(acct *model.BrokerAccount, _ *model.Execution) bool {
	return acct.TotalEquity.LessThan(p.Threshold)
}

// SlippagePolicy decides what happens when the quote for a slippage check
// cannot be fetched.
type SlippagePolicy string

const (
	// FailOpen logs the failure and submits without the check.
	FailOpen SlippagePolicy = "fail_open"
	// FailClosed rejects the intent.
	FailClosed SlippagePolicy = "fail_closed"
)

// ParseSlippagePolicy accepts fail_open and fail_closed; empty means
// FailOpen.
func ParseSlippagePolicy(s string) (SlippagePolicy, error) {
	switch SlippagePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("execution: unknown slippage policy %q", s)
}
