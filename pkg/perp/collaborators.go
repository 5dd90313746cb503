package perp

import (
	"errors"
	"math/big"
)

// ErrAccountNotFound is returned by a LedgerStore when no account record
// exists for an ID. It is part of the store contract, not the core error
// taxonomy: account addressing belongs to the surrounding environment.
var ErrAccountNotFound = errors.New("account not found")

// LedgerStore loads and persists market and account records. A single
// logical operation sees a consistent snapshot (loads return fresh
// copies) and Commit applies every mutated record atomically: all of them
// persist together or none do.
type LedgerStore interface {
	// Market returns the market for an index, or ErrInvalidMarketIndex.
	Market(index uint16) (*Market, error)

	// Account returns the account for an ID, or ErrAccountNotFound.
	Account(id string) (*Account, error)

	// Markets returns every market, ordered by index.
	Markets() ([]*Market, error)

	// AccountIDs returns every known account ID.
	AccountIDs() ([]string, error)

	// Commit persists the given records in one atomic write.
	Commit(markets []*Market, accounts []*Account) error
}

// CustodyRail executes the movement of collateral tokens against the
// pooled vault. The core follows a commit-after-approve protocol: it
// never decreases an internal balance before the rail confirms the
// transfer intent is safe.
type CustodyRail interface {
	ApproveWithdrawal(accountID string, amount uint64) error
}

// TradeEvent describes an executed trade.
type TradeEvent struct {
	AccountID   string   `json:"account_id"`
	MarketIndex uint16   `json:"market_index"`
	Direction   string   `json:"direction"`
	BaseAmount  *big.Int `json:"base_amount"`
	QuoteDelta  *big.Int `json:"quote_delta"`
	EntryPrice  *big.Int `json:"entry_price,omitempty"`
	RealizedPnL *big.Int `json:"realized_pnl,omitempty"`
	Fee         uint64   `json:"fee"`
	Closed      bool     `json:"closed"`
	Timestamp   int64    `json:"timestamp"`
}

// LiquidationEvent describes a forced closure.
type LiquidationEvent struct {
	LiquidatorID string   `json:"liquidator_id"`
	AccountID    string   `json:"account_id"`
	MarketIndex  uint16   `json:"market_index"`
	ClosedBase   *big.Int `json:"closed_base"`
	MarkPrice    *big.Int `json:"mark_price"`
	Fee          uint64   `json:"fee"`
	Timestamp    int64    `json:"timestamp"`
}

// FundingEvent describes one applied funding settlement.
type FundingEvent struct {
	AccountID        string   `json:"account_id"`
	MarketIndex      uint16   `json:"market_index"`
	FundingRate      *big.Int `json:"funding_rate"`
	Payment          *big.Int `json:"payment"`
	CollateralChange *big.Int `json:"collateral_change"`
	RateUpdated      bool     `json:"rate_updated"`
	Clamped          bool     `json:"clamped"`
	Timestamp        int64    `json:"timestamp"`
}

// EventSink receives notifications after an operation commits. A nil sink
// disables publication.
type EventSink interface {
	TradeExecuted(TradeEvent)
	PositionLiquidated(LiquidationEvent)
	FundingSettled(FundingEvent)
}
