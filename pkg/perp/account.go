package perp

import "sort"

// Account is one trading principal: a collateral balance plus a
// fixed-capacity set of position slots keyed by market index. Accounts are
// created once and never destroyed.
type Account struct {
	ID         string `json:"id"`
	Collateral uint64 `json:"collateral"`

	// OperationLock guards against interleaved mutation of the same
	// account within a single logical operation. Acquired at entry,
	// released on every exit path via the guard returned by Acquire.
	OperationLock bool `json:"operation_lock"`

	Positions map[uint16]*Position `json:"positions"`
}

// NewAccount creates an empty account.
func NewAccount(id string) *Account {
	return &Account{
		ID:        id,
		Positions: make(map[uint16]*Position, MaxPositions),
	}
}

// Acquire takes the account's operation lock, returning a release func to
// defer. A second acquisition before release fails with
// ErrReentrancyGuardActive.
func (a *Account) Acquire() (func(), error) {
	if a.OperationLock {
		return nil, ErrReentrancyGuardActive
	}
	a.OperationLock = true
	return func() { a.OperationLock = false }, nil
}

// Position returns the live position for a market, or
// ErrPositionNotFound if no non-empty position exists for it.
func (a *Account) Position(marketIndex uint16) (*Position, error) {
	p, ok := a.Positions[marketIndex]
	if !ok || p.IsEmpty() {
		return nil, ErrPositionNotFound
	}
	return p, nil
}

// PositionOrCreate returns the slot for a market, claiming a free slot if
// none is tagged for it. The capacity limit is hard: when every slot holds
// a live position for another market, the call fails with
// ErrInvalidMarketIndex. An empty slot tagged for a different market is
// reusable and gets retagged.
func (a *Account) PositionOrCreate(marketIndex uint16) (*Position, error) {
	if p, ok := a.Positions[marketIndex]; ok {
		return p, nil
	}

	if len(a.Positions) >= MaxPositions {
		evicted := false
		for idx, p := range a.Positions {
			if p.IsEmpty() {
				delete(a.Positions, idx)
				evicted = true
				break
			}
		}
		if !evicted {
			return nil, ErrInvalidMarketIndex
		}
	}

	p := newPosition(marketIndex)
	a.Positions[marketIndex] = p
	return p, nil
}

// LivePositions returns the non-empty positions in market-index order.
func (a *Account) LivePositions() []*Position {
	out := make([]*Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		if !p.IsEmpty() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketIndex < out[j].MarketIndex })
	return out
}

// LiveMarkets returns the market indices with live exposure, ascending.
func (a *Account) LiveMarkets() []uint16 {
	positions := a.LivePositions()
	out := make([]uint16, len(positions))
	for i, p := range positions {
		out[i] = p.MarketIndex
	}
	return out
}

// Clone returns a deep copy, so an aborted operation never leaks partial
// mutations into shared state.
func (a *Account) Clone() *Account {
	out := *a
	out.Positions = make(map[uint16]*Position, len(a.Positions))
	for idx, p := range a.Positions {
		out.Positions[idx] = p.clone()
	}
	return &out
}
