package perp

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// InsuranceFundAccountID is the reserved account that accumulates trade
// and liquidation fees. It holds collateral only and never trades.
const InsuranceFundAccountID = "insurance-fund"

// Engine is the accounting and pricing core. It owns the control flow of
// every operation: load fresh records from the store, mutate them in
// memory, and commit atomically. Any error before the commit leaves the
// persisted state untouched.
type Engine struct {
	store   LedgerStore
	feed    PriceFeed
	custody CustodyRail
	events  EventSink
	logger  log.Logger
	now     func() time.Time

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewEngine creates an engine over the given collaborators. The custody
// rail may be nil, in which case withdrawals are approved unconditionally.
func NewEngine(store LedgerStore, feed PriceFeed, custody CustodyRail, logger log.Logger) *Engine {
	return &Engine{
		store:        store,
		feed:         feed,
		custody:      custody,
		logger:       logger,
		now:          time.Now,
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// SetEventSink installs the post-commit event publisher.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// lockAccount serializes operations touching one account ID across
// goroutines. The returned unlock must be called when the operation ends.
func (e *Engine) lockAccount(id string) func() {
	e.mu.Lock()
	l, ok := e.accountLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.accountLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// oraclePrice fetches and normalizes the oracle price for a market,
// verifying the observation came from the market's registered feed.
func (e *Engine) oraclePrice(m *Market) (*big.Int, error) {
	obs, err := e.feed.Latest(m.OracleFeedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOraclePrice, err)
	}
	if obs.FeedID != m.OracleFeedID {
		return nil, fmt.Errorf("%w: feed %q does not match market feed %q",
			ErrInvalidOraclePrice, obs.FeedID, m.OracleFeedID)
	}
	return NormalizePrice(obs, e.now().Unix())
}

// loadInsuranceFund returns the insurance fund account, creating it on
// first use.
func (e *Engine) loadInsuranceFund() (*Account, error) {
	fund, err := e.store.Account(InsuranceFundAccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return NewAccount(InsuranceFundAccountID), nil
	}
	return fund, err
}

// CreateAccount registers a new trading account with zero collateral.
// Creating an account that already exists returns the existing record.
func (e *Engine) CreateAccount(id string) (*Account, error) {
	if id == "" || id == InsuranceFundAccountID {
		return nil, ErrInvalidAmount
	}
	unlock := e.lockAccount(id)
	defer unlock()

	acct, err := e.store.Account(id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	acct = NewAccount(id)
	if err := e.store.Commit(nil, []*Account{acct}); err != nil {
		return nil, err
	}
	e.logger.Info("account created", "account", id)
	return acct, nil
}

// CreateMarket registers a new perpetual market. The index must be unused.
func (e *Engine) CreateMarket(params MarketParams) (*Market, error) {
	if _, err := e.store.Market(params.Index); err == nil {
		return nil, fmt.Errorf("%w: market %d already exists",
			ErrInvalidMarketIndex, params.Index)
	} else if !errors.Is(err, ErrInvalidMarketIndex) {
		return nil, err
	}
	m, err := NewMarket(params)
	if err != nil {
		return nil, err
	}
	if err := e.store.Commit([]*Market{m}, nil); err != nil {
		return nil, err
	}
	price, _ := m.MarkPrice()
	e.logger.Info("market created",
		"market", m.Index,
		"feed", m.OracleFeedID,
		"markPrice", price)
	return m, nil
}

// Deposit credits collateral to an account. The custody rail has already
// moved the tokens into the vault before this is called.
func (e *Engine) Deposit(accountID string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return err
	}
	release, err := acct.Acquire()
	if err != nil {
		return err
	}
	defer release()

	balance, err := addCollateral(acct.Collateral, amount)
	if err != nil {
		return err
	}
	acct.Collateral = balance

	release()
	if err := e.store.Commit(nil, []*Account{acct}); err != nil {
		return err
	}
	e.logger.Info("deposit", "account", accountID, "amount", amount, "balance", balance)
	return nil
}

// Withdraw debits collateral from an account. The account must meet the
// initial margin requirement of every market it holds a position in after
// the debit, and the custody rail must approve the transfer before the
// new balance is committed.
func (e *Engine) Withdraw(accountID string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return err
	}
	release, err := acct.Acquire()
	if err != nil {
		return err
	}
	defer release()

	balance, err := subCollateral(acct.Collateral, amount)
	if err != nil {
		return ErrInsufficientCollateral
	}
	acct.Collateral = balance

	for _, index := range acct.LiveMarkets() {
		market, err := e.store.Market(index)
		if err != nil {
			return err
		}
		price, err := e.oraclePrice(market)
		if err != nil {
			return err
		}
		ok, err := MeetsInitialMargin(acct, market, price)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWithdrawalCausesMarginCall
		}
	}

	if e.custody != nil {
		if err := e.custody.ApproveWithdrawal(accountID, amount); err != nil {
			return fmt.Errorf("withdrawal rejected by custody rail: %w", err)
		}
	}

	release()
	if err := e.store.Commit(nil, []*Account{acct}); err != nil {
		return err
	}
	e.logger.Info("withdrawal", "account", accountID, "amount", amount, "balance", balance)
	return nil
}

// TradeReceipt reports the outcome of an open or close.
type TradeReceipt struct {
	MarketIndex uint16    `json:"market_index"`
	Direction   Direction `json:"direction"`
	BaseAmount  *big.Int  `json:"base_amount"`
	QuoteDelta  *big.Int  `json:"quote_delta"`
	EntryPrice  *big.Int  `json:"entry_price,omitempty"`
	RealizedPnL *big.Int  `json:"realized_pnl,omitempty"`
	Fee         uint64    `json:"fee"`
	MarkPrice   *big.Int  `json:"mark_price"`
}

// OpenPosition opens or extends a position. baseAmount is signed: positive
// opens long, negative opens short. limitPrice, when non-nil and positive,
// bounds the effective entry price in price precision: a long fails above
// it, a short below it.
func (e *Engine) OpenPosition(accountID string, marketIndex uint16, baseAmount, limitPrice *big.Int) (*TradeReceipt, error) {
	if baseAmount == nil || baseAmount.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	if market.Paused {
		return nil, ErrMarketPaused
	}

	release, err := acct.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	oraclePrice, err := e.oraclePrice(market)
	if err != nil {
		return nil, err
	}

	direction := Long
	if baseAmount.Sign() < 0 {
		direction = Short
	}
	size := new(big.Int).Abs(baseAmount)

	swap, err := market.Swap(size, direction)
	if err != nil {
		return nil, err
	}
	quoteDelta := swap.QuoteDelta

	entryPrice, err := checkedMulU128(quoteDelta, precisionBig)
	if err != nil {
		return nil, err
	}
	entryPrice, err = checkedDivU128(entryPrice, size)
	if err != nil {
		return nil, err
	}
	if limitPrice != nil && limitPrice.Sign() > 0 {
		if direction == Long && entryPrice.Cmp(limitPrice) > 0 {
			return nil, ErrPriceSlippage
		}
		if direction == Short && entryPrice.Cmp(limitPrice) < 0 {
			return nil, ErrPriceSlippage
		}
	}

	pos, err := acct.PositionOrCreate(marketIndex)
	if err != nil {
		return nil, err
	}
	oldBase := new(big.Int).Set(pos.BaseAssetAmount)
	if err := pos.ApplyTrade(baseAmount, quoteDelta); err != nil {
		return nil, err
	}

	fee, fund, err := e.chargeTradeFee(acct, market, quoteDelta)
	if err != nil {
		return nil, err
	}

	ok, err := MeetsInitialMargin(acct, market, oraclePrice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionCausesMarginCall
	}

	market.adjustOpenInterest(oldBase, pos.BaseAssetAmount)

	release()
	if err := e.store.Commit([]*Market{market}, []*Account{acct, fund}); err != nil {
		return nil, err
	}

	markPrice, _ := market.MarkPrice()
	receipt := &TradeReceipt{
		MarketIndex: marketIndex,
		Direction:   direction,
		BaseAmount:  new(big.Int).Set(baseAmount),
		QuoteDelta:  quoteDelta,
		EntryPrice:  entryPrice,
		Fee:         fee,
		MarkPrice:   markPrice,
	}
	e.publishTrade(accountID, receipt, nil, false)
	e.logger.Info("position opened",
		"account", accountID,
		"market", marketIndex,
		"direction", direction.String(),
		"base", baseAmount,
		"quote", quoteDelta,
		"entryPrice", entryPrice,
		"fee", fee)
	return receipt, nil
}

// ClosePosition fully closes a position by swapping its base amount back
// through the pool in the opposite direction. Realized PnL is converted to
// collateral precision and settled against the account balance.
func (e *Engine) ClosePosition(accountID string, marketIndex uint16) (*TradeReceipt, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	if market.Paused {
		return nil, ErrMarketPaused
	}

	release, err := acct.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	slot, ok := acct.Positions[marketIndex]
	if !ok {
		return nil, ErrPositionNotFound
	}
	if slot.IsEmpty() {
		return nil, ErrNoPositionToClose
	}

	direction := Short
	if !slot.IsLong() {
		direction = Long
	}
	size := new(big.Int).Abs(slot.BaseAssetAmount)

	swap, err := market.Swap(size, direction)
	if err != nil {
		return nil, err
	}
	quoteReturned := swap.QuoteDelta

	pnl, err := slot.RealizedPnL(quoteReturned)
	if err != nil {
		return nil, err
	}
	if err := e.settlePnL(acct, pnl); err != nil {
		return nil, err
	}

	fee, fund, err := e.chargeTradeFee(acct, market, quoteReturned)
	if err != nil {
		return nil, err
	}

	oldBase := new(big.Int).Set(slot.BaseAssetAmount)
	closedBase := new(big.Int).Set(oldBase)
	slot.Reset()
	market.adjustOpenInterest(oldBase, slot.BaseAssetAmount)

	release()
	if err := e.store.Commit([]*Market{market}, []*Account{acct, fund}); err != nil {
		return nil, err
	}

	markPrice, _ := market.MarkPrice()
	receipt := &TradeReceipt{
		MarketIndex: marketIndex,
		Direction:   direction,
		BaseAmount:  closedBase,
		QuoteDelta:  quoteReturned,
		RealizedPnL: pnl,
		Fee:         fee,
		MarkPrice:   markPrice,
	}
	e.publishTrade(accountID, receipt, pnl, true)
	e.logger.Info("position closed",
		"account", accountID,
		"market", marketIndex,
		"base", closedBase,
		"quote", quoteReturned,
		"pnl", pnl,
		"fee", fee)
	return receipt, nil
}

// settlePnL applies price-precision realized PnL to the collateral
// balance. Losses exceeding the balance are an overflow: a solvent close
// can never owe more than the account holds once margin checks gate entry.
func (e *Engine) settlePnL(acct *Account, pnl *big.Int) error {
	delta, err := checkedDivI128(pnl, precisionRatioBig)
	if err != nil {
		return err
	}
	if delta.Sign() >= 0 {
		if !delta.IsUint64() {
			return ErrMathOverflow
		}
		balance, err := addCollateral(acct.Collateral, delta.Uint64())
		if err != nil {
			return err
		}
		acct.Collateral = balance
		return nil
	}
	loss := new(big.Int).Neg(delta)
	if !loss.IsUint64() {
		return ErrMathOverflow
	}
	balance, err := subCollateral(acct.Collateral, loss.Uint64())
	if err != nil {
		return ErrMathOverflow
	}
	acct.Collateral = balance
	return nil
}

// chargeTradeFee debits the taker fee for a swap of quoteDelta and credits
// it to the insurance fund. The fee is quoteDelta scaled by the market's
// trade fee rate, converted to collateral precision.
func (e *Engine) chargeTradeFee(acct *Account, market *Market, quoteDelta *big.Int) (uint64, *Account, error) {
	fund, err := e.loadInsuranceFund()
	if err != nil {
		return 0, nil, err
	}
	if market.TradeFeeRate == 0 {
		return 0, fund, nil
	}
	feePrice, err := checkedMulU128(quoteDelta, new(big.Int).SetUint64(market.TradeFeeRate))
	if err != nil {
		return 0, nil, err
	}
	feePrice, err = checkedDivU128(feePrice, rateScaleBig)
	if err != nil {
		return 0, nil, err
	}
	fee, err := toCollateral(feePrice)
	if err != nil {
		return 0, nil, err
	}
	if fee == 0 {
		return 0, fund, nil
	}
	balance, err := subCollateral(acct.Collateral, fee)
	if err != nil {
		return 0, nil, ErrInsufficientCollateral
	}
	acct.Collateral = balance
	fundBalance, err := addCollateral(fund.Collateral, fee)
	if err != nil {
		return 0, nil, err
	}
	fund.Collateral = fundBalance
	return fee, fund, nil
}

// Liquidate force-closes an undermargined account's position in one
// market. The liquidation fee is debited from the account and credited to
// the insurance fund.
func (e *Engine) Liquidate(liquidatorID, accountID string, marketIndex uint16) (*LiquidationResult, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	if market.Paused {
		return nil, ErrMarketPaused
	}

	release, err := acct.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	oraclePrice, err := e.oraclePrice(market)
	if err != nil {
		return nil, err
	}

	result, err := Liquidate(acct, market, oraclePrice)
	if err != nil {
		return nil, err
	}

	fund, err := e.loadInsuranceFund()
	if err != nil {
		return nil, err
	}
	fundBalance, err := addCollateral(fund.Collateral, result.Fee)
	if err != nil {
		return nil, err
	}
	fund.Collateral = fundBalance

	release()
	if err := e.store.Commit([]*Market{market}, []*Account{acct, fund}); err != nil {
		return nil, err
	}

	if e.events != nil {
		e.events.PositionLiquidated(LiquidationEvent{
			LiquidatorID: liquidatorID,
			AccountID:    accountID,
			MarketIndex:  marketIndex,
			ClosedBase:   result.ClosedBase,
			MarkPrice:    result.MarkPrice,
			Fee:          result.Fee,
			Timestamp:    e.now().Unix(),
		})
	}
	e.logger.Warn("position liquidated",
		"liquidator", liquidatorID,
		"account", accountID,
		"market", marketIndex,
		"base", result.ClosedBase,
		"fee", result.Fee)
	return result, nil
}

// SettleFunding applies the pending funding payment for one account's
// position in one market. Settling again within the same funding period
// is a no-op.
func (e *Engine) SettleFunding(accountID string, marketIndex uint16) (*FundingResult, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}

	release, err := acct.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	oraclePrice, err := e.oraclePrice(market)
	if err != nil {
		return nil, err
	}

	result, err := SettleFunding(acct, market, oraclePrice, e.now().Unix())
	if err != nil {
		return nil, err
	}
	if !result.Settled && !result.RateUpdated {
		return result, nil
	}

	release()
	if err := e.store.Commit([]*Market{market}, []*Account{acct}); err != nil {
		return nil, err
	}

	if e.events != nil && result.Settled {
		e.events.FundingSettled(FundingEvent{
			AccountID:        accountID,
			MarketIndex:      marketIndex,
			FundingRate:      market.LastFundingRate,
			Payment:          result.Payment,
			CollateralChange: result.CollateralChange,
			RateUpdated:      result.RateUpdated,
			Clamped:          result.Clamped,
			Timestamp:        e.now().Unix(),
		})
	}
	if result.Settled {
		e.logger.Info("funding settled",
			"account", accountID,
			"market", marketIndex,
			"rate", market.LastFundingRate,
			"payment", result.Payment,
			"collateralChange", result.CollateralChange)
	}
	return result, nil
}

// SetMarketPaused flips a market's pause flag.
func (e *Engine) SetMarketPaused(marketIndex uint16, paused bool) error {
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return err
	}
	market.Paused = paused
	if err := e.store.Commit([]*Market{market}, nil); err != nil {
		return err
	}
	e.logger.Info("market pause state changed", "market", marketIndex, "paused", paused)
	return nil
}

// Account returns the stored account record.
func (e *Engine) Account(id string) (*Account, error) {
	return e.store.Account(id)
}

// Market returns the stored market record.
func (e *Engine) Market(index uint16) (*Market, error) {
	return e.store.Market(index)
}

// Markets returns every market.
func (e *Engine) Markets() ([]*Market, error) {
	return e.store.Markets()
}

// InsuranceFund returns the insurance fund's collateral balance.
func (e *Engine) InsuranceFund() (uint64, error) {
	fund, err := e.loadInsuranceFund()
	if err != nil {
		return 0, err
	}
	return fund.Collateral, nil
}

// MarkPrice returns the current vAMM mark price for a market.
func (e *Engine) MarkPrice(marketIndex uint16) (*big.Int, error) {
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	return market.MarkPrice()
}

// AccountMarginRatio reports an account's margin ratio against one
// market's maintenance and initial thresholds. flat is true when the
// account holds no exposure in that market.
func (e *Engine) AccountMarginRatio(accountID string, marketIndex uint16) (ratio *big.Int, flat bool, err error) {
	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, false, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, false, err
	}
	price, err := e.oraclePrice(market)
	if err != nil {
		return nil, false, err
	}
	return MarginRatio(acct, marketIndex, price)
}

// UnrealizedPnL returns the mark-to-oracle unrealized PnL of an account's
// position in one market, in price precision.
func (e *Engine) UnrealizedPnL(accountID string, marketIndex uint16) (*big.Int, error) {
	acct, err := e.store.Account(accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	pos, err := acct.Position(marketIndex)
	if err != nil {
		return nil, err
	}
	price, err := e.oraclePrice(market)
	if err != nil {
		return nil, err
	}
	return pos.UnrealizedPnL(price)
}

func (e *Engine) publishTrade(accountID string, r *TradeReceipt, pnl *big.Int, closed bool) {
	if e.events == nil {
		return
	}
	e.events.TradeExecuted(TradeEvent{
		AccountID:   accountID,
		MarketIndex: r.MarketIndex,
		Direction:   r.Direction.String(),
		BaseAmount:  r.BaseAmount,
		QuoteDelta:  r.QuoteDelta,
		EntryPrice:  r.EntryPrice,
		RealizedPnL: pnl,
		Fee:         r.Fee,
		Closed:      closed,
		Timestamp:   e.now().Unix(),
	})
}
