package perp

import (
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1_700_000_000)

type memLedger struct {
	markets   map[uint16]*Market
	accounts  map[string]*Account
	commitErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		markets:  make(map[uint16]*Market),
		accounts: make(map[string]*Account),
	}
}

func (s *memLedger) Market(index uint16) (*Market, error) {
	m, ok := s.markets[index]
	if !ok {
		return nil, ErrInvalidMarketIndex
	}
	return m.Clone(), nil
}

func (s *memLedger) Account(id string) (*Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *memLedger) Markets() ([]*Market, error) {
	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *memLedger) AccountIDs() ([]string, error) {
	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memLedger) Commit(markets []*Market, accounts []*Account) error {
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}
	for _, m := range markets {
		s.markets[m.Index] = m.Clone()
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a.Clone()
	}
	return nil
}

type staticFeed struct {
	observations map[string]Observation
}

func (f *staticFeed) Latest(feedID string) (Observation, error) {
	obs, ok := f.observations[feedID]
	if !ok {
		return Observation{}, errors.New("unknown feed")
	}
	return obs, nil
}

func (f *staticFeed) set(feedID string, mantissa int64) {
	f.observations[feedID] = Observation{
		FeedID:    feedID,
		Mantissa:  mantissa,
		Exponent:  0,
		Timestamp: testNow,
	}
}

type recordingRail struct {
	approved []uint64
	reject   error
}

func (r *recordingRail) ApproveWithdrawal(accountID string, amount uint64) error {
	if r.reject != nil {
		return r.reject
	}
	r.approved = append(r.approved, amount)
	return nil
}

type capturingSink struct {
	trades       []TradeEvent
	liquidations []LiquidationEvent
	fundings     []FundingEvent
}

func (c *capturingSink) TradeExecuted(ev TradeEvent) { c.trades = append(c.trades, ev) }
func (c *capturingSink) PositionLiquidated(ev LiquidationEvent) {
	c.liquidations = append(c.liquidations, ev)
}
func (c *capturingSink) FundingSettled(ev FundingEvent) { c.fundings = append(c.fundings, ev) }

type engineFixture struct {
	engine *Engine
	store  *memLedger
	feed   *staticFeed
	rail   *recordingRail
	sink   *capturingSink
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newMemLedger()
	feed := &staticFeed{observations: make(map[string]Observation)}
	feed.set("BTC-USD", 50)
	rail := &recordingRail{}
	sink := &capturingSink{}

	level, _ := log.ToLevel("error")
	engine := NewEngine(store, feed, rail, log.NewTestLogger(level))
	engine.SetEventSink(sink)
	engine.SetClock(func() time.Time { return time.Unix(testNow, 0) })

	_, err := engine.CreateMarket(MarketParams{
		Index:                  0,
		BaseReserve:            big.NewInt(1_000_000_000_000),
		QuoteReserve:           big.NewInt(50_000_000_000_000),
		TradeFeeRate:           1_000, // 0.1%
		LiquidationFeeRate:     250,   // 0.025%
		InitialMarginRatio:     100_000,
		MaintenanceMarginRatio: 50_000,
		OracleFeedID:           "BTC-USD",
	})
	require.NoError(t, err)

	_, err = engine.CreateAccount("alice")
	require.NoError(t, err)
	require.NoError(t, engine.Deposit("alice", 100_000_000))
	return &engineFixture{engine: engine, store: store, feed: feed, rail: rail, sink: sink}
}

func TestEngineCreate(t *testing.T) {
	fix := newEngineFixture(t)

	t.Run("DuplicateMarketRejected", func(t *testing.T) {
		_, err := fix.engine.CreateMarket(MarketParams{
			Index:        0,
			BaseReserve:  big.NewInt(1),
			QuoteReserve: big.NewInt(1),
		})
		assert.ErrorIs(t, err, ErrInvalidMarketIndex)
	})

	t.Run("CreateAccountIsIdempotent", func(t *testing.T) {
		acct, err := fix.engine.CreateAccount("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(100_000_000), acct.Collateral)
	})

	t.Run("ReservedAccountIDRejected", func(t *testing.T) {
		_, err := fix.engine.CreateAccount(InsuranceFundAccountID)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestEngineDepositWithdraw(t *testing.T) {
	t.Run("ZeroAmountRejected", func(t *testing.T) {
		fix := newEngineFixture(t)
		assert.ErrorIs(t, fix.engine.Deposit("alice", 0), ErrInvalidAmount)
		assert.ErrorIs(t, fix.engine.Withdraw("alice", 0), ErrInvalidAmount)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		fix := newEngineFixture(t)
		assert.ErrorIs(t, fix.engine.Deposit("nobody", 1), ErrAccountNotFound)
	})

	t.Run("WithdrawApprovedByRail", func(t *testing.T) {
		fix := newEngineFixture(t)
		require.NoError(t, fix.engine.Withdraw("alice", 40_000_000))

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(60_000_000), acct.Collateral)
		assert.Equal(t, []uint64{40_000_000}, fix.rail.approved)
	})

	t.Run("WithdrawExceedingBalance", func(t *testing.T) {
		fix := newEngineFixture(t)
		err := fix.engine.Withdraw("alice", 100_000_001)
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
	})

	t.Run("RailRejectionAbortsCommit", func(t *testing.T) {
		fix := newEngineFixture(t)
		fix.rail.reject = errors.New("vault offline")

		err := fix.engine.Withdraw("alice", 40_000_000)
		require.Error(t, err)

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(100_000_000), acct.Collateral)
	})

	t.Run("WithdrawGatedByInitialMargin", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)

		err = fix.engine.Withdraw("alice", 95_000_000)
		assert.ErrorIs(t, err, ErrWithdrawalCausesMarginCall)

		require.NoError(t, fix.engine.Withdraw("alice", 10_000_000))
	})
}

func TestEngineOpenPosition(t *testing.T) {
	t.Run("LongAgainstPool", func(t *testing.T) {
		fix := newEngineFixture(t)

		receipt, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)
		assert.Equal(t, Long, receipt.Direction)
		assert.Equal(t, big.NewInt(505_050_505_050), receipt.QuoteDelta)
		assert.Equal(t, big.NewInt(50_505_050_505), receipt.EntryPrice)
		assert.Equal(t, uint64(505_050), receipt.Fee)

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(99_494_950), acct.Collateral)
		assert.Equal(t, big.NewInt(10_000_000_000), acct.Positions[0].BaseAssetAmount)

		market, err := fix.engine.Market(0)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(990_000_000_000), market.BaseReserve)
		assert.Equal(t, big.NewInt(10_000_000_000), market.OpenInterestBase)

		fund, err := fix.engine.InsuranceFund()
		require.NoError(t, err)
		assert.Equal(t, uint64(505_050), fund)

		require.Len(t, fix.sink.trades, 1)
		assert.False(t, fix.sink.trades[0].Closed)
	})

	t.Run("SlippageGuard", func(t *testing.T) {
		fix := newEngineFixture(t)

		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), big.NewInt(50_000_000_000))
		assert.ErrorIs(t, err, ErrPriceSlippage)

		_, err = fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), big.NewInt(51_000_000_000))
		assert.NoError(t, err)
	})

	t.Run("ShortSlippageGuard", func(t *testing.T) {
		fix := newEngineFixture(t)

		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(-10_000_000_000), big.NewInt(50_000_000_000))
		assert.ErrorIs(t, err, ErrPriceSlippage)

		_, err = fix.engine.OpenPosition("alice", 0, big.NewInt(-10_000_000_000), big.NewInt(49_000_000_000))
		assert.NoError(t, err)
	})

	t.Run("UndermarginedOpenRejected", func(t *testing.T) {
		fix := newEngineFixture(t)

		// 500 notional would require 50 collateral units of initial
		// margin; alice holds 100 but asks for ten times the size.
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(100_000_000_000), nil)
		assert.ErrorIs(t, err, ErrPositionCausesMarginCall)

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Empty(t, acct.Positions)
		assert.Equal(t, uint64(100_000_000), acct.Collateral)

		// The aborted swap never reached the stored reserves.
		market, err := fix.engine.Market(0)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_000_000_000_000), market.BaseReserve)
	})

	t.Run("PausedMarket", func(t *testing.T) {
		fix := newEngineFixture(t)
		require.NoError(t, fix.engine.SetMarketPaused(0, true))

		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		assert.ErrorIs(t, err, ErrMarketPaused)
	})

	t.Run("StaleOracle", func(t *testing.T) {
		fix := newEngineFixture(t)
		fix.feed.observations["BTC-USD"] = Observation{
			FeedID:    "BTC-USD",
			Mantissa:  50,
			Timestamp: testNow - OracleStalenessThreshold - 1,
		}

		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		assert.ErrorIs(t, err, ErrStaleOraclePrice)
	})

	t.Run("FeedIdentityMismatch", func(t *testing.T) {
		fix := newEngineFixture(t)
		fix.feed.observations["BTC-USD"] = Observation{
			FeedID:    "ETH-USD",
			Mantissa:  50,
			Timestamp: testNow,
		}

		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		assert.ErrorIs(t, err, ErrInvalidOraclePrice)
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(0), nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestEngineClosePosition(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)

		receipt, err := fix.engine.ClosePosition("alice", 0)
		require.NoError(t, err)
		assert.Equal(t, Short, receipt.Direction)
		assert.Zero(t, receipt.RealizedPnL.Sign())

		// The round trip pays the taker fee twice and nothing else.
		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(98_989_900), acct.Collateral)
		assert.True(t, acct.Positions[0].IsEmpty())

		market, err := fix.engine.Market(0)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_000_000_000_000), market.BaseReserve)
		assert.Zero(t, market.OpenInterestBase.Sign())

		fund, err := fix.engine.InsuranceFund()
		require.NoError(t, err)
		assert.Equal(t, uint64(1_010_100), fund)

		require.Len(t, fix.sink.trades, 2)
		assert.True(t, fix.sink.trades[1].Closed)
	})

	t.Run("NoPosition", func(t *testing.T) {
		fix := newEngineFixture(t)

		_, err := fix.engine.ClosePosition("alice", 0)
		assert.ErrorIs(t, err, ErrPositionNotFound)

		_, err = fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)
		_, err = fix.engine.ClosePosition("alice", 0)
		require.NoError(t, err)

		_, err = fix.engine.ClosePosition("alice", 0)
		assert.ErrorIs(t, err, ErrNoPositionToClose)
	})

	t.Run("CommitFailureLeavesStateUntouched", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)

		fix.store.commitErr = errors.New("disk full")
		_, err = fix.engine.ClosePosition("alice", 0)
		require.Error(t, err)

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(99_494_950), acct.Collateral)
		assert.False(t, acct.Positions[0].IsEmpty())
		assert.False(t, acct.OperationLock)

		market, err := fix.engine.Market(0)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(990_000_000_000), market.BaseReserve)
	})
}

func TestEngineLiquidate(t *testing.T) {
	t.Run("ForcedClosure", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)

		before, err := fix.engine.Account("alice")
		require.NoError(t, err)
		fundBefore, err := fix.engine.InsuranceFund()
		require.NoError(t, err)

		// Notional quadruples against fixed collateral, breaching
		// maintenance margin.
		fix.feed.set("BTC-USD", 200)

		res, err := fix.engine.Liquidate("keeper", "alice", 0)
		require.NoError(t, err)
		assert.Positive(t, res.Fee)
		assert.Equal(t, big.NewInt(10_000_000_000), res.ClosedBase)

		acct, err := fix.engine.Account("alice")
		require.NoError(t, err)
		assert.Equal(t, before.Collateral-res.Fee, acct.Collateral)
		assert.True(t, acct.Positions[0].IsEmpty())

		fund, err := fix.engine.InsuranceFund()
		require.NoError(t, err)
		assert.Equal(t, fundBefore+res.Fee, fund)

		market, err := fix.engine.Market(0)
		require.NoError(t, err)
		assert.Zero(t, market.OpenInterestBase.Sign())

		require.Len(t, fix.sink.liquidations, 1)
		assert.Equal(t, "keeper", fix.sink.liquidations[0].LiquidatorID)
	})

	t.Run("HealthyAccountRejected", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)

		_, err = fix.engine.Liquidate("keeper", "alice", 0)
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)
	})

	t.Run("PausedMarket", func(t *testing.T) {
		fix := newEngineFixture(t)
		_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)
		require.NoError(t, fix.engine.SetMarketPaused(0, true))

		_, err = fix.engine.Liquidate("keeper", "alice", 0)
		assert.ErrorIs(t, err, ErrMarketPaused)
	})
}

func TestEngineSettleFunding(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
	require.NoError(t, err)

	before, err := fix.engine.Account("alice")
	require.NoError(t, err)

	// The long open pushed the mark above the oracle, so alice pays.
	res, err := fix.engine.SettleFunding("alice", 0)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.True(t, res.RateUpdated)
	assert.Positive(t, res.Payment.Sign())

	acct, err := fix.engine.Account("alice")
	require.NoError(t, err)
	assert.Less(t, acct.Collateral, before.Collateral)

	market, err := fix.engine.Market(0)
	require.NoError(t, err)
	assert.Equal(t, testNow, market.LastFundingTS)
	assert.Positive(t, market.LastFundingRate.Sign())

	require.Len(t, fix.sink.fundings, 1)

	// A second call within the period is a silent no-op.
	balance := acct.Collateral
	res, err = fix.engine.SettleFunding("alice", 0)
	require.NoError(t, err)
	assert.False(t, res.Settled)

	acct, err = fix.engine.Account("alice")
	require.NoError(t, err)
	assert.Equal(t, balance, acct.Collateral)
	assert.Len(t, fix.sink.fundings, 1)
}

func TestEngineQueries(t *testing.T) {
	fix := newEngineFixture(t)
	_, err := fix.engine.OpenPosition("alice", 0, big.NewInt(10_000_000_000), nil)
	require.NoError(t, err)

	t.Run("MarkPrice", func(t *testing.T) {
		price, err := fix.engine.MarkPrice(0)
		require.NoError(t, err)
		assert.Positive(t, price.Cmp(big.NewInt(50_000_000_000)))
	})

	t.Run("MarginRatio", func(t *testing.T) {
		ratio, flat, err := fix.engine.AccountMarginRatio("alice", 0)
		require.NoError(t, err)
		assert.False(t, flat)
		assert.Positive(t, ratio.Sign())
	})

	t.Run("UnrealizedPnL", func(t *testing.T) {
		// Valued at the oracle price of 50.0, below the effective
		// entry, the fresh long is underwater by the slippage paid.
		pnl, err := fix.engine.UnrealizedPnL("alice", 0)
		require.NoError(t, err)
		assert.Negative(t, pnl.Sign())
	})

	t.Run("Markets", func(t *testing.T) {
		markets, err := fix.engine.Markets()
		require.NoError(t, err)
		require.Len(t, markets, 1)
		assert.Equal(t, uint16(0), markets[0].Index)
	})
}
