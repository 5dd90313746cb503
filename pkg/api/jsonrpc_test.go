package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/perp"
)

const testNow = int64(1_700_000_000)

type memLedger struct {
	markets  map[uint16]*perp.Market
	accounts map[string]*perp.Account
}

func newMemLedger() *memLedger {
	return &memLedger{
		markets:  make(map[uint16]*perp.Market),
		accounts: make(map[string]*perp.Account),
	}
}

func (s *memLedger) Market(index uint16) (*perp.Market, error) {
	m, ok := s.markets[index]
	if !ok {
		return nil, perp.ErrInvalidMarketIndex
	}
	return m.Clone(), nil
}

func (s *memLedger) Account(id string) (*perp.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, perp.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *memLedger) Markets() ([]*perp.Market, error) {
	out := make([]*perp.Market, 0, len(s.markets))
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

func (s *memLedger) Commit(markets []*perp.Market, accounts []*perp.Account) error {
	for _, m := range markets {
		s.markets[m.Index] = m.Clone()
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a.Clone()
	}
	return nil
}

type staticFeed struct {
	observations map[string]perp.Observation
}

func (f *staticFeed) Latest(feedID string) (perp.Observation, error) {
	obs, ok := f.observations[feedID]
	if !ok {
		return perp.Observation{}, errors.New("unknown feed")
	}
	return obs, nil
}

type openRail struct{}

func (openRail) ApproveWithdrawal(accountID string, amount uint64) error { return nil }

func newTestServer(t *testing.T) *JSONRPCServer {
	t.Helper()
	feed := &staticFeed{observations: map[string]perp.Observation{
		"BTC-USD": {FeedID: "BTC-USD", Mantissa: 50, Exponent: 0, Timestamp: testNow},
	}}

	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	engine := perp.NewEngine(newMemLedger(), feed, openRail{}, logger)
	engine.SetClock(func() time.Time { return time.Unix(testNow, 0) })
	return NewJSONRPCServer(engine, logger)
}

func call(t *testing.T, server *JSONRPCServer, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func mustCall(t *testing.T, server *JSONRPCServer, method string, params interface{}) interface{} {
	t.Helper()
	resp := call(t, server, method, params)
	require.Nil(t, resp.Error, "method %s failed: %v", method, resp.Error)
	return resp.Result
}

func setupMarketAndAccount(t *testing.T, server *JSONRPCServer) {
	t.Helper()
	mustCall(t, server, "perp_createMarket", map[string]interface{}{
		"market":                 0,
		"baseReserve":            "1000",
		"quoteReserve":           "50000",
		"tradeFeeRate":           1_000,
		"liquidationFeeRate":     250,
		"initialMarginRatio":     100_000,
		"maintenanceMarginRatio": 50_000,
		"oracleFeedId":           "BTC-USD",
	})
	mustCall(t, server, "perp_createAccount", map[string]interface{}{"account": "alice"})
	mustCall(t, server, "perp_deposit", map[string]interface{}{"account": "alice", "amount": "100"})
}

func TestJSONRPCProtocol(t *testing.T) {
	server := newTestServer(t)

	t.Run("Ping", func(t *testing.T) {
		result := mustCall(t, server, "perp_ping", map[string]interface{}{})
		assert.Equal(t, "pong", result)
	})

	t.Run("MethodNotFound", func(t *testing.T) {
		resp := call(t, server, "perp_unknown", map[string]interface{}{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("InvalidVersion", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "1.0",
			"method":  "perp_ping",
			"id":      1,
		})
		req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("ParseError", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})

	t.Run("GetNotAllowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestJSONRPCAccountFlow(t *testing.T) {
	server := newTestServer(t)
	setupMarketAndAccount(t, server)

	t.Run("GetAccount", func(t *testing.T) {
		result := mustCall(t, server, "perp_getAccount", map[string]interface{}{"account": "alice"})
		acct := result.(map[string]interface{})
		assert.Equal(t, "alice", acct["id"])
		assert.Equal(t, float64(100_000_000), acct["collateral"])
	})

	t.Run("Withdraw", func(t *testing.T) {
		mustCall(t, server, "perp_withdraw", map[string]interface{}{"account": "alice", "amount": "25"})
		result := mustCall(t, server, "perp_getAccount", map[string]interface{}{"account": "alice"})
		acct := result.(map[string]interface{})
		assert.Equal(t, float64(75_000_000), acct["collateral"])
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		resp := call(t, server, "perp_getAccount", map[string]interface{}{"account": "nobody"})
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "account not found")
	})

	t.Run("FractionalDustRejected", func(t *testing.T) {
		resp := call(t, server, "perp_deposit", map[string]interface{}{"account": "alice", "amount": "0.0000001"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("NegativeAmountRejected", func(t *testing.T) {
		resp := call(t, server, "perp_deposit", map[string]interface{}{"account": "alice", "amount": "-5"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestJSONRPCTradingFlow(t *testing.T) {
	server := newTestServer(t)
	setupMarketAndAccount(t, server)

	t.Run("OpenPosition", func(t *testing.T) {
		result := mustCall(t, server, "perp_openPosition", map[string]interface{}{
			"account": "alice",
			"market":  0,
			"base":    "10",
		})
		receipt := result.(map[string]interface{})
		assert.Equal(t, "50505050505", fmt.Sprintf("%.0f", receipt["entry_price"]))
	})

	t.Run("MarkPriceMovedUp", func(t *testing.T) {
		result := mustCall(t, server, "perp_getMarkPrice", map[string]interface{}{"market": 0})
		priceStr := result.(map[string]interface{})["price"].(string)
		assert.Equal(t, "51.01520253", priceStr)
	})

	t.Run("MarginRatio", func(t *testing.T) {
		result := mustCall(t, server, "perp_getMarginRatio", map[string]interface{}{
			"account": "alice",
			"market":  0,
		})
		obj := result.(map[string]interface{})
		assert.Equal(t, false, obj["flat"])
		assert.NotEmpty(t, obj["ratio"])
	})

	t.Run("ClosePosition", func(t *testing.T) {
		mustCall(t, server, "perp_closePosition", map[string]interface{}{
			"account": "alice",
			"market":  0,
		})
		result := mustCall(t, server, "perp_getMarginRatio", map[string]interface{}{
			"account": "alice",
			"market":  0,
		})
		assert.Equal(t, true, result.(map[string]interface{})["flat"])
	})

	t.Run("InsuranceFundCollectedFees", func(t *testing.T) {
		result := mustCall(t, server, "perp_getInsuranceFund", map[string]interface{}{})
		balance := result.(map[string]interface{})["balance"].(string)
		assert.Equal(t, "1.0101", balance)
	})

	t.Run("PausedMarketRejectsTrades", func(t *testing.T) {
		mustCall(t, server, "perp_setPaused", map[string]interface{}{"market": 0, "paused": true})
		resp := call(t, server, "perp_openPosition", map[string]interface{}{
			"account": "alice",
			"market":  0,
			"base":    "1",
		})
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "paused")
	})
}

func TestJSONRPCMarketQueries(t *testing.T) {
	server := newTestServer(t)
	setupMarketAndAccount(t, server)

	t.Run("GetMarket", func(t *testing.T) {
		result := mustCall(t, server, "perp_getMarket", map[string]interface{}{"market": 0})
		m := result.(map[string]interface{})
		assert.Equal(t, "BTC-USD", m["oracle_feed_id"])
	})

	t.Run("GetMarkets", func(t *testing.T) {
		result := mustCall(t, server, "perp_getMarkets", map[string]interface{}{})
		markets := result.([]interface{})
		assert.Len(t, markets, 1)
	})

	t.Run("FundingRateStartsFlat", func(t *testing.T) {
		result := mustCall(t, server, "perp_getFundingRate", map[string]interface{}{"market": 0})
		obj := result.(map[string]interface{})
		assert.Equal(t, "0", obj["rate"])
	})

	t.Run("UnknownMarket", func(t *testing.T) {
		resp := call(t, server, "perp_getMarket", map[string]interface{}{"market": 99})
		require.NotNil(t, resp.Error)
	})
}
