// Package api exposes the exchange over JSON-RPC 2.0.
//
// Quantities cross the API as decimal strings and are converted to the
// ledger's fixed-point scales at the boundary: collateral amounts carry
// six fractional digits, base amounts and prices nine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perp"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	engine   *perp.Engine
	logger   log.Logger
	recorder OperationRecorder
}

// OperationRecorder receives per-method telemetry from the server.
type OperationRecorder interface {
	ObserveOperation(method string, d time.Duration)
	RecordRejection(reason string)
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *perp.Engine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// SetRecorder attaches an operation recorder.
func (s *JSONRPCServer) SetRecorder(r OperationRecorder) {
	s.recorder = r
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	start := time.Now()
	result, err := s.handleMethod(req.Method, req.Params)
	if s.recorder != nil {
		s.recorder.ObserveOperation(req.Method, time.Since(start))
		if err != nil {
			s.recorder.RecordRejection(err.Error())
		}
	}
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Account methods
	case "perp_createAccount":
		return s.createAccount(params)
	case "perp_deposit":
		return s.deposit(params)
	case "perp_withdraw":
		return s.withdraw(params)
	case "perp_getAccount":
		return s.getAccount(params)

	// Trading methods
	case "perp_openPosition":
		return s.openPosition(params)
	case "perp_closePosition":
		return s.closePosition(params)
	case "perp_liquidate":
		return s.liquidate(params)
	case "perp_settleFunding":
		return s.settleFunding(params)

	// Market methods
	case "perp_createMarket":
		return s.createMarket(params)
	case "perp_setPaused":
		return s.setPaused(params)
	case "perp_getMarket":
		return s.getMarket(params)
	case "perp_getMarkets":
		return s.getMarkets(params)
	case "perp_getMarkPrice":
		return s.getMarkPrice(params)
	case "perp_getFundingRate":
		return s.getFundingRate(params)

	// Risk methods
	case "perp_getMarginRatio":
		return s.getMarginRatio(params)
	case "perp_getUnrealizedPnl":
		return s.getUnrealizedPnl(params)
	case "perp_getInsuranceFund":
		return s.getInsuranceFund(params)

	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseCollateral converts a decimal amount string into collateral units.
func parseCollateral(amount string) (uint64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(6)
	if !scaled.IsInteger() || scaled.IsNegative() {
		return 0, fmt.Errorf("amount %s exceeds collateral precision", amount)
	}
	coeff := scaled.Truncate(0).BigInt()
	if !coeff.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", amount)
	}
	return coeff.Uint64(), nil
}

// parsePricePrecision converts a decimal string into a price-precision
// integer. Signed values are allowed for base amounts.
func parsePricePrecision(v string) (*big.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(9)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("value %s exceeds price precision", v)
	}
	return scaled.Truncate(0).BigInt(), nil
}

func (s *JSONRPCServer) createAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	acct, err := s.engine.CreateAccount(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"account": acct.ID,
		"status":  "created",
	}, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseCollateral(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	if err := s.engine.Deposit(p.Account, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "credited"}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseCollateral(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	if err := s.engine.Withdraw(p.Account, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "debited"}, nil
}

func (s *JSONRPCServer) getAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	acct, err := s.engine.Account(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return acct, nil
}

func (s *JSONRPCServer) openPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account    string `json:"account"`
		Market     uint16 `json:"market"`
		Base       string `json:"base"`
		LimitPrice string `json:"limitPrice"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	base, err := parsePricePrecision(p.Base)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	var limit *big.Int
	if p.LimitPrice != "" {
		if limit, err = parsePricePrecision(p.LimitPrice); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
	}

	receipt, err := s.engine.OpenPosition(p.Account, p.Market, base, limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return receipt, nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Market  uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	receipt, err := s.engine.ClosePosition(p.Account, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return receipt, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Liquidator string `json:"liquidator"`
		Account    string `json:"account"`
		Market     uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	res, err := s.engine.Liquidate(p.Liquidator, p.Account, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return res, nil
}

func (s *JSONRPCServer) settleFunding(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Market  uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	res, err := s.engine.SettleFunding(p.Account, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return res, nil
}

func (s *JSONRPCServer) createMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market                 uint16 `json:"market"`
		BaseReserve            string `json:"baseReserve"`
		QuoteReserve           string `json:"quoteReserve"`
		TradeFeeRate           uint64 `json:"tradeFeeRate"`
		LiquidationFeeRate     uint64 `json:"liquidationFeeRate"`
		InitialMarginRatio     uint64 `json:"initialMarginRatio"`
		MaintenanceMarginRatio uint64 `json:"maintenanceMarginRatio"`
		FundingPeriod          int64  `json:"fundingPeriod"`
		OracleFeedID           string `json:"oracleFeedId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	baseReserve, err := parsePricePrecision(p.BaseReserve)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	quoteReserve, err := parsePricePrecision(p.QuoteReserve)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	market, err := s.engine.CreateMarket(perp.MarketParams{
		Index:                  p.Market,
		BaseReserve:            baseReserve,
		QuoteReserve:           quoteReserve,
		TradeFeeRate:           p.TradeFeeRate,
		LiquidationFeeRate:     p.LiquidationFeeRate,
		InitialMarginRatio:     p.InitialMarginRatio,
		MaintenanceMarginRatio: p.MaintenanceMarginRatio,
		FundingPeriod:          p.FundingPeriod,
		OracleFeedID:           p.OracleFeedID,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return market, nil
}

func (s *JSONRPCServer) setPaused(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint16 `json:"market"`
		Paused bool   `json:"paused"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.SetMarketPaused(p.Market, p.Paused); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"market": p.Market, "paused": p.Paused}, nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	market, err := s.engine.Market(p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return market, nil
}

func (s *JSONRPCServer) getMarkets(params json.RawMessage) (interface{}, error) {
	markets, err := s.engine.Markets()
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return markets, nil
}

func (s *JSONRPCServer) getMarkPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	price, err := s.engine.MarkPrice(p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"market": p.Market,
		"price":  decimal.NewFromBigInt(price, -9).String(),
	}, nil
}

func (s *JSONRPCServer) getFundingRate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	market, err := s.engine.Market(p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"market":       p.Market,
		"rate":         decimal.NewFromBigInt(market.LastFundingRate, -9).String(),
		"published_at": market.LastFundingTS,
	}, nil
}

func (s *JSONRPCServer) getMarginRatio(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Market  uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	ratio, flat, err := s.engine.AccountMarginRatio(p.Account, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	if flat {
		return map[string]interface{}{"flat": true}, nil
	}
	return map[string]interface{}{
		"flat":  false,
		"ratio": decimal.NewFromBigInt(ratio, -9).String(),
	}, nil
}

func (s *JSONRPCServer) getUnrealizedPnl(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Market  uint16 `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pnl, err := s.engine.UnrealizedPnL(p.Account, p.Market)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"pnl": decimal.NewFromBigInt(pnl, -9).String(),
	}, nil
}

func (s *JSONRPCServer) getInsuranceFund(params json.RawMessage) (interface{}, error) {
	balance, err := s.engine.InsuranceFund()
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"balance": decimal.NewFromUint64(balance).Shift(-6).String(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves a JSONRPCServer on /rpc until the context is
// cancelled.
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		markets, err := server.engine.Markets()
		status := "healthy"
		if err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"markets": len(markets),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
