// Package websocket streams ledger events and mark prices to clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/perp"
)

// Channels clients can subscribe to.
const (
	ChannelPrices       = "prices"
	ChannelTrades       = "trades"
	ChannelLiquidations = "liquidations"
	ChannelFunding      = "funding"
)

// Message is the envelope for every frame sent to a client.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PriceUpdate carries one market's mark price snapshot.
type PriceUpdate struct {
	MarketIndex  uint16 `json:"market_index"`
	MarkPrice    string `json:"mark_price"`
	FundingRate  string `json:"funding_rate"`
	OpenInterest string `json:"open_interest"`
}

// Server fans events out to subscribed WebSocket clients.
type Server struct {
	engine *perp.Engine
	logger log.Logger

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	subscriptions map[string]map[*Client]bool
	subMu         sync.RWMutex

	messagesOut uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one WebSocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer creates a WebSocket server over the engine.
func NewServer(engine *perp.Engine, logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:        engine,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start serves /ws until the context is cancelled.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go s.runHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.logger.Info("WebSocket server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				close(client.send)
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("client connected", "id", client.id)

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
				s.unsubscribeAll(client)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("client disconnected", "id", client.id)

		case message := <-s.broadcast:
			s.broadcastMessage(message)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d-%d", time.Now().Unix(), time.Now().Nanosecond()),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var msg struct {
		Type     string   `json:"type"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		for _, channel := range msg.Channels {
			c.mu.Lock()
			c.channels[channel] = true
			c.mu.Unlock()
			c.server.subscribe(channel, c)

			if channel == ChannelPrices {
				c.sendPriceSnapshot()
			}
		}
		c.sendMessage(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": msg.Channels},
			Timestamp: time.Now().Unix(),
		})

	case "unsubscribe":
		for _, channel := range msg.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.server.unsubscribe(channel, c)
		}
		c.sendMessage(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": msg.Channels},
			Timestamp: time.Now().Unix(),
		})

	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})

	default:
		c.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// sendPriceSnapshot sends the current mark price of every market.
func (c *Client) sendPriceSnapshot() {
	markets, err := c.server.engine.Markets()
	if err != nil {
		c.server.logger.Error("price snapshot failed", "error", err)
		return
	}
	for _, m := range markets {
		price, err := m.MarkPrice()
		if err != nil {
			continue
		}
		c.sendMessage(Message{
			Type:    "price",
			Channel: ChannelPrices,
			Data: PriceUpdate{
				MarketIndex:  m.Index,
				MarkPrice:    price.String(),
				FundingRate:  m.LastFundingRate.String(),
				OpenInterest: m.OpenInterestBase.String(),
			},
			Timestamp: time.Now().Unix(),
		})
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.unregister <- c
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	clients := s.subscriptions[msg.Channel]
	s.subMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal broadcast", "error", err)
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
			atomic.AddUint64(&s.messagesOut, 1)
		default:
			s.unregister <- client
		}
	}
}

// BroadcastPrice pushes a market's current state to price subscribers.
func (s *Server) BroadcastPrice(m *perp.Market) {
	price, err := m.MarkPrice()
	if err != nil {
		return
	}
	s.broadcast <- Message{
		Type:    "price",
		Channel: ChannelPrices,
		Data: PriceUpdate{
			MarketIndex:  m.Index,
			MarkPrice:    price.String(),
			FundingRate:  m.LastFundingRate.String(),
			OpenInterest: m.OpenInterestBase.String(),
		},
		Timestamp: time.Now().Unix(),
	}
}

// TradeExecuted implements perp.EventSink.
func (s *Server) TradeExecuted(ev perp.TradeEvent) {
	s.broadcast <- Message{
		Type:      "trade",
		Channel:   ChannelTrades,
		Data:      ev,
		Timestamp: time.Now().Unix(),
	}
}

// PositionLiquidated implements perp.EventSink.
func (s *Server) PositionLiquidated(ev perp.LiquidationEvent) {
	s.broadcast <- Message{
		Type:      "liquidation",
		Channel:   ChannelLiquidations,
		Data:      ev,
		Timestamp: time.Now().Unix(),
	}
}

// FundingSettled implements perp.EventSink.
func (s *Server) FundingSettled(ev perp.FundingEvent) {
	s.broadcast <- Message{
		Type:      "funding",
		Channel:   ChannelFunding,
		Data:      ev,
		Timestamp: time.Now().Unix(),
	}
}

// Stats reports hub counters.
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"channels":      numChannels,
	}
}
