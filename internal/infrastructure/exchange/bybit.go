package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

type tick struct {
	price float64
	at    time.Time
}

// BybitFeed is a read-only market data client. REST tickers answer one-off
// quote requests; the public tickers stream drives trigger evaluation.
type BybitFeed struct {
	baseURL  string
	wsURL    string
	category string
	// maxTickAge is how old a streamed price may be and still answer
	// GetCurrentPrice without a REST call. Zero disables the shortcut.
	maxTickAge time.Duration
	client     *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	symbols   map[string]bool
	callbacks []func(symbol string, price float64)
	last      map[string]tick
	timeNow   func() time.Time
}

func NewBybitFeed(baseURL, wsURL, category string, maxTickAge time.Duration, logger *zap.Logger) *BybitFeed {
	if category == "" {
		category = "linear"
	}
	return &BybitFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsURL:      wsURL,
		category:   category,
		maxTickAge: maxTickAge,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		symbols:    make(map[string]bool),
		last:       make(map[string]tick),
		timeNow:    time.Now,
	}
}

// --- REST API ---

// GetCurrentPrice returns the last traded price for symbol.
func (b *BybitFeed) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := b.freshTick(symbol); ok {
		return p, nil
	}

	q := url.Values{}
	q.Set("category", b.category)
	q.Set("symbol", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v5/market/tickers?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("API error: %s", string(body))
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("API error %d: %s", result.RetCode, result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("symbol %s not found", symbol)
	}

	price, err := strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("bad last price for %s: %w", symbol, err)
	}
	return price, nil
}

func (b *BybitFeed) freshTick(symbol string) (float64, bool) {
	if b.maxTickAge <= 0 {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.last[symbol]
	if !ok || b.timeNow().Sub(t.at) > b.maxTickAge {
		return 0, false
	}
	return t.price, true
}

// --- WebSocket ---

func (b *BybitFeed) OnPriceUpdate(callback func(symbol string, price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// Run keeps the stream connected until ctx is done, resubscribing every
// known symbol after a reconnect.
func (b *BybitFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := b.connect(ctx)
		if err == nil {
			backoff = time.Second
			err = b.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Ticker stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Subscribe adds symbols to the stream. Symbols added while disconnected are
// subscribed on the next connect.
func (b *BybitFeed) Subscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fresh []string
	for _, s := range symbols {
		if s != "" && !b.symbols[s] {
			b.symbols[s] = true
			fresh = append(fresh, s)
		}
	}
	if b.wsConn == nil {
		return nil
	}
	return b.subscribe(fresh)
}

func (b *BybitFeed) connect(ctx context.Context) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.wsConn = c
	all := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		all = append(all, s)
	}
	b.logger.Info("Ticker stream connected", zap.Int("symbols", len(all)))
	return b.subscribe(all)
}

// subscribe must be called with mu held.
func (b *BybitFeed) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	return b.wsConn.WriteJSON(map[string]any{
		"op":   "subscribe",
		"args": args,
	})
}

type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (b *BybitFeed) readLoop(ctx context.Context) error {
	b.mu.Lock()
	conn := b.wsConn
	b.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		conn.Close()
		b.mu.Lock()
		b.wsConn = nil
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			b.logger.Debug("WS unmarshal error", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
			// Delta messages omit unchanged fields.
			continue
		}
		symbol := strings.TrimPrefix(msg.Topic, "tickers.")
		price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		b.mu.Lock()
		b.last[symbol] = tick{price: price, at: b.timeNow()}
		callbacks := make([]func(string, float64), len(b.callbacks))
		copy(callbacks, b.callbacks)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(symbol, price)
		}
	}
}
