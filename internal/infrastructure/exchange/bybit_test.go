package exchange_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_ladder/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func TestGetCurrentPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","lastPrice":"64250.5"}]}}`))
		case "BADUSDT":
			w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{"list":[]}}`))
		default:
			w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
		}
	}))
	defer srv.Close()

	feed := exchange.NewBybitFeed(srv.URL, "", "", 0, zap.NewNop())
	ctx := context.Background()

	price, err := feed.GetCurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64250.5, price)

	_, err = feed.GetCurrentPrice(ctx, "BADUSDT")
	assert.ErrorContains(t, err, "params error")

	_, err = feed.GetCurrentPrice(ctx, "NOPEUSDT")
	assert.ErrorContains(t, err, "not found")
}

func TestTickerStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Args

		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","success":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT","bid1Price":"1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","data":{"symbol":"BTCUSDT","lastPrice":"65000"}}`))
		// Hold the connection until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("fresh tick should answer without REST")
	}))
	defer rest.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := exchange.NewBybitFeed(rest.URL, wsURL, "linear", time.Minute, zap.NewNop())
	require.NoError(t, feed.Subscribe([]string{"BTCUSDT"}))

	prices := make(chan float64, 4)
	feed.OnPriceUpdate(func(symbol string, price float64) {
		assert.Equal(t, "BTCUSDT", symbol)
		prices <- price
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case args := <-subscribed:
		assert.Equal(t, []string{"tickers.BTCUSDT"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case p := <-prices:
		assert.Equal(t, 65000.0, p)
	case <-time.After(2 * time.Second):
		t.Fatal("no price received")
	}

	price, err := feed.GetCurrentPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 65000.0, price)
}
