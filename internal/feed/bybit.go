// Package feed adapts exchange market-data streams to the domain package's
// DepthFeed, TradeFeed, and SnapshotFetcher interfaces. Order placement and
// account endpoints are out of scope; this package only reads.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
)

const (
	bybitBaseURL = "https://api.bybit.com"
	bybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	orderbookDepth = "50" // orderbook.50.<symbol> topic
)

// BybitFeed connects to Bybit's public v5 linear market-data streams and
// REST endpoints. One instance serves every symbol it is connected to.
type BybitFeed struct {
	baseURL      string
	wsURL        string
	defaultScale fixedpoint.Scale
	client       *http.Client
	logger       *zap.Logger

	diffs  chan domain.RawDiff
	trades chan domain.AggTrade

	scalesMu sync.RWMutex
	scales   map[string]fixedpoint.Scale

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewBybitFeed constructs a feed adapter. defaultScale is used for any
// symbol without a registered per-symbol scale (see RegisterSymbolScale).
// Empty restEndpoint/wsEndpoint fall back to Bybit's public production
// hosts.
func NewBybitFeed(restEndpoint, wsEndpoint string, defaultScale fixedpoint.Scale, logger *zap.Logger) *BybitFeed {
	if restEndpoint == "" {
		restEndpoint = bybitBaseURL
	}
	if wsEndpoint == "" {
		wsEndpoint = bybitWSURL
	}
	return &BybitFeed{
		baseURL:      restEndpoint,
		wsURL:        wsEndpoint,
		defaultScale: defaultScale,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		diffs:        make(chan domain.RawDiff, 1024),
		trades:       make(chan domain.AggTrade, 1024),
		scales:       make(map[string]fixedpoint.Scale),
	}
}

// RegisterSymbolScale binds symbol's price/quantity parsing to scale.
// Every symbol must be registered before Connect is called for it, since
// a different precision per symbol is common (e.g. BTCUSDT vs ETHUSDT).
func (b *BybitFeed) RegisterSymbolScale(symbol string, scale fixedpoint.Scale) {
	b.scalesMu.Lock()
	defer b.scalesMu.Unlock()
	b.scales[symbol] = scale
}

func (b *BybitFeed) scaleFor(symbol string) fixedpoint.Scale {
	b.scalesMu.RLock()
	defer b.scalesMu.RUnlock()
	if s, ok := b.scales[symbol]; ok {
		return s
	}
	return b.defaultScale
}

// Diffs returns the channel of incremental depth updates. Satisfies
// domain.DepthFeed.
func (b *BybitFeed) Diffs() <-chan domain.RawDiff { return b.diffs }

// Trades returns the channel of aggregated trades. Satisfies
// domain.TradeFeed.
func (b *BybitFeed) Trades() <-chan domain.AggTrade { return b.trades }

// Connect dials the public WebSocket endpoint, subscribes to the orderbook
// and publicTrade topics for every symbol, and starts the read loop.
// Satisfies both domain.DepthFeed and domain.TradeFeed.
func (b *BybitFeed) Connect(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return b.subscribe(symbols)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("feed: dial bybit ws: %w", err)
	}
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(ctx)
	return b.subscribe(symbols)
}

func (b *BybitFeed) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(symbols)*2)
	for _, s := range symbols {
		args = append(args, "orderbook."+orderbookDepth+"."+s)
	}
	for _, s := range symbols {
		args = append(args, "publicTrade."+s)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	return conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args})
}

// Close shuts down the WebSocket connection. The diff and trade channels
// are not closed.
func (b *BybitFeed) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		err := b.conn.Close()
		return err
	}
	return nil
}

func (b *BybitFeed) readLoop(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
			b.conn = nil
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("feed: bybit ws read error", zap.Error(err))
			return
		}

		var event struct {
			Topic string          `json:"topic"`
			Type  string          `json:"type"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Topic == "" {
			continue // subscription ack or ping/pong frame
		}

		switch {
		case strings.HasPrefix(event.Topic, "orderbook."):
			b.handleDepthMessage(event.Topic, event.Type, event.Data)
		case strings.HasPrefix(event.Topic, "publicTrade."):
			b.handleTradeMessage(event.Topic, event.Data)
		}
	}
}

type bybitOrderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Seq    int64      `json:"seq"`
	UpdID  int64      `json:"u"`
}

func (b *BybitFeed) handleDepthMessage(topic, msgType string, raw json.RawMessage) {
	var data bybitOrderbookData
	if err := json.Unmarshal(raw, &data); err != nil {
		b.logger.Warn("feed: malformed orderbook payload", zap.Error(err))
		return
	}

	symbol := strings.TrimPrefix(topic, "orderbook."+orderbookDepth+".")
	scale := b.scaleFor(symbol)
	diff := domain.RawDiff{
		Symbol:      symbol,
		FirstUpdate: data.UpdID,
		FinalUpdate: data.UpdID,
		Bids:        b.parsePairs(data.Bids, scale),
		Asks:        b.parsePairs(data.Asks, scale),
	}
	if msgType == "snapshot" {
		// A mid-stream resync snapshot is forwarded like a delta:
		// FirstUpdate and FinalUpdate are both its own u, so the book's
		// gap and stale checks apply to it as to any other update, and
		// levels absent from the snapshot are not cleared.
		diff.FirstUpdate = data.UpdID
	}

	select {
	case b.diffs <- diff:
	default:
		b.logger.Warn("feed: diffs channel full, dropping update", zap.String("symbol", symbol))
	}
}

func (b *BybitFeed) parsePairs(raw [][]string, scale fixedpoint.Scale) []domain.PriceQty {
	out := make([]domain.PriceQty, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := scale.Parse(pair[0])
		if err != nil {
			continue
		}
		qty, err := scale.Parse(pair[1])
		if err != nil {
			continue
		}
		out = append(out, domain.PriceQty{Price: price, Qty: qty})
	}
	return out
}

type bybitTradeItem struct {
	TradeID string `json:"i"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Size    string `json:"v"`
	Price   string `json:"p"`
	TimeMs  int64  `json:"T"`
}

func (b *BybitFeed) handleTradeMessage(topic string, raw json.RawMessage) {
	var items []bybitTradeItem
	if err := json.Unmarshal(raw, &items); err != nil {
		b.logger.Warn("feed: malformed trade payload", zap.Error(err))
		return
	}

	for _, item := range items {
		scale := b.scaleFor(item.Symbol)
		price, err := scale.Parse(item.Price)
		if err != nil {
			continue
		}
		qty, err := scale.Parse(item.Size)
		if err != nil {
			continue
		}
		var tradeID int64
		if n, err := strconv.ParseInt(item.TradeID, 10, 64); err == nil {
			tradeID = n
		}
		trade := domain.AggTrade{
			Symbol:       item.Symbol,
			TradeID:      tradeID,
			Price:        price,
			Quantity:     qty,
			Timestamp:    item.TimeMs,
			BuyerIsMaker: item.Side == "Sell", // taker sold => buyer was resting (maker)
		}
		select {
		case b.trades <- trade:
		default:
			b.logger.Warn("feed: trades channel full, dropping trade", zap.String("symbol", item.Symbol))
		}
	}
}

// FetchSnapshot retrieves the current REST order book for symbol. Satisfies
// domain.SnapshotFetcher, used by OrderBookState on Init and on recovery
// from a sequence gap.
func (b *BybitFeed) FetchSnapshot(ctx context.Context, symbol string) (domain.RawSnapshot, error) {
	url := fmt.Sprintf("%s/v5/market/orderbook?category=linear&symbol=%s&limit=200", b.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.RawSnapshot{}, fmt.Errorf("feed: build snapshot request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return domain.RawSnapshot{}, fmt.Errorf("feed: fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.RawSnapshot{}, fmt.Errorf("feed: read snapshot body: %w", err)
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			Symbol string     `json:"s"`
			Bids   [][]string `json:"b"`
			Asks   [][]string `json:"a"`
			UpdID  int64      `json:"u"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.RawSnapshot{}, fmt.Errorf("feed: unmarshal snapshot: %w", err)
	}
	if result.RetCode != 0 {
		return domain.RawSnapshot{}, fmt.Errorf("feed: bybit snapshot error: %s", result.RetMsg)
	}

	scale := b.scaleFor(symbol)
	return domain.RawSnapshot{
		Symbol:       symbol,
		LastUpdateID: result.Result.UpdID,
		Bids:         b.parsePairs(result.Result.Bids, scale),
		Asks:         b.parsePairs(result.Result.Asks, scale),
	}, nil
}
