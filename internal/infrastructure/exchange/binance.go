package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	"golang.org/x/time/rate"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/metrics"
)

const (
	BinanceBaseURL   = "https://fapi.binance.com"
	BinanceStreamURL = "wss://fstream.binance.com/ws"
)

// BinanceAdapter implements domain.Exchange against Binance USDT-M futures
// in hedge mode. Binance's dialect encodes direction as BUY/SELL plus a
// positionSide of LONG/SHORT instead of a reduceOnly flag.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger

	wsConn         *websocket.Conn
	closeCallbacks []func(event domain.CloseEvent)
	streaming      bool
	mu             sync.Mutex
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BinanceAdapter {
	if baseURL == "" {
		baseURL = BinanceBaseURL
	}
	if wsURL == "" {
		wsURL = BinanceStreamURL
	}
	return &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		logger:    logger,
	}
}

// --- REST API ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceAdapter) sendRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}
	return respBody, nil
}

func (b *BinanceAdapter) GetEquity(ctx context.Context) (float64, error) {
	resp, err := b.sendRequest(ctx, "GET", "/fapi/v2/account", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.TotalMarginBalance, 64)
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := b.sendRequest(ctx, "POST", "/fapi/v1/leverage", params)
	return err
}

// intentToBinance maps the internal vocabulary to BUY/SELL + positionSide.
func intentToBinance(intent domain.OrderIntent) (side, positionSide string, err error) {
	switch intent {
	case domain.IntentOpenLong:
		return "BUY", "LONG", nil
	case domain.IntentCloseLong:
		return "SELL", "LONG", nil
	case domain.IntentOpenShort:
		return "SELL", "SHORT", nil
	case domain.IntentCloseShort:
		return "BUY", "SHORT", nil
	default:
		return "", "", fmt.Errorf("unknown order intent %q", intent)
	}
}

func (b *BinanceAdapter) PlaceMarketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, qty float64) (string, error) {
	side, positionSide, err := intentToBinance(intent)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("positionSide", positionSide)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))

	resp, err := b.sendRequest(ctx, "POST", "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID int64  `json:"orderId"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.OrderID == 0 {
		return "", fmt.Errorf("binance order error: %s", result.Msg)
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

func (b *BinanceAdapter) PlaceBracketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, kind domain.BracketKind, triggerPrice, qty float64) (string, error) {
	side, positionSide, err := intentToBinance(intent)
	if err != nil {
		return "", err
	}

	orderType := "STOP_MARKET"
	if kind == domain.BracketProfit {
		orderType = "TAKE_PROFIT_MARKET"
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("positionSide", positionSide)
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(triggerPrice, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))

	resp, err := b.sendRequest(ctx, "POST", "/fapi/v1/order", params)
	if err != nil {
		metrics.BracketLegFailures.WithLabelValues(string(kind)).Inc()
		return "", err
	}

	var result struct {
		OrderID int64  `json:"orderId"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.OrderID == 0 {
		metrics.BracketLegFailures.WithLabelValues(string(kind)).Inc()
		return "", fmt.Errorf("binance bracket error: %s", result.Msg)
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

// GetPositionHistory reconstructs closed positions from the user trade
// stream: every fill with realized pnl is a (partial) close. The entry price
// is derived from the fill price and the realized pnl, which is close enough
// for reconciliation's tolerance bands. The cursor is the fromId pagination
// of /fapi/v1/userTrades.
func (b *BinanceAdapter) GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, cursor string) (*domain.HistoryPage, error) {
	const pageSize = 500

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		params.Set("fromId", cursor)
	}

	resp, err := b.sendRequest(ctx, "GET", "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}

	var trades []struct {
		ID           int64  `json:"id"`
		Symbol       string `json:"symbol"`
		PositionSide string `json:"positionSide"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		RealizedPnl  string `json:"realizedPnl"`
		Time         int64  `json:"time"`
	}
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("binance trades error: %s", string(resp))
	}

	page := &domain.HistoryPage{}
	var lastID int64
	for _, t := range trades {
		lastID = t.ID
		pnl, _ := strconv.ParseFloat(t.RealizedPnl, 64)
		if pnl == 0 {
			continue // opening fill
		}
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		if qty <= 0 {
			continue
		}

		side := domain.SideLong
		if strings.EqualFold(t.PositionSide, "SHORT") {
			side = domain.SideShort
		}

		// price - entry = pnl/qty for longs; shorts mirror.
		entry := price - pnl/qty
		if side == domain.SideShort {
			entry = price + pnl/qty
		}

		page.Entries = append(page.Entries, domain.HistoryEntry{
			Symbol:        t.Symbol,
			Side:          side,
			AvgEntryPrice: entry,
			AvgClosePrice: price,
			ClosedQty:     qty,
			NetProfit:     pnl,
			ClosedAt:      time.UnixMilli(t.Time),
		})
	}

	if len(trades) == pageSize && lastID > 0 {
		page.NextCursor = strconv.FormatInt(lastID+1, 10)
	}
	return page, nil
}

// --- Private stream ---

func (b *BinanceAdapter) OnPositionClose(callback func(event domain.CloseEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCallbacks = append(b.closeCallbacks, callback)
}

// ConnectPrivateStream dials the user data stream and keeps it alive for the
// process lifetime: a dropped connection gets a fresh listen key and a
// re-dial with backoff. Only the initial dial reports an error to the caller.
func (b *BinanceAdapter) ConnectPrivateStream() error {
	b.mu.Lock()
	if b.streaming {
		b.mu.Unlock()
		return nil
	}
	b.streaming = true
	b.mu.Unlock()

	if err := b.dialUserStream(); err != nil {
		b.mu.Lock()
		b.streaming = false
		b.mu.Unlock()
		return err
	}

	go b.streamLoop()
	return nil
}

func (b *BinanceAdapter) dialUserStream() error {
	listenKey, err := b.createListenKey()
	if err != nil {
		return err
	}

	c, _, err := websocket.DefaultDialer.Dial(b.wsURL+"/"+listenKey, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.wsConn = c
	b.mu.Unlock()
	return nil
}

func (b *BinanceAdapter) streamLoop() {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		b.readLoop()

		for {
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			if err := b.dialUserStream(); err != nil {
				b.logger.Warn("binance user stream redial failed", zap.Error(err))
				continue
			}
			backoff = time.Second
			break
		}
	}
}

func (b *BinanceAdapter) createListenKey() (string, error) {
	req, err := http.NewRequest("POST", b.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.ListenKey == "" {
		return "", fmt.Errorf("binance listen key missing")
	}
	return result.ListenKey, nil
}

func (b *BinanceAdapter) readLoop() {
	defer func() {
		b.mu.Lock()
		if b.wsConn != nil {
			b.wsConn.Close()
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		conn := b.wsConn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("binance user stream read error", zap.Error(err))
			return
		}

		var event struct {
			EventType string `json:"e"`
			Order     struct {
				Symbol       string `json:"s"`
				PositionSide string `json:"ps"`
				Status       string `json:"X"`
				AvgPrice     string `json:"ap"`
				FilledQty    string `json:"z"`
				RealizedPnl  string `json:"rp"`
				OrderType    string `json:"ot"`
				ReduceOnly   bool   `json:"R"`
				TradeTime    int64  `json:"T"`
			} `json:"o"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.EventType != "ORDER_TRADE_UPDATE" {
			continue
		}
		o := event.Order
		if o.Status != "FILLED" || !o.ReduceOnly {
			continue
		}

		price, _ := strconv.ParseFloat(o.AvgPrice, 64)
		qty, _ := strconv.ParseFloat(o.FilledQty, 64)
		pnl, _ := strconv.ParseFloat(o.RealizedPnl, 64)

		side := domain.SideLong
		if strings.EqualFold(o.PositionSide, "SHORT") {
			side = domain.SideShort
		}

		ev := domain.CloseEvent{
			Symbol:      o.Symbol,
			Side:        side,
			ClosePrice:  price,
			ClosedQty:   qty,
			RealizedPnL: pnl,
			CloseHint:   o.OrderType,
			ClosedAt:    time.UnixMilli(o.TradeTime),
		}

		b.mu.Lock()
		callbacks := make([]func(domain.CloseEvent), len(b.closeCallbacks))
		copy(callbacks, b.closeCallbacks)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(ev)
		}
	}
}
