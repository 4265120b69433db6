package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	"golang.org/x/time/rate"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/metrics"
)

const (
	BybitBaseURL      = "https://api.bybit.com"
	BybitPrivateWSURL = "wss://stream.bybit.com/v5/private"
)

// BybitAdapter implements domain.Exchange against Bybit V5 linear perps.
// Bybit's dialect encodes direction as Buy/Sell plus a reduceOnly flag; the
// adapter translates the internal open/close vocabulary into that.
type BybitAdapter struct {
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

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitPrivateWSURL
	}
	return &BybitAdapter{
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

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

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

func (b *BybitAdapter) GetEquity(ctx context.Context) (float64, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit wallet error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("bybit wallet: empty balance list")
	}
	return strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}
	resp, err := b.sendRequest(ctx, "POST", "/v5/position/set-leverage", payload)
	if err != nil {
		return err
	}
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	// 110043: leverage not modified. Already set, not a failure.
	if result.RetCode != 0 && result.RetCode != 110043 {
		return fmt.Errorf("bybit leverage error: %s", result.RetMsg)
	}
	return nil
}

// intentToSide maps the internal vocabulary to Bybit's Buy/Sell + reduceOnly.
func intentToSide(intent domain.OrderIntent) (side string, reduceOnly bool, err error) {
	switch intent {
	case domain.IntentOpenLong:
		return "Buy", false, nil
	case domain.IntentOpenShort:
		return "Sell", false, nil
	case domain.IntentCloseLong:
		return "Sell", true, nil
	case domain.IntentCloseShort:
		return "Buy", true, nil
	default:
		return "", false, fmt.Errorf("unknown order intent %q", intent)
	}
}

func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, qty float64) (string, error) {
	side, reduceOnly, err := intentToSide(intent)
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "IOC",
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.RetCode != 0 {
		return "", fmt.Errorf("bybit order error: %s", result.RetMsg)
	}
	return result.Result.OrderID, nil
}

func (b *BybitAdapter) PlaceBracketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, kind domain.BracketKind, triggerPrice, qty float64) (string, error) {
	side, _, err := intentToSide(intent)
	if err != nil {
		return "", err
	}

	// Trigger direction: a stop on a long closes when price falls, its
	// profit target when price rises; shorts mirror. 1 = rise, 2 = fall.
	direction := 2
	if (side == "Sell" && kind == domain.BracketProfit) || (side == "Buy" && kind == domain.BracketStop) {
		direction = 1
	}

	payload := map[string]interface{}{
		"category":         "linear",
		"symbol":           symbol,
		"side":             side,
		"orderType":        "Market",
		"qty":              strconv.FormatFloat(qty, 'f', -1, 64),
		"triggerPrice":     strconv.FormatFloat(triggerPrice, 'f', -1, 64),
		"triggerDirection": direction,
		"reduceOnly":       true,
		"timeInForce":      "GTC",
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		metrics.BracketLegFailures.WithLabelValues(string(kind)).Inc()
		return "", err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.RetCode != 0 {
		metrics.BracketLegFailures.WithLabelValues(string(kind)).Inc()
		return "", fmt.Errorf("bybit bracket error: %s", result.RetMsg)
	}
	return result.Result.OrderID, nil
}

func (b *BybitAdapter) GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, cursor string) (*domain.HistoryPage, error) {
	path := fmt.Sprintf("/v5/position/closed-pnl?category=linear&startTime=%d&endTime=%d&limit=100",
		start.UnixMilli(), end.UnixMilli())
	if symbol != "" {
		path += "&symbol=" + symbol
	}
	if cursor != "" {
		path += "&cursor=" + cursor
	}

	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			NextPageCursor string `json:"nextPageCursor"`
			List           []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"` // side of the closing order
				AvgEntryPrice string `json:"avgEntryPrice"`
				AvgExitPrice  string `json:"avgExitPrice"`
				ClosedSize    string `json:"closedSize"`
				ClosedPnl     string `json:"closedPnl"`
				Leverage      string `json:"leverage"`
				CreatedTime   string `json:"createdTime"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit closed-pnl error: %s", result.RetMsg)
	}

	page := &domain.HistoryPage{NextCursor: result.Result.NextPageCursor}
	for _, raw := range result.Result.List {
		entry, err := strconv.ParseFloat(raw.AvgEntryPrice, 64)
		if err != nil {
			continue
		}
		exit, _ := strconv.ParseFloat(raw.AvgExitPrice, 64)
		qty, _ := strconv.ParseFloat(raw.ClosedSize, 64)
		pnl, _ := strconv.ParseFloat(raw.ClosedPnl, 64)
		lev, _ := strconv.Atoi(raw.Leverage)
		created, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		updated, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)

		// A Sell closing order means the position itself was long.
		side := domain.SideLong
		if raw.Side == "Buy" {
			side = domain.SideShort
		}

		page.Entries = append(page.Entries, domain.HistoryEntry{
			Symbol:        raw.Symbol,
			Side:          side,
			AvgEntryPrice: entry,
			AvgClosePrice: exit,
			ClosedQty:     qty,
			Leverage:      lev,
			NetProfit:     pnl,
			OpenedAt:      time.UnixMilli(created),
			ClosedAt:      time.UnixMilli(updated),
		})
	}
	return page, nil
}

// --- Private WebSocket ---

func (b *BybitAdapter) OnPositionClose(callback func(event domain.CloseEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCallbacks = append(b.closeCallbacks, callback)
}

// ConnectPrivateStream dials the private stream and keeps it alive for the
// process lifetime: a dropped connection is re-dialed with backoff. Only the
// initial dial reports an error to the caller.
func (b *BybitAdapter) ConnectPrivateStream() error {
	b.mu.Lock()
	if b.streaming {
		b.mu.Unlock()
		return nil
	}
	b.streaming = true
	b.mu.Unlock()

	if err := b.dialPrivate(); err != nil {
		b.mu.Lock()
		b.streaming = false
		b.mu.Unlock()
		return err
	}

	go b.streamLoop()
	return nil
}

func (b *BybitAdapter) dialPrivate() error {
	c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return err
	}

	expires := time.Now().Add(10 * time.Second).UnixMilli()
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	fmt.Fprintf(h, "GET/realtime%d", expires)
	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, hex.EncodeToString(h.Sum(nil))},
	}
	if err := c.WriteJSON(authMsg); err != nil {
		c.Close()
		return err
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []interface{}{"execution"},
	}
	if err := c.WriteJSON(subMsg); err != nil {
		c.Close()
		return err
	}

	b.mu.Lock()
	b.wsConn = c
	b.mu.Unlock()
	return nil
}

func (b *BybitAdapter) streamLoop() {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		b.readLoop()

		for {
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			if err := b.dialPrivate(); err != nil {
				b.logger.Warn("bybit private stream redial failed", zap.Error(err))
				continue
			}
			backoff = time.Second
			break
		}
	}
}

func (b *BybitAdapter) readLoop() {
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
			b.logger.Warn("bybit private stream read error", zap.Error(err))
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"` // side of the closing execution
				ExecPrice     string `json:"execPrice"`
				ClosedSize    string `json:"closedSize"`
				ExecPnl       string `json:"execPnl"`
				StopOrderType string `json:"stopOrderType"`
				ExecTime      string `json:"execTime"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Topic != "execution" {
			continue
		}

		for _, item := range event.Data {
			closed, _ := strconv.ParseFloat(item.ClosedSize, 64)
			if closed <= 0 {
				continue
			}
			price, _ := strconv.ParseFloat(item.ExecPrice, 64)
			pnl, _ := strconv.ParseFloat(item.ExecPnl, 64)
			ts, _ := strconv.ParseInt(item.ExecTime, 10, 64)

			side := domain.SideLong
			if item.Side == "Buy" {
				side = domain.SideShort
			}

			ev := domain.CloseEvent{
				Symbol:      item.Symbol,
				Side:        side,
				ClosePrice:  price,
				ClosedQty:   closed,
				RealizedPnL: pnl,
				CloseHint:   item.StopOrderType,
				ClosedAt:    time.UnixMilli(ts),
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
}
