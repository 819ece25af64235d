package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"msx-grid-go/internal/models"
)

// SessionExchange 实现了 Gateway 接口，通过复用浏览器已登录的会话与交易所交互：
// 请求不做 API Key 签名，而是携带从会话中捕获的 Bearer 令牌和 Cookie。
// 会话同一时刻只订阅一个交易对的行情，ChangeActiveSymbol 负责切换。
type SessionExchange struct {
	baseURL    string
	wsBaseURL  string
	authToken  string
	cookie     string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	pingPeriod time.Duration
	pongWait   time.Duration

	mu           sync.Mutex // 串行化活动交易对切换
	activeSymbol string

	metaMu    sync.Mutex
	metaCache map[string]*models.SymbolMetadata

	priceMu sync.RWMutex
	prices  map[string]tickerCache

	// 美股交易时段缓存：在 nextOpen 之前不重复请求接口
	tradeMu      sync.Mutex
	tradingOpen  bool
	nextOpenTime int64

	authOK atomic.Bool

	wsMu     sync.Mutex
	wsConn   *websocket.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
}

type tickerCache struct {
	last    float64
	updated time.Time
}

// apiResponse 是交易所统一的响应信封
type apiResponse struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// 上游业务错误码：6005 表示休市中
const codeMarketClosed = 6005

// NewSessionExchange 创建一个新的 SessionExchange 实例。
// authToken 与 cookie 来自环境变量（从已登录会话中捕获），不落配置文件。
func NewSessionExchange(cfg models.Session, authToken, cookie string, logger *zap.SugaredLogger) (*SessionExchange, error) {
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("会话网关缺少 api_base_url 配置")
	}
	if authToken == "" {
		return nil, fmt.Errorf("会话令牌为空，无法复用已认证会话")
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingSec := cfg.PingSec
	if pingSec <= 0 {
		pingSec = 25
	}
	pongSec := cfg.PongTimeoutSec
	if pongSec <= 0 {
		pongSec = 60
	}

	e := &SessionExchange{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		wsBaseURL:  cfg.WSBaseURL,
		authToken:  authToken,
		cookie:     cookie,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		pingPeriod: time.Duration(pingSec) * time.Second,
		pongWait:   time.Duration(pongSec) * time.Second,
		metaCache:  make(map[string]*models.SymbolMetadata),
		prices:     make(map[string]tickerCache),
		stopCh:     make(chan struct{}),
	}
	e.authOK.Store(true)
	return e, nil
}

// Connect 启动行情 WebSocket 守护循环（带自动重连）
func (e *SessionExchange) Connect() {
	if e.wsBaseURL != "" {
		go e.webSocketLoop()
	}
}

// Close 停止后台任务并关闭连接
func (e *SessionExchange) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wsMu.Lock()
	if e.wsConn != nil {
		e.wsConn.Close()
	}
	e.wsMu.Unlock()
}

// Connected 会话是否仍然有效（最近一次请求未被认证拒绝）
func (e *SessionExchange) Connected() bool {
	return e.authOK.Load()
}

// doRequest 是通用的请求处理函数：携带会话头，解析统一响应信封。
// HTTP 层错误和 5xx 视为瞬时故障；信封 success=false 视为明确拒绝。
func (e *SessionExchange) doRequest(method, endpoint string, params url.Values, body interface{}) (json.RawMessage, error) {
	fullURL := e.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, fullURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.authToken)
	if e.cookie != "" {
		req.Header.Set("Cookie", e.cookie)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e.authOK.Store(false)
		return nil, fmt.Errorf("会话已失效 (HTTP %d): %w", resp.StatusCode, ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("请求 %s 返回异常状态码 %d: %s", endpoint, resp.StatusCode, string(respData))
	}
	e.authOK.Store(true)

	var envelope apiResponse
	if err := json.Unmarshal(respData, &envelope); err != nil {
		return nil, fmt.Errorf("解析响应信封失败: %w", err)
	}
	if envelope.Code == codeMarketClosed {
		e.markMarketClosed()
		return nil, fmt.Errorf("%s: %w", envelope.Msg, ErrMarketClosed)
	}
	if !envelope.Success {
		apiErr := &models.APIError{Code: envelope.Code, Msg: envelope.Msg}
		return nil, fmt.Errorf("%v: %w", apiErr, ErrRejected)
	}
	return envelope.Data, nil
}

// ChangeActiveSymbol 切换活动交易对：更新订阅并重置行情缓存
func (e *SessionExchange) ChangeActiveSymbol(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeSymbol == symbol {
		return nil
	}

	_, err := e.doRequest(http.MethodPost, "/api/v1/market/subscribe", nil, map[string]string{"symbol": symbol})
	if err != nil {
		return fmt.Errorf("切换活动交易对到 %s 失败: %w", symbol, err)
	}
	e.activeSymbol = symbol
	e.sendSubscribe(symbol)
	e.logger.Infof("活动交易对已切换: %s", symbol)
	return nil
}

// FetchTicker 获取最新价。优先使用 WebSocket 推送的新鲜价格，过期则回退到 REST。
func (e *SessionExchange) FetchTicker(symbol string) (float64, error) {
	e.priceMu.RLock()
	cached, ok := e.prices[symbol]
	e.priceMu.RUnlock()
	if ok && time.Since(cached.updated) < 5*time.Second {
		return cached.last, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(http.MethodGet, "/api/v1/market/ticker", params, nil)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Last json.Number `json:"last"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, fmt.Errorf("解析行情失败: %w", err)
	}
	last, err := ticker.Last.Float64()
	if err != nil || last <= 0 {
		return 0, fmt.Errorf("行情价格无效: %q", ticker.Last)
	}
	e.storePrice(symbol, last)
	return last, nil
}

// FetchPosition 获取持仓快照；无持仓时返回 size=0 的空对象
func (e *SessionExchange) FetchPosition(symbol string) (*models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(http.MethodGet, "/api/v1/contract/positionList", params, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID         int64       `json:"id"`
		Symbol     string      `json:"symbol"`
		LongFlag   int         `json:"longFlag"`
		NowVol     json.Number `json:"nowVolTotal"`
		AvgPrice   json.Number `json:"avgPrice"`
		Pnl        json.Number `json:"pnl"`
		UpdateTime int64       `json:"utime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析持仓失败: %w", err)
	}
	for _, p := range raw {
		if p.Symbol != symbol {
			continue
		}
		size, _ := p.NowVol.Float64()
		entry, _ := p.AvgPrice.Float64()
		pnl, _ := p.Pnl.Float64()
		side := "long"
		if p.LongFlag == 0 {
			side = "short"
		}
		return &models.Position{
			ID:            p.ID,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: pnl,
			Side:          side,
			Timestamp:     p.UpdateTime,
		}, nil
	}
	return &models.Position{}, nil
}

// FetchOpenOrders 获取当前未成交挂单
func (e *SessionExchange) FetchOpenOrders(symbol string) ([]models.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(http.MethodGet, "/api/v1/order/pendingList", params, nil)
	if err != nil {
		return nil, err
	}
	var raw []sessionOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析挂单列表失败: %w", err)
	}
	orders := make([]models.OrderInfo, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toOrderInfo())
	}
	return orders, nil
}

// sessionOrder 是交易所订单的原始结构
type sessionOrder struct {
	OrderID   string      `json:"orderId"`
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Price     json.Number `json:"price"`
	Volume    json.Number `json:"vol"`
	Status    string      `json:"status"`
	OpenType  int         `json:"openType"`
	Timestamp int64       `json:"ctime"`
	RealPnl   json.Number `json:"realPnl"`
	RealFee   json.Number `json:"realFee"`
}

func (o sessionOrder) toOrderInfo() models.OrderInfo {
	price, _ := o.Price.Float64()
	vol, _ := o.Volume.Float64()
	pnl, _ := o.RealPnl.Float64()
	fee, _ := o.RealFee.Float64()
	return models.OrderInfo{
		ID:        o.OrderID,
		Symbol:    o.Symbol,
		Side:      models.Side(strings.ToLower(o.Side)),
		Price:     price,
		Volume:    vol,
		Status:    strings.ToLower(o.Status),
		OpenType:  o.OpenType,
		Timestamp: o.Timestamp,
		Pnl:       pnl,
		Fee:       fee,
	}
}

// PlaceOrder 下单。市价单 price 传 0。
func (e *SessionExchange) PlaceOrder(symbol string, side models.Side, orderType string, volume, price float64, openType int) (*models.OrderInfo, error) {
	body := map[string]interface{}{
		"symbol":    symbol,
		"side":      string(side),
		"orderType": orderType,
		"vol":       volume,
		"openType":  openType,
	}
	if orderType == "limit" {
		body["price"] = price
	}
	data, err := e.doRequest(http.MethodPost, "/api/v1/order/create", nil, body)
	if err != nil {
		return nil, err
	}
	var o sessionOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("解析下单响应失败: %w", err)
	}
	if o.OrderID == "" {
		return nil, fmt.Errorf("下单响应缺少订单ID: %w", ErrRejected)
	}
	info := o.toOrderInfo()
	if info.Symbol == "" {
		info.Symbol = symbol
	}
	return &info, nil
}

// CancelOrder 撤单。订单已成交或已撤销时上游返回拒绝，这里视为幂等成功；
// 会话失效和瞬时故障下撤单结果未知，必须原样上抛。
func (e *SessionExchange) CancelOrder(symbol string, orderID string) error {
	_, err := e.doRequest(http.MethodPost, "/api/v1/order/cancel", nil, map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err == nil || IsTransient(err) || errors.Is(err, ErrAuthExpired) {
		return err
	}
	e.logger.Debugf("撤单 %s 被拒绝（订单可能已成交或已撤销）: %v", orderID, err)
	return nil
}

// SetLeverage 设置合约杠杆
func (e *SessionExchange) SetLeverage(symbol string, leverage float64) error {
	_, err := e.doRequest(http.MethodPost, "/api/v1/contract/setLeverage", nil, map[string]interface{}{
		"symbol":   symbol,
		"leverage": leverage,
	})
	return err
}

// FetchSymbolMetadata 获取交易规则并缓存（规则在会话生命周期内不变）
func (e *SessionExchange) FetchSymbolMetadata(symbol string) (*models.SymbolMetadata, error) {
	e.metaMu.Lock()
	if meta, ok := e.metaCache[symbol]; ok {
		e.metaMu.Unlock()
		return meta, nil
	}
	e.metaMu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(http.MethodGet, "/api/v1/market/symbolInfo", params, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbol      string      `json:"symbol"`
		TickSize    json.Number `json:"tickSize"`
		MinVol      json.Number `json:"minVol"`
		MinLeverage json.Number `json:"minLeverage"`
		MaxLeverage json.Number `json:"maxLeverage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析交易规则失败: %w", err)
	}
	tick, _ := raw.TickSize.Float64()
	minVol, _ := raw.MinVol.Float64()
	minLev, _ := raw.MinLeverage.Float64()
	maxLev, _ := raw.MaxLeverage.Float64()
	if minLev <= 0 {
		minLev = 1
	}
	meta := &models.SymbolMetadata{
		Symbol:       symbol,
		TickSize:     tick,
		MinOrderSize: minVol,
		MinLeverage:  minLev,
		MaxLeverage:  maxLev,
	}

	e.metaMu.Lock()
	e.metaCache[symbol] = meta
	e.metaMu.Unlock()
	return meta, nil
}

// FetchBalance 获取账户可用资金
func (e *SessionExchange) FetchBalance() (*models.Balance, error) {
	data, err := e.doRequest(http.MethodGet, "/api/v1/account/balance", nil, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Balance     json.Number `json:"balance"`
		AcctBalance json.Number `json:"acctBalance"`
		PnlTotal    json.Number `json:"pnlTotal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析余额失败: %w", err)
	}
	available, _ := raw.Balance.Float64()
	acct, _ := raw.AcctBalance.Float64()
	pnl, _ := raw.PnlTotal.Float64()
	return &models.Balance{Available: available, AccountBalance: acct, PnlTotal: pnl}, nil
}

// TradingOpen 判断当前是否处于交易时段。
// 加密货币全天可交易；美股走 isTrade 接口，结果缓存到下次开市时间之前。
func (e *SessionExchange) TradingOpen(asset models.AssetType) (bool, error) {
	if asset != models.AssetStock {
		return true, nil
	}

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	now := time.Now().Unix()
	if e.nextOpenTime > 0 && now < e.nextOpenTime {
		return e.tradingOpen, nil
	}

	data, err := e.doRequest(http.MethodGet, "/api/v1/stock/isTrade", nil, nil)
	if err != nil {
		// 休市类错误码本身就是答案；会话失效不能当作休市处理
		if errors.Is(err, ErrMarketClosed) || errors.Is(err, ErrRejected) {
			e.tradingOpen = false
			return false, nil
		}
		// 瞬时故障时沿用上一次结果，避免误停交易
		if e.nextOpenTime > 0 {
			return e.tradingOpen, nil
		}
		return false, err
	}
	var raw struct {
		IsTrade        bool  `json:"isTrade"`
		StartTradeTime int64 `json:"startTradeTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("解析交易时段失败: %w", err)
	}
	e.tradingOpen = raw.IsTrade
	if raw.StartTradeTime > 0 {
		e.nextOpenTime = raw.StartTradeTime
	} else {
		e.nextOpenTime = now + 3600
	}
	return e.tradingOpen, nil
}

func (e *SessionExchange) markMarketClosed() {
	e.tradeMu.Lock()
	e.tradingOpen = false
	e.nextOpenTime = time.Now().Unix() + 60
	e.tradeMu.Unlock()
}

// Symbols 列出可交易的交易对
func (e *SessionExchange) Symbols(market models.MarketType) ([]string, error) {
	params := url.Values{}
	params.Set("type", string(market))
	data, err := e.doRequest(http.MethodGet, "/api/v1/market/symbols", params, nil)
	if err != nil {
		return nil, err
	}
	var symbols []string
	if err := json.Unmarshal(data, &symbols); err != nil {
		return nil, fmt.Errorf("解析交易对列表失败: %w", err)
	}
	return symbols, nil
}

func (e *SessionExchange) storePrice(symbol string, last float64) {
	e.priceMu.Lock()
	e.prices[symbol] = tickerCache{last: last, updated: time.Now()}
	e.priceMu.Unlock()
}

// ---- WebSocket 行情 ----

// webSocketLoop 是一个守护循环，负责维持行情连接和重连
func (e *SessionExchange) webSocketLoop() {
	for {
		select {
		case <-e.stopCh:
			e.logger.Info("行情 WebSocket 循环已停止。")
			return
		default:
			if err := e.connectWebSocket(); err != nil {
				e.logger.Warnf("行情 WebSocket 连接失败: %v。5秒后重试...", err)
				time.Sleep(5 * time.Second)
				continue
			}
			e.logger.Info("行情 WebSocket 连接成功。")
			if err := e.handleWebSocketMessages(); err != nil {
				e.logger.Warnf("行情 WebSocket 处理时发生错误: %v", err)
			}
			e.wsMu.Lock()
			if e.wsConn != nil {
				e.wsConn.Close()
			}
			e.wsMu.Unlock()
			select {
			case <-e.stopCh:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (e *SessionExchange) connectWebSocket() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.authToken)
	if e.cookie != "" {
		header.Set("Cookie", e.cookie)
	}
	conn, _, err := websocket.DefaultDialer.Dial(e.wsBaseURL, header)
	if err != nil {
		return err
	}
	e.wsMu.Lock()
	e.wsConn = conn
	e.wsMu.Unlock()

	// 重连后恢复当前活动交易对的订阅
	e.mu.Lock()
	symbol := e.activeSymbol
	e.mu.Unlock()
	if symbol != "" {
		e.sendSubscribe(symbol)
	}
	return nil
}

// sendSubscribe 发送 bar 频道订阅帧
func (e *SessionExchange) sendSubscribe(symbol string) {
	e.wsMu.Lock()
	defer e.wsMu.Unlock()
	if e.wsConn == nil {
		return
	}
	frame := map[string]string{"op": "sub", "ch": "bar", "symbol": symbol}
	if err := e.wsConn.WriteJSON(frame); err != nil {
		e.logger.Warnf("发送订阅帧失败: %v", err)
	}
}

// handleWebSocketMessages 为一个已建立的连接处理消息，并实现心跳机制
func (e *SessionExchange) handleWebSocketMessages() error {
	e.wsMu.Lock()
	conn := e.wsConn
	e.wsMu.Unlock()
	if conn == nil {
		return fmt.Errorf("连接不存在")
	}

	conn.SetReadDeadline(time.Now().Add(e.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.pongWait))
		return nil
	})

	pingTicker := time.NewTicker(e.pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				e.wsMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				e.wsMu.Unlock()
				if err != nil {
					e.logger.Debugf("发送Ping失败: %v", err)
					return
				}
			case <-pingStop:
				return
			case <-e.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-e.stopCh:
			e.wsMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			e.wsMu.Unlock()
			if err != nil {
				return fmt.Errorf("发送关闭帧失败: %w", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("读取行情消息失败: %w", err)
			}

			var frame struct {
				Ch     string `json:"ch"`
				Symbol string `json:"symbol"`
				Data   struct {
					Close json.Number `json:"c"`
				} `json:"data"`
			}
			if err := json.Unmarshal(message, &frame); err != nil {
				continue
			}
			if frame.Ch != "bar" || frame.Symbol == "" {
				continue
			}
			last, err := strconv.ParseFloat(frame.Data.Close.String(), 64)
			if err != nil || last <= 0 {
				continue
			}
			e.storePrice(frame.Symbol, last)
		}
	}
}
