package bitfinex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bfx_trader/internal/core"
	apperrors "bfx_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Bitfinex v2 speaks positional JSON arrays. The helpers below pull typed
// fields out of decoded []interface{} payloads.

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asInt64(v interface{}) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// asDecimal accepts both forms the exchange uses: JSON numbers in most
// payloads, strings in pair configuration.
func asDecimal(v interface{}) decimal.Decimal {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// parseErrorBody decodes an ["error", CODE, "MESSAGE"] payload. Returns nil
// when the body is not an error array.
func parseErrorBody(body []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) < 3 {
		return nil
	}
	if asString(arr[0]) != "error" {
		return nil
	}
	return &apperrors.ExchangeError{
		Code:    int(asInt64(arr[1])),
		Message: asString(arr[2]),
	}
}

// decodeTicker decodes a /ticker/{symbol} response:
// [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_REL, LAST_PRICE,
//  VOLUME, HIGH, LOW]
func decodeTicker(symbol string, body []byte, at time.Time) (*core.Ticker, error) {
	var arr []interface{}
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("failed to decode ticker: %w", err)
	}
	if len(arr) < 10 {
		return nil, fmt.Errorf("unexpected ticker payload length %d", len(arr))
	}
	return &core.Ticker{
		Symbol:    symbol,
		Bid:       asDecimal(arr[0]),
		Ask:       asDecimal(arr[2]),
		LastPrice: asDecimal(arr[6]),
		Volume:    asDecimal(arr[7]),
		UpdatedAt: at,
	}, nil
}

// decodeCandles decodes a /candles/trade:{tf}:{symbol}/hist response:
// [[MTS, OPEN, CLOSE, HIGH, LOW, VOLUME], ...] newest first.
func decodeCandles(symbol, timeframe string, body []byte) ([]core.Candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode candles: %w", err)
	}
	out := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		out = append(out, candleFromRow(symbol, timeframe, row))
	}
	// Oldest first for indicator feeds.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func candleFromRow(symbol, timeframe string, row []interface{}) core.Candle {
	return core.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  time.UnixMilli(asInt64(row[0])).UTC(),
		Open:      asDecimal(row[1]),
		Close:     asDecimal(row[2]),
		High:      asDecimal(row[3]),
		Low:       asDecimal(row[4]),
		Volume:    asDecimal(row[5]),
		Closed:    true,
	}
}

// decodeWallets decodes /auth/r/wallets:
// [[WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST, AVAILABLE_BALANCE, ...], ...]
func decodeWallets(body []byte, at time.Time) ([]core.Wallet, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode wallets: %w", err)
	}
	out := make([]core.Wallet, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		out = append(out, walletFromRow(row, at))
	}
	return out, nil
}

func walletFromRow(row []interface{}, at time.Time) core.Wallet {
	return core.Wallet{
		Type:      asString(row[0]),
		Currency:  asString(row[1]),
		Balance:   asDecimal(row[2]),
		Available: asDecimal(row[4]),
		UpdatedAt: at,
	}
}

// decodePositions decodes /auth/r/positions:
// [[SYMBOL, STATUS, AMOUNT, BASE_PRICE, FUNDING, FUNDING_TYPE, PL, PL_PERC, ...], ...]
func decodePositions(body []byte, at time.Time) ([]core.Position, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	out := make([]core.Position, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		out = append(out, positionFromRow(row, at))
	}
	return out, nil
}

func positionFromRow(row []interface{}, at time.Time) core.Position {
	return core.Position{
		Symbol:        asString(row[0]),
		Amount:        asDecimal(row[2]),
		BasePrice:     asDecimal(row[3]),
		UnrealizedPnL: asDecimal(row[6]),
		UpdatedAt:     at,
	}
}

// orderFromRow decodes one order array:
// [ID, GID, CID, SYMBOL, MTS_CREATE, MTS_UPDATE, AMOUNT, AMOUNT_ORIG, TYPE,
//  TYPE_PREV, _, _, FLAGS, STATUS, _, _, PRICE, PRICE_AVG, ...]
func orderFromRow(row []interface{}) (*core.Order, error) {
	if len(row) < 18 {
		return nil, fmt.Errorf("unexpected order payload length %d", len(row))
	}

	amount := asDecimal(row[6])
	amountOrig := asDecimal(row[7])
	side := core.SideBuy
	if amountOrig.IsNegative() {
		side = core.SideSell
		amount = amount.Abs()
		amountOrig = amountOrig.Abs()
	}

	status := asString(row[13])
	// Statuses arrive as e.g. "EXECUTED @ 30000.0(0.001)"; keep the head.
	if idx := strings.Index(status, " @"); idx > 0 {
		status = status[:idx]
	}

	var clientID string
	if cid := asInt64(row[2]); cid != 0 {
		clientID = fmt.Sprintf("%d", cid)
	}

	return &core.Order{
		ID:            asInt64(row[0]),
		GroupID:       asInt64(row[1]),
		ClientOrderID: clientID,
		Symbol:        asString(row[3]),
		CreatedAt:     time.UnixMilli(asInt64(row[4])).UTC(),
		UpdatedAt:     time.UnixMilli(asInt64(row[5])).UTC(),
		Amount:        amount,
		AmountOrig:    amountOrig,
		Type:          core.OrderType(asString(row[8])),
		Status:        core.OrderStatus(status),
		Side:          side,
		Price:         asDecimal(row[16]),
		PriceAvg:      asDecimal(row[17]),
	}, nil
}

// decodeOrders decodes a list of order arrays.
func decodeOrders(body []byte) ([]*core.Order, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	out := make([]*core.Order, 0, len(rows))
	for _, row := range rows {
		o, err := orderFromRow(row)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// decodeSubmitResponse decodes a write notification:
// [MTS, TYPE, MESSAGE_ID, null, [[ORDER...]], CODE, STATUS, TEXT]
func decodeSubmitResponse(body []byte) (*core.Order, error) {
	var arr []interface{}
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	if len(arr) < 8 {
		return nil, fmt.Errorf("unexpected notification length %d", len(arr))
	}

	status := asString(arr[6])
	text := asString(arr[7])
	if !strings.EqualFold(status, "SUCCESS") {
		code := int(asInt64(arr[5]))
		return nil, &apperrors.ExchangeError{Code: code, Message: text}
	}

	payload, ok := arr[4].([]interface{})
	if !ok || len(payload) == 0 {
		return nil, fmt.Errorf("notification carries no order payload")
	}
	row, ok := payload[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("notification order payload malformed")
	}
	return orderFromRow(row)
}

// decodeSymbolsConf decodes /conf/pub:info:pair responses into symbol info.
// Payload: [[[PAIR, [_, _, _, MIN_ORDER_SIZE, MAX_ORDER_SIZE, ...]], ...]]
func decodeSymbolsConf(body []byte) ([]core.SymbolInfo, error) {
	var outer [][][]interface{}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("failed to decode pair conf: %w", err)
	}
	if len(outer) == 0 {
		return nil, nil
	}

	out := make([]core.SymbolInfo, 0, len(outer[0]))
	for _, entry := range outer[0] {
		if len(entry) < 2 {
			continue
		}
		pair := asString(entry[0])
		details, _ := entry[1].([]interface{})
		info := core.SymbolInfo{
			Symbol:    "t" + pair,
			PriceTick: decimal.New(1, -5),
			Tradable:  true,
		}
		if idx := strings.Index(pair, ":"); idx > 0 {
			info.Base, info.Quote = pair[:idx], pair[idx+1:]
		} else if len(pair) == 6 {
			info.Base, info.Quote = pair[:3], pair[3:]
		}
		if len(details) > 4 {
			info.MinSize = asDecimal(details[3])
			info.MaxSize = asDecimal(details[4])
		}
		out = append(out, info)
	}
	return out, nil
}

// decodeTickers decodes a /tickers?symbols=... response. Trading rows carry
// the symbol at index 0 and shift the single-ticker layout right by one.
func decodeTickers(body []byte, at time.Time) ([]core.Ticker, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		return nil, fmt.Errorf("failed to decode tickers payload: %w", err)
	}

	out := make([]core.Ticker, 0, len(rows))
	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		symbol := asString(row[0])
		if !strings.HasPrefix(symbol, "t") {
			continue // funding tickers use a different layout
		}
		out = append(out, core.Ticker{
			Symbol:    symbol,
			Bid:       asDecimal(row[1]),
			Ask:       asDecimal(row[3]),
			LastPrice: asDecimal(row[7]),
			Volume:    asDecimal(row[8]),
			UpdatedAt: at,
		})
	}
	return out, nil
}

// decodeBook decodes a /book/{symbol}/{prec} response:
// [[PRICE, COUNT, AMOUNT], ...]. A count of zero removes the level and is
// skipped here.
func decodeBook(body []byte) ([]core.BookLevel, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		return nil, fmt.Errorf("failed to decode book payload: %w", err)
	}

	out := make([]core.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		count := asInt64(row[1])
		if count == 0 {
			continue
		}
		out = append(out, core.BookLevel{
			Price:  asDecimal(row[0]),
			Count:  count,
			Amount: asDecimal(row[2]),
		})
	}
	return out, nil
}

// decodeTrades decodes a /trades/{symbol}/hist response:
// [[ID, MTS, AMOUNT, PRICE], ...] newest first.
func decodeTrades(body []byte) ([]core.PublicTrade, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		return nil, fmt.Errorf("failed to decode trades payload: %w", err)
	}

	out := make([]core.PublicTrade, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		out = append(out, core.PublicTrade{
			ID:     asInt64(row[0]),
			Time:   time.UnixMilli(asInt64(row[1])).UTC(),
			Amount: asDecimal(row[2]),
			Price:  asDecimal(row[3]),
		})
	}
	return out, nil
}

// decodeMarginInfo decodes the /auth/r/info/margin/base response:
// ["base", [USER_PL, USER_SWAPS, MARGIN_BALANCE, MARGIN_NET, MARGIN_MIN]]
func decodeMarginInfo(body []byte) (*core.MarginInfo, error) {
	var outer []interface{}
	if err := json.Unmarshal(body, &outer); err != nil {
		if exErr := parseErrorBody(body); exErr != nil {
			return nil, exErr
		}
		return nil, fmt.Errorf("failed to decode margin info payload: %w", err)
	}
	if len(outer) < 2 {
		return nil, fmt.Errorf("margin info payload too short")
	}
	inner, ok := outer[1].([]interface{})
	if !ok || len(inner) < 5 {
		return nil, fmt.Errorf("malformed margin info payload")
	}
	return &core.MarginInfo{
		UserPnL:       asDecimal(inner[0]),
		UserSwaps:     asDecimal(inner[1]),
		MarginBalance: asDecimal(inner[2]),
		MarginNet:     asDecimal(inner[3]),
		MarginMin:     asDecimal(inner[4]),
	}, nil
}
