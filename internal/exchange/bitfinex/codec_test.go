package bitfinex

import (
	"testing"
	"time"

	apperrors "bfx_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorBody(t *testing.T) {
	err := parseErrorBody([]byte(`["error",10114,"nonce: small"]`))
	require.Error(t, err)
	assert.True(t, apperrors.IsNonceTooSmall(err))

	assert.NoError(t, parseErrorBody([]byte(`[1,2,3]`)))
	assert.NoError(t, parseErrorBody([]byte(`{"event":"info"}`)))
	assert.NoError(t, parseErrorBody([]byte(`[]`)))
}

func TestOrderFromRowStatusVariants(t *testing.T) {
	base := []interface{}{
		float64(1), float64(0), float64(0), "tBTCUSD",
		float64(1700000000000), float64(1700000000000),
		float64(0.0005), float64(0.001), "EXCHANGE LIMIT", nil,
		nil, nil, float64(0), "PARTIALLY FILLED @ 29000.0(0.0005)",
		nil, nil, float64(29000), float64(29000),
	}
	o, err := orderFromRow(base)
	require.NoError(t, err)
	assert.EqualValues(t, "PARTIALLY FILLED", o.Status)
	assert.True(t, o.Filled().Equal(decimal.NewFromFloat(0.0005)))

	_, err = orderFromRow(base[:10])
	assert.Error(t, err)
}

func TestOrderFromRowSellSide(t *testing.T) {
	row := []interface{}{
		float64(2), float64(9), float64(0), "tETHUSD",
		float64(1700000000000), float64(1700000000000),
		float64(-0.5), float64(-0.5), "EXCHANGE MARKET", nil,
		nil, nil, float64(0), "ACTIVE",
		nil, nil, float64(0), float64(0),
	}
	o, err := orderFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, "SELL", string(o.Side))
	assert.True(t, o.Amount.IsPositive())
	assert.EqualValues(t, 9, o.GroupID)
}

func TestDecodeCandlesReordersAndStamps(t *testing.T) {
	body := []byte(`[[1700000120000,101,102,103,100,5.0],[1700000060000,100,101,102,99,4.0]]`)
	candles, err := decodeCandles("tBTCUSD", "1m", body)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, time.UnixMilli(1700000060000).UTC(), candles[0].OpenTime)
	assert.True(t, candles[0].Closed)
	assert.Equal(t, "1m", candles[0].Timeframe)
}

func TestDecodeSymbolsConf(t *testing.T) {
	body := []byte(`[[["BTCUSD",[null,null,null,"0.00006","2000.0"]],["ETH:USDT",[null,null,null,"0.006",null]]]]`)
	infos, err := decodeSymbolsConf(body)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "tBTCUSD", infos[0].Symbol)
	assert.Equal(t, "BTC", infos[0].Base)
	assert.Equal(t, "USD", infos[0].Quote)
	assert.True(t, infos[0].MinSize.Equal(decimal.RequireFromString("0.00006")))
	assert.True(t, infos[0].MaxSize.Equal(decimal.RequireFromString("2000.0")))

	assert.Equal(t, "tETH:USDT", infos[1].Symbol)
	assert.Equal(t, "ETH", infos[1].Base)
	assert.Equal(t, "USDT", infos[1].Quote)
}

func TestDecodeSubmitResponseMalformed(t *testing.T) {
	_, err := decodeSubmitResponse([]byte(`[1700000000000,"on-req",1,null,[],0,"SUCCESS",""]`))
	assert.Error(t, err)

	_, err = decodeSubmitResponse([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeTickers(t *testing.T) {
	body := []byte(`[
		["tBTCUSD",64900,12.5,64901,8.1,120,0.0018,64950.5,1042.7,65500,64000],
		["fUSD",0.0001,30,2,0.0002,25,1000000,0.0003],
		["tETHUSD",3200,40,3201,22,10,0.003,3210.25,5000,3300,3100]
	]`)
	tickers, err := decodeTickers(body, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, tickers, 2, "funding rows are skipped")

	assert.Equal(t, "tBTCUSD", tickers[0].Symbol)
	assert.True(t, tickers[0].Bid.Equal(decimal.NewFromInt(64900)))
	assert.True(t, tickers[0].Ask.Equal(decimal.NewFromInt(64901)))
	assert.True(t, tickers[0].LastPrice.Equal(decimal.RequireFromString("64950.5")))
	assert.Equal(t, "tETHUSD", tickers[1].Symbol)
}

func TestDecodeBookSkipsZeroCount(t *testing.T) {
	body := []byte(`[[64900,3,1.5],[64899,0,0],[64901,2,-0.7]]`)
	levels, err := decodeBook(body)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(3), levels[0].Count)
	assert.True(t, levels[1].Amount.IsNegative(), "negative amount marks the ask side")
}

func TestDecodeTrades(t *testing.T) {
	body := []byte(`[[901234,1717200000000,-0.05,64900.5],[901233,1717199999000,0.2,64899]]`)
	trades, err := decodeTrades(body)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(901234), trades[0].ID)
	assert.True(t, trades[0].Amount.IsNegative())
	assert.Equal(t, int64(1717200000), trades[0].Time.Unix())
}

func TestDecodeMarginInfo(t *testing.T) {
	body := []byte(`["base",[12.5,-0.3,10000,9987.2,1500]]`)
	info, err := decodeMarginInfo(body)
	require.NoError(t, err)
	assert.True(t, info.MarginBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, info.MarginMin.Equal(decimal.NewFromInt(1500)))

	_, err = decodeMarginInfo([]byte(`["base"]`))
	assert.Error(t, err)
}
