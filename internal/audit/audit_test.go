package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bfx_trader/internal/clock"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyPathDisablesTrail(t *testing.T) {
	trail, err := Open("", clock.NewFake(time.Now()), logging.Nop())
	require.NoError(t, err)
	require.Nil(t, trail)

	// A nil trail is a valid no-op sink.
	trail.Record(Entry{Event: EventSubmitted})
	assert.NoError(t, trail.Close())
}

func TestRecordAppendsStampedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	clk := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	trail, err := Open(path, clk, logging.Nop())
	require.NoError(t, err)

	intent := &core.OrderIntent{
		ClientOrderID: "1001",
		Symbol:        "tBTCUSD",
		Side:          core.SideBuy,
		Type:          core.TypeExchangeLimit,
		Amount:        decimal.NewFromFloat(0.01),
		Price:         decimal.NewFromInt(50000),
	}
	trail.Record(Intent(EventIntentReceived, intent))

	e := Intent(EventRiskDenied, intent)
	e.Gate = "max_daily_loss"
	e.Reason = "daily loss 5.20% at limit 5.00%"
	trail.Record(e)
	require.NoError(t, trail.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)

	assert.Equal(t, EventIntentReceived, entries[0].Event)
	assert.Equal(t, "tBTCUSD", entries[0].Symbol)
	assert.Equal(t, "2025-06-02T12:00:00Z", entries[0].TS)
	assert.Equal(t, "max_daily_loss", entries[1].Gate)
}

func TestOrderEntryCarriesExchangeIDs(t *testing.T) {
	order := &core.Order{
		ID:            12345,
		ClientOrderID: "77",
		GroupID:       9,
		Symbol:        "tETHUSD",
		Side:          core.SideSell,
		Type:          core.TypeExchangeStop,
		Amount:        decimal.NewFromFloat(0.5),
		Price:         decimal.NewFromInt(2400),
	}
	e := OrderEntry(EventCanceled, order)
	assert.Equal(t, int64(12345), e.OrderID)
	assert.Equal(t, int64(9), e.GroupID)
	assert.Equal(t, "tETHUSD", e.Symbol)
}
