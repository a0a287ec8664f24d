package bracket

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bfx_trader/internal/clock"
	"bfx_trader/internal/core"
	"bfx_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	core.IExchangeClient

	mu        sync.Mutex
	nextID    int64
	submitted []*core.Order
	canceled  []int64
	openOrders []*core.Order
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, intent *core.OrderIntent, groupID int64) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := &core.Order{
		ID:         1000 + f.nextID,
		GroupID:    groupID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Status:     core.StatusActive,
		Amount:     intent.Amount,
		AmountOrig: intent.Amount,
		Price:      intent.Price,
	}
	f.submitted = append(f.submitted, o)
	return o, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOrders, nil
}

func (f *fakeExchange) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeRegistry struct{ minSize decimal.Decimal }

func (f *fakeRegistry) Get(symbol string) (*core.SymbolInfo, bool) {
	return &core.SymbolInfo{Symbol: symbol, MinSize: f.minSize, Tradable: true}, true
}
func (f *fakeRegistry) Refresh(ctx context.Context) error { return nil }
func (f *fakeRegistry) Symbols() []string                 { return nil }

func newManager(t *testing.T, path string) (*Manager, *fakeExchange) {
	t.Helper()
	ex := &fakeExchange{}
	clk := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(ex, &fakeRegistry{minSize: decimal.NewFromFloat(0.001)}, clk, logging.Nop(), nil, path)
	require.NoError(t, err)
	return m, ex
}

func entryOrder(id, gid int64, orig, remaining float64) *core.Order {
	return &core.Order{
		ID:         id,
		GroupID:    gid,
		Symbol:     "tBTCUSD",
		Side:       core.SideBuy,
		Type:       core.TypeExchangeLimit,
		Status:     core.StatusActive,
		Amount:     decimal.NewFromFloat(remaining),
		AmountOrig: decimal.NewFromFloat(orig),
		Price:      decimal.NewFromInt(50000),
	}
}

func btcSpec() *core.BracketSpec {
	return &core.BracketSpec{
		StopPrice: decimal.NewFromInt(48000),
		TakePrice: decimal.NewFromInt(52000),
	}
}

func TestCreateUnfilledEntryStaysPending(t *testing.T) {
	m, ex := newManager(t, "")

	gid, err := m.Create(context.Background(), entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	assert.Equal(t, int64(7), gid)
	assert.Zero(t, ex.submitCount(), "no fills yet, no exit legs")

	groups := m.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, StatePending, groups[0].State)
}

func TestEntryFillPlacesBothLegs(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)

	// Half the entry fills.
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.005))

	require.Equal(t, 2, ex.submitCount())
	stop, take := ex.submitted[0], ex.submitted[1]
	assert.Equal(t, core.SideSell, stop.Side, "exit legs oppose a buy entry")
	assert.Equal(t, core.TypeExchangeStop, stop.Type)
	assert.Equal(t, core.TypeExchangeLimit, take.Type)
	assert.Equal(t, int64(7), stop.GroupID)
	assert.True(t, stop.Amount.Equal(decimal.NewFromFloat(0.005)))
	assert.True(t, take.Amount.Equal(decimal.NewFromFloat(0.005)))

	groups := m.Groups()
	assert.Equal(t, StateActive, groups[0].State)
}

func TestFurtherFillResizesLegs(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)

	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.005))
	firstStop := ex.submitted[0].ID
	firstTake := ex.submitted[1].ID

	full := entryOrder(1, 7, 0.01, 0)
	full.Status = core.StatusExecuted
	m.OnOrderUpdate(ctx, full)

	assert.ElementsMatch(t, []int64{firstStop, firstTake}, ex.canceled, "old legs canceled for resize")
	require.Equal(t, 4, ex.submitCount())
	assert.True(t, ex.submitted[2].Amount.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, ex.submitted[3].Amount.Equal(decimal.NewFromFloat(0.01)))
}

func TestFillBelowMinSizeDefersLegs(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)

	// 0.0005 filled, registry minimum is 0.001.
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.0095))
	assert.Zero(t, ex.submitCount())
	assert.Equal(t, StatePending, m.Groups()[0].State)

	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.008))
	assert.Equal(t, 2, ex.submitCount())
}

func TestExitFillCancelsSibling(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0))

	stop, take := ex.submitted[0], ex.submitted[1]
	filledStop := *stop
	filledStop.Status = core.StatusExecuted
	filledStop.Amount = decimal.Zero
	m.OnOrderUpdate(ctx, &filledStop)

	assert.Contains(t, ex.canceled, take.ID, "sibling leg must be canceled on fill")
	assert.Equal(t, StateClosed, m.Groups()[0].State)
}

func TestEntryCancelTearsDownGroup(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.005))

	canceled := entryOrder(1, 7, 0.01, 0.005)
	canceled.Status = core.StatusCanceled
	m.OnOrderUpdate(ctx, canceled)

	assert.Len(t, ex.canceled, 2, "both legs canceled with the entry")
	assert.Equal(t, StateCancelled, m.Groups()[0].State)
}

func TestMarketEntryLegsPlacedImmediately(t *testing.T) {
	m, ex := newManager(t, "")

	entry := entryOrder(1, 7, 0.01, 0)
	entry.Status = core.StatusExecuted
	_, err := m.Create(context.Background(), entry, btcSpec())
	require.NoError(t, err)

	assert.Equal(t, 2, ex.submitCount())
	assert.Equal(t, StateActive, m.Groups()[0].State)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brackets.json")
	m, _ := newManager(t, path)
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0.005))

	reloaded, _ := newManager(t, path)
	groups := reloaded.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, int64(7), groups[0].GroupID)
	assert.Equal(t, StateActive, groups[0].State)
	require.NotNil(t, groups[0].Stop)
	assert.True(t, groups[0].Stop.Open)
}

func TestReconcileCancelsOrphanLegs(t *testing.T) {
	m, ex := newManager(t, "")
	ex.openOrders = []*core.Order{
		{ID: 500, GroupID: 99, Symbol: "tBTCUSD", Status: core.StatusActive}, // unknown group
		{ID: 501, GroupID: 0, Symbol: "tBTCUSD", Status: core.StatusActive},  // plain order, untouched
	}

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, []int64{500}, ex.canceled)
}

func TestReconcileMarksVanishedLegs(t *testing.T) {
	m, ex := newManager(t, "")
	ctx := context.Background()
	_, err := m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0))

	// Exchange reports nothing open: both legs are gone server-side.
	ex.openOrders = nil
	require.NoError(t, m.Reconcile(ctx))

	g := m.Groups()[0]
	assert.False(t, g.Stop.Open)
	assert.False(t, g.Take.Open)
}

func TestReconcileTearsDownGroupWhoseEntryVanishedUnfilled(t *testing.T) {
	ex := &fakeExchange{}
	clk := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(ex, &fakeRegistry{minSize: decimal.NewFromFloat(0.001)}, clk, logging.Nop(), nil, "")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)

	// The snapshot may predate a fresh submission: inside the grace window
	// the group is left alone.
	ex.openOrders = nil
	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, StatePending, m.Groups()[0].State)

	clk.Advance(2 * time.Minute)
	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, StateCancelled, m.Groups()[0].State)
}

func TestReconcileKeepsGroupWithFilledEntry(t *testing.T) {
	ex := &fakeExchange{}
	clk := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(ex, &fakeRegistry{minSize: decimal.NewFromFloat(0.001)}, clk, logging.Nop(), nil, "")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), btcSpec())
	require.NoError(t, err)
	m.OnOrderUpdate(ctx, entryOrder(1, 7, 0.01, 0))

	// The executed entry is no longer open, only its legs are. The group
	// still protects a position and must survive.
	ex.openOrders = ex.submitted
	clk.Advance(2 * time.Minute)
	require.NoError(t, m.Reconcile(ctx))

	assert.Equal(t, StateActive, m.Groups()[0].State)
	assert.Empty(t, ex.canceled)
}

func TestCreateRequiresGroupAndExitPrices(t *testing.T) {
	m, _ := newManager(t, "")
	ctx := context.Background()

	_, err := m.Create(ctx, entryOrder(1, 0, 0.01, 0.01), btcSpec())
	assert.Error(t, err, "entry without group id")

	_, err = m.Create(ctx, entryOrder(1, 7, 0.01, 0.01), &core.BracketSpec{})
	assert.Error(t, err, "no exit prices")
}
