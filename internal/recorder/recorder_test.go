package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpos/internal/cache"
	"stockpos/internal/domain"
	"stockpos/internal/loyalty"
	"stockpos/internal/metrics"
	"stockpos/internal/store"
	"stockpos/internal/store/memory"
)

type recordingNotifier struct {
	mu          sync.Mutex
	collections []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, collection string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.collections = append(n.collections, collection)
}

type fixture struct {
	repo     *memory.Store
	rec      *Recorder
	notifier *recordingNotifier
	receipts *cache.MemoryReceiptCache
	metrics  *metrics.Metrics
	productA domain.Product
}

func newFixture(t *testing.T, stock int) fixture {
	t.Helper()
	repo := memory.New()
	notifier := &recordingNotifier{}
	receipts := cache.NewMemoryReceiptCache()
	m := metrics.New(nil)
	rec := New(repo,
		WithNotifier(notifier),
		WithReceiptCache(receipts, time.Hour),
		WithMetrics(m),
		WithLocation(time.UTC),
	)

	product, err := repo.CreateProduct(context.Background(), domain.Product{ShopID: "shop", Code: "A", Name: "Product A", SellPriceCents: 5000, BuyPriceCents: 3000})
	require.NoError(t, err)
	if stock > 0 {
		_, err := rec.Record(context.Background(), Request{
			ShopID: "shop",
			Type:   domain.MovementIn,
			Lines:  []Line{{ProductID: product.ID, Qty: stock, UnitPriceCents: 3000}},
		})
		require.NoError(t, err)
	}
	notifier.collections = nil

	return fixture{repo: repo, rec: rec, notifier: notifier, receipts: receipts, metrics: m, productA: *product}
}

func (f fixture) stock(t *testing.T) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), f.productA.ID)
	require.NoError(t, err)
	return p.Stock
}

func TestRecordSaleWithoutMember(t *testing.T) {
	f := newFixture(t, 10)

	receipt, err := f.rec.Record(context.Background(), Request{
		ShopID:     "shop",
		TerminalID: "t1",
		Type:       domain.MovementOut,
		Lines:      []Line{{ProductID: f.productA.ID, Qty: 3, UnitPriceCents: 5000}},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, f.stock(t))
	assert.Equal(t, domain.MovementOut, receipt.Movement.Type)
	assert.Equal(t, int64(15000), receipt.Movement.TotalCents)
	assert.Empty(t, receipt.Movement.MemberID)
	assert.Regexp(t, `^INV-\d{8}-\d{4}$`, receipt.Movement.DocNo)
	assert.Regexp(t, `^\d{2}/\d{2}/\d{4} \d{2}:\d{2}$`, receipt.FormattedDate)
	assert.Equal(t, []string{domain.CollectionProducts, domain.CollectionMovements}, f.notifier.collections)

	cached, ok, err := f.rec.LastReceipt(context.Background(), "shop", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, receipt.Movement.ID, cached.Movement.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitTotal.WithLabelValues("OUT", "ok")))
}

func TestRecordSaleWithMemberRedemption(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	member, err := f.repo.CreateCustomer(ctx, domain.Customer{ShopID: "shop", Name: "Member M", Phone: "0812345678", Points: 100})
	require.NoError(t, err)

	receipt, err := f.rec.Record(ctx, Request{
		ShopID:         "shop",
		TerminalID:     "t1",
		Type:           domain.MovementOut,
		Lines:          []Line{{ProductID: f.productA.ID, Qty: 4, UnitPriceCents: 5000}},
		MemberID:       member.ID,
		PointsToRedeem: 50,
		ReceivedCents:  20000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20000), receipt.Movement.TotalCents)
	assert.Equal(t, int64(15000), receipt.Movement.FinalCents)
	assert.Equal(t, int64(7), receipt.Movement.PointsEarned)
	assert.Equal(t, int64(50), receipt.Movement.PointsRedeemed)
	assert.Equal(t, int64(5000), receipt.Movement.ChangeCents)
	assert.Equal(t, "Member M", receipt.MemberName)
	assert.Equal(t, int64(57), receipt.MemberBalance)

	got, err := f.repo.GetCustomer(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(57), got.Points)
	assert.Contains(t, f.notifier.collections, domain.CollectionCustomers)
}

func TestRecordRejectsOverRedemptionBeforeCommit(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	member, err := f.repo.CreateCustomer(ctx, domain.Customer{ShopID: "shop", Name: "M", Phone: "0812345678", Points: 100})
	require.NoError(t, err)

	_, err = f.rec.Record(ctx, Request{
		ShopID:         "shop",
		Type:           domain.MovementOut,
		Lines:          []Line{{ProductID: f.productA.ID, Qty: 1, UnitPriceCents: 5000}},
		MemberID:       member.ID,
		PointsToRedeem: 51,
	})
	require.ErrorIs(t, err, loyalty.ErrRedemptionOutOfRange)
	assert.Equal(t, 10, f.stock(t))
}

func TestRecordInsufficientStockLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.rec.Record(context.Background(), Request{
		ShopID: "shop",
		Type:   domain.MovementOut,
		Lines:  []Line{{ProductID: f.productA.ID, Qty: 3, UnitPriceCents: 5000}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 2, f.stock(t))
	assert.Empty(t, f.notifier.collections)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommitTotal.WithLabelValues("OUT", "insufficient_stock")))
}

func TestRecordValidatesRequest(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	cases := []Request{
		{ShopID: "shop", Type: domain.MovementOut},
		{ShopID: "shop", Type: "SWAP", Lines: []Line{{ProductID: f.productA.ID, Qty: 1}}},
		{ShopID: "shop", Type: domain.MovementOut, Lines: []Line{{ProductID: f.productA.ID, Qty: 0}}},
		{ShopID: "shop", Type: domain.MovementOut, Lines: []Line{{ProductID: f.productA.ID, Qty: 1, UnitPriceCents: -1}}},
		{ShopID: "shop", Type: domain.MovementIn, MemberID: "x", Lines: []Line{{ProductID: f.productA.ID, Qty: 1}}},
		{ShopID: "shop", Type: domain.MovementOut, PointsToRedeem: 5, Lines: []Line{{ProductID: f.productA.ID, Qty: 1, UnitPriceCents: 5000}}},
		{ShopID: "shop", Type: domain.MovementOut, ReceivedCents: 100, Lines: []Line{{ProductID: f.productA.ID, Qty: 1, UnitPriceCents: 5000}}},
	}
	for i, req := range cases {
		_, err := f.rec.Record(ctx, req)
		assert.ErrorIs(t, err, store.ErrInvalidTransaction, "case %d", i)
	}
	assert.Equal(t, 5, f.stock(t))
}

func TestRecordIntakeUsesPOPrefix(t *testing.T) {
	f := newFixture(t, 0)

	receipt, err := f.rec.Record(context.Background(), Request{
		ShopID: "shop",
		Type:   domain.MovementIn,
		Lines:  []Line{{ProductID: f.productA.ID, Qty: 12, UnitPriceCents: 3000}},
		Note:   "weekly delivery",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^PO-\d{8}-\d{4}$`, receipt.Movement.DocNo)
	assert.Equal(t, 12, f.stock(t))
	assert.Equal(t, int64(0), receipt.Movement.PointsEarned)
}

func TestConcurrentSalesOnlyOneSucceeds(t *testing.T) {
	f := newFixture(t, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Record(context.Background(), Request{
				ShopID: "shop",
				Type:   domain.MovementOut,
				Lines:  []Line{{ProductID: f.productA.ID, Qty: 3, UnitPriceCents: 5000}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, f.stock(t))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "conflict", Outcome(store.ErrConflict))
	assert.Equal(t, "invalid", Outcome(loyalty.ErrRedemptionOutOfRange))
}

func TestLastReceiptIsScopedPerShop(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	receipt, err := f.rec.Record(ctx, Request{
		ShopID:     "shop",
		TerminalID: "t1",
		Type:       domain.MovementOut,
		Lines:      []Line{{ProductID: f.productA.ID, Qty: 1, UnitPriceCents: 5000}},
	})
	require.NoError(t, err)

	_, ok, err := f.rec.LastReceipt(ctx, "other-shop", "t1")
	require.NoError(t, err)
	assert.False(t, ok, "a terminal id reused by another shop must not see this receipt")

	cached, ok, err := f.rec.LastReceipt(ctx, "shop", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, receipt.Movement.ID, cached.Movement.ID)
}
