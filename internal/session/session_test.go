package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpos/internal/domain"
)

var productA = domain.Product{ID: "prd-a", Code: "A", Name: "Product A", Unit: "pcs", SellPriceCents: 5000, Stock: 10}

func TestAddLineMergesAndComputesTotal(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)

	_, err := s.AddLine(productA, 1, 5000)
	require.NoError(t, err)
	view, err := s.AddLine(productA, 2, 5000)
	require.NoError(t, err)

	require.Len(t, view.Lines, 1)
	assert.Equal(t, 3, view.Lines[0].Qty)
	assert.Equal(t, int64(15000), view.Lines[0].LineTotalCents)
	assert.Equal(t, int64(15000), view.TotalCents)
}

func TestAddLineRejectsCumulativeOverStockForSale(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)

	_, err := s.AddLine(productA, 8, 5000)
	require.NoError(t, err)
	_, err = s.AddLine(productA, 3, 5000)
	require.ErrorIs(t, err, ErrExceedsStock)
	assert.Equal(t, 8, s.View().Lines[0].Qty)

	intake := New("shop", "t2", domain.MovementIn)
	_, err = intake.AddLine(productA, 50, 3000)
	require.NoError(t, err)
}

func TestAddLineValidatesInput(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)
	_, err := s.AddLine(productA, 0, 5000)
	assert.ErrorIs(t, err, ErrInvalidQty)
	_, err = s.AddLine(productA, 1, -1)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestRemoveLineReclampsPoints(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)
	productB := domain.Product{ID: "prd-b", Code: "B", Stock: 5}
	_, _ = s.AddLine(productA, 2, 5000)
	_, _ = s.AddLine(productB, 1, 10000)
	_, err := s.SetMember(&domain.Customer{ID: "m1", Points: 500})
	require.NoError(t, err)

	view, err := s.SetPointsToUse(180)
	require.NoError(t, err)
	assert.Equal(t, int64(180), view.PointsToUse)

	view, err = s.RemoveLine(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.PointsToUse)

	_, err = s.RemoveLine(3)
	assert.ErrorIs(t, err, ErrLineIndex)
}

func TestSetPointsToUseClamps(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 4, 5000)

	view, err := s.SetPointsToUse(50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.PointsToUse, "no member attached")

	_, err = s.SetMember(&domain.Customer{ID: "m1", Points: 100})
	require.NoError(t, err)

	view, _ = s.SetPointsToUse(-3)
	assert.Equal(t, int64(0), view.PointsToUse)
	view, _ = s.SetPointsToUse(1000)
	assert.Equal(t, int64(100), view.PointsToUse)
	view, _ = s.SetPointsToUse(50)
	assert.Equal(t, int64(50), view.PointsToUse)
	assert.Equal(t, int64(15000), view.FinalCents)
}

func TestMemberOnlyOnSale(t *testing.T) {
	s := New("shop", "t1", domain.MovementIn)
	_, err := s.SetMember(&domain.Customer{ID: "m1"})
	assert.ErrorIs(t, err, ErrMemberOnlyForSale)
}

func TestCommitLifecycle(t *testing.T) {
	s := New("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 3, 5000)

	_, err := s.BeginCommit()
	require.ErrorIs(t, err, ErrInvalidState, "sale must pass through payment")

	_, err = s.BeginPayment(10000)
	require.ErrorIs(t, err, ErrInsufficientCash)

	view, err := s.BeginPayment(20000)
	require.NoError(t, err)
	assert.Equal(t, StatePayment, view.State)
	assert.Equal(t, int64(5000), view.ChangeCents)

	snap, err := s.BeginCommit()
	require.NoError(t, err)
	assert.Equal(t, int64(20000), snap.ReceivedCents)
	require.Len(t, snap.Lines, 1)

	_, err = s.BeginCommit()
	require.ErrorIs(t, err, ErrCommitInFlight)
	_, err = s.AddLine(productA, 1, 5000)
	require.ErrorIs(t, err, ErrCommitInFlight)

	require.NoError(t, s.CommitFailed())
	view = s.View()
	assert.Equal(t, StateBuilding, view.State)
	assert.Len(t, view.Lines, 1, "cart stays intact after a failed commit")

	_, err = s.BeginPayment(0)
	require.NoError(t, err)
	_, err = s.BeginCommit()
	require.NoError(t, err)
	require.NoError(t, s.CommitSucceeded(domain.Receipt{TerminalID: "t1"}))

	assert.Equal(t, StateCommitted, s.State())
	assert.Empty(t, s.View().Lines)
	receipt, ok := s.LastReceipt()
	require.True(t, ok)
	assert.Equal(t, "t1", receipt.TerminalID)

	_, err = s.AddLine(productA, 1, 5000)
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, s.State())
}

func TestIntakeCommitsFromBuilding(t *testing.T) {
	s := New("shop", "t1", domain.MovementIn)
	_, _ = s.AddLine(productA, 5, 3000)

	_, err := s.BeginPayment(0)
	require.ErrorIs(t, err, ErrInvalidState)

	snap, err := s.BeginCommit()
	require.NoError(t, err)
	assert.Equal(t, domain.MovementIn, snap.Kind)
}

func TestConcurrentBeginCommitOnlyOneWins(t *testing.T) {
	s := New("shop", "t1", domain.MovementIn)
	_, _ = s.AddLine(productA, 1, 3000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.BeginCommit(); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestHoldRecallRoundTrip(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Open("shop", "t1", domain.MovementOut)
	require.NoError(t, err)

	member := &domain.Customer{ID: "m1", Name: "Member", Points: 100}
	_, _ = s.AddLine(productA, 2, 5000)
	_, _ = s.SetMember(member)
	_, _ = s.SetNote("table 4")
	before, _ := s.SetPointsToUse(30)

	bill, err := reg.Hold("shop", "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, bill.ID)
	assert.Empty(t, s.View().Lines)
	require.Len(t, reg.Held("shop", ""), 1)

	after, err := reg.Recall("shop", "t1", bill.ID, false)
	require.NoError(t, err)
	assert.Equal(t, before.Lines, after.Lines)
	assert.Equal(t, before.Member, after.Member)
	assert.Equal(t, before.Note, after.Note)
	assert.Equal(t, before.PointsToUse, after.PointsToUse)
	assert.Empty(t, reg.Held("shop", ""))

	_, err = reg.Recall("shop", "t1", bill.ID, true)
	assert.ErrorIs(t, err, ErrHeldBillNotFound)
}

func TestHoldRequiresLines(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open("shop", "t1", domain.MovementOut)
	require.NoError(t, err)

	_, err = reg.Hold("shop", "t1")
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestRecallNeedsConfirmationOverNonEmptyCart(t *testing.T) {
	reg := NewRegistry()
	s, _ := reg.Open("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 1, 5000)
	bill, err := reg.Hold("shop", "t1")
	require.NoError(t, err)

	_, _ = s.AddLine(productA, 4, 5000)
	_, err = reg.Recall("shop", "t1", bill.ID, false)
	require.ErrorIs(t, err, ErrConfirmDiscard)
	assert.Len(t, reg.Held("shop", ""), 1, "failed recall keeps the bill parked")

	view, err := reg.Recall("shop", "t1", bill.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Lines[0].Qty)
}

func TestRecallRejectsOtherKind(t *testing.T) {
	reg := NewRegistry()
	s, _ := reg.Open("shop", "sale", domain.MovementOut)
	_, _ = s.AddLine(productA, 1, 5000)
	bill, err := reg.Hold("shop", "sale")
	require.NoError(t, err)

	_, err = reg.Open("shop", "intake", domain.MovementIn)
	require.NoError(t, err)
	_, err = reg.Recall("shop", "intake", bill.ID, false)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestConcurrentRecallRemovesOnce(t *testing.T) {
	reg := NewRegistry()
	s, _ := reg.Open("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 1, 5000)
	bill, err := reg.Hold("shop", "t1")
	require.NoError(t, err)
	for _, id := range []string{"t2", "t3", "t4"} {
		_, err := reg.Open("shop", id, domain.MovementOut)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		wg.Add(1)
		go func(terminal string) {
			defer wg.Done()
			_, err := reg.Recall("shop", terminal, bill.ID, true)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrHeldBillNotFound)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestHeldChangeCallback(t *testing.T) {
	reg := NewRegistry()
	counts := []int{}
	reg.OnHeldChange = func(_ string, n int) { counts = append(counts, n) }

	s, _ := reg.Open("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 1, 5000)
	bill, err := reg.Hold("shop", "t1")
	require.NoError(t, err)
	require.NoError(t, reg.Discard("shop", bill.ID))

	assert.Equal(t, []int{1, 0}, counts)
	assert.ErrorIs(t, reg.Discard("shop", bill.ID), ErrHeldBillNotFound)
}

func TestOpenRetargetsOnlyIdleSession(t *testing.T) {
	reg := NewRegistry()
	s, _ := reg.Open("shop", "t1", domain.MovementOut)
	_, _ = s.AddLine(productA, 1, 5000)

	_, err := reg.Open("shop", "t1", domain.MovementIn)
	require.ErrorIs(t, err, ErrSessionBusy)

	s.Clear()
	s2, err := reg.Open("shop", "t1", domain.MovementIn)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementIn, s2.Kind())
}

func TestDebouncerDropsRepeatsInsideWindow(t *testing.T) {
	now := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	d := NewDebouncer(2 * time.Second)
	d.now = func() time.Time { return now }

	assert.True(t, d.Allow("t1", "8850001"))
	now = now.Add(500 * time.Millisecond)
	assert.False(t, d.Allow("t1", "8850001"))
	assert.True(t, d.Allow("t2", "8850001"), "other terminals are independent")
	assert.True(t, d.Allow("t1", "8850002"), "a different code bypasses the window")
	assert.True(t, d.Allow("t1", "8850001"))
	now = now.Add(2 * time.Second)
	assert.True(t, d.Allow("t1", "8850001"))
}

func TestSameTerminalIDInTwoShopsIsIndependent(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Open("shop-a", "t1", domain.MovementOut)
	require.NoError(t, err)
	_, _ = a.AddLine(productA, 2, 5000)

	b, err := reg.Open("shop-b", "t1", domain.MovementIn)
	require.NoError(t, err, "another shop's busy cart must not block this one")
	assert.NotSame(t, a, b)
	assert.Empty(t, b.View().Lines)
	assert.Len(t, a.View().Lines, 1)

	got, ok := reg.Get("shop-a", "t1")
	require.True(t, ok)
	assert.Same(t, a, got)

	bill, err := reg.Hold("shop-a", "t1")
	require.NoError(t, err)
	assert.Len(t, reg.Held("shop-a", ""), 1)
	assert.Empty(t, reg.Held("shop-b", ""))

	_, err = reg.Recall("shop-b", "t1", bill.ID, true)
	assert.ErrorIs(t, err, ErrHeldBillNotFound)
}

func TestCloseDropsOnlyThatShopsSession(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open("shop-a", "t1", domain.MovementOut)
	require.NoError(t, err)
	_, err = reg.Open("shop-b", "t1", domain.MovementOut)
	require.NoError(t, err)

	require.NoError(t, reg.Close("shop-a", "t1"))
	_, ok := reg.Get("shop-a", "t1")
	assert.False(t, ok)
	_, ok = reg.Get("shop-b", "t1")
	assert.True(t, ok)
	assert.ErrorIs(t, reg.Close("shop-a", "t1"), ErrInvalidState)
}
