package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockpos/internal/cache"
	"stockpos/internal/domain"
	"stockpos/internal/recorder"
	"stockpos/internal/session"
	"stockpos/internal/store"
	"stockpos/internal/store/memory"
)

const (
	testShop     = "main-shop"
	waterCode    = "8850999320014"
	riceCode     = "8851019010014"
	memberPhone  = "0812345678"
	ownerPass    = "owner-pass-1"
	staffPass    = "staff-pass-1"
	openingStock = 60
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_OWNER_PASSWORD", ownerPass)
	t.Setenv("SEED_STAFF_PASSWORD", staffPass)

	repo := memory.NewSeeded(testShop)
	svc := New(repo, nil, Config{
		DefaultShopID: testShop,
		Debouncer:     session.NewDebouncer(time.Hour),
	})
	return svc, repo
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "owner", Role: domain.RoleOwner, ShopID: testShop})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "staff", Role: domain.RoleStaff, ShopID: testShop})
}

func stockOf(t *testing.T, repo *memory.Store, code string) int {
	t.Helper()
	p, err := repo.GetProductByCode(context.Background(), testShop, code)
	if err != nil {
		t.Fatalf("get product %s failed: %v", code, err)
	}
	return p.Stock
}

func TestCommitSaleThroughTerminal(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	view, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 3})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if view.TotalCents != 2100 {
		t.Fatalf("expected total 2100, got %d", view.TotalCents)
	}

	receipt, err := svc.Commit(ctx, "t1", domain.CommitRequest{})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.Movement.FinalCents != 2100 || receipt.Movement.ChangeCents != 0 {
		t.Fatalf("unexpected receipt amounts: %+v", receipt.Movement)
	}
	if receipt.Movement.CreatedBy != "staff" {
		t.Fatalf("expected created_by staff, got %q", receipt.Movement.CreatedBy)
	}
	if got := stockOf(t, repo, waterCode); got != openingStock-3 {
		t.Fatalf("expected stock %d, got %d", openingStock-3, got)
	}

	after, err := svc.TerminalView(ctx, "t1")
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if after.State != session.StateCommitted || len(after.Lines) != 0 {
		t.Fatalf("expected committed empty cart, got state=%s lines=%d", after.State, len(after.Lines))
	}

	last, err := svc.LastReceipt(ctx, "t1")
	if err != nil {
		t.Fatalf("last receipt failed: %v", err)
	}
	if last.Movement.DocNo != receipt.Movement.DocNo {
		t.Fatalf("expected last receipt %s, got %s", receipt.Movement.DocNo, last.Movement.DocNo)
	}
}

func TestCommitWithReceivedCashComputesChange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	short := int64(1000)
	if _, err := svc.Commit(ctx, "t1", domain.CommitRequest{ReceivedCents: &short}); !errors.Is(err, session.ErrInsufficientCash) {
		t.Fatalf("expected insufficient cash, got %v", err)
	}

	received := int64(2000)
	receipt, err := svc.Commit(ctx, "t1", domain.CommitRequest{ReceivedCents: &received})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.Movement.ReceivedCents != 2000 || receipt.Movement.ChangeCents != 600 {
		t.Fatalf("unexpected cash fields: received=%d change=%d", receipt.Movement.ReceivedCents, receipt.Movement.ChangeCents)
	}
}

func TestCommitWithMemberRedeemsAndEarns(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: riceCode, Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.SetMember(ctx, "t1", domain.MemberAttachRequest{Phone: "081-234-5678"}); err != nil {
		t.Fatalf("attach member failed: %v", err)
	}
	view, err := svc.SetPoints(ctx, "t1", 50)
	if err != nil {
		t.Fatalf("set points failed: %v", err)
	}
	if view.FinalCents != 13500 {
		t.Fatalf("expected final 13500, got %d", view.FinalCents)
	}

	receipt, err := svc.Commit(ctx, "t1", domain.CommitRequest{})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	// 135 baht at 20 baht per point earns 6.
	if receipt.Movement.PointsRedeemed != 50 || receipt.Movement.PointsEarned != 6 {
		t.Fatalf("unexpected points: redeemed=%d earned=%d", receipt.Movement.PointsRedeemed, receipt.Movement.PointsEarned)
	}
	if receipt.MemberBalance != 56 {
		t.Fatalf("expected member balance 56, got %d", receipt.MemberBalance)
	}

	member, err := repo.GetCustomerByPhone(context.Background(), testShop, memberPhone)
	if err != nil {
		t.Fatalf("get member failed: %v", err)
	}
	if member.Points != 56 {
		t.Fatalf("expected stored balance 56, got %d", member.Points)
	}
}

func TestFailedCommitKeepsCart(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := staffCtx()

	for _, terminal := range []string{"t1", "t2"} {
		if _, err := svc.OpenTerminal(ctx, terminal, domain.MovementOut); err != nil {
			t.Fatalf("open %s failed: %v", terminal, err)
		}
		if _, err := svc.AddLine(ctx, terminal, domain.AddLineRequest{Code: waterCode, Qty: 40}); err != nil {
			t.Fatalf("add line on %s failed: %v", terminal, err)
		}
	}

	if _, err := svc.Commit(ctx, "t1", domain.CommitRequest{}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	_, err := svc.Commit(ctx, "t2", domain.CommitRequest{})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	view, err := svc.TerminalView(ctx, "t2")
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if view.State != session.StateBuilding || len(view.Lines) != 1 || view.Lines[0].Qty != 40 {
		t.Fatalf("expected cart intact in BUILDING, got %+v", view)
	}
	if got := stockOf(t, repo, waterCode); got != openingStock-40 {
		t.Fatalf("expected stock %d, got %d", openingStock-40, got)
	}
}

func TestIntakeUsesBuyPriceAndIncreasesStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := ownerCtx()

	if _, err := svc.OpenTerminal(ctx, "back-office", domain.MovementIn); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	view, err := svc.AddLine(ctx, "back-office", domain.AddLineRequest{Code: waterCode, Qty: 24})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if view.TotalCents != 24*450 {
		t.Fatalf("expected buy-price total %d, got %d", 24*450, view.TotalCents)
	}
	if _, err := svc.BeginPayment(ctx, "back-office", 0); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected payment to be rejected for intake, got %v", err)
	}

	receipt, err := svc.Commit(ctx, "back-office", domain.CommitRequest{})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.Movement.Type != domain.MovementIn {
		t.Fatalf("expected IN movement, got %s", receipt.Movement.Type)
	}
	if got := stockOf(t, repo, waterCode); got != openingStock+24 {
		t.Fatalf("expected stock %d, got %d", openingStock+24, got)
	}
}

func TestScanCodeDropsRepeatsInsideWindow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	first, err := svc.ScanCode(ctx, "t1", waterCode)
	if err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	if first.Dropped {
		t.Fatalf("expected first scan to be accepted")
	}
	second, err := svc.ScanCode(ctx, "t1", waterCode)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if !second.Dropped {
		t.Fatalf("expected repeated scan to be dropped")
	}
	if len(second.View.Lines) != 1 || second.View.Lines[0].Qty != 1 {
		t.Fatalf("expected a single unit in cart, got %+v", second.View.Lines)
	}

	if _, err := svc.ScanCode(ctx, "t1", "0000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown code to be not found, got %v", err)
	}
}

func TestHoldAndRecallAcrossTerminals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open t1 failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.SetNote(ctx, "t1", "  table 4  "); err != nil {
		t.Fatalf("set note failed: %v", err)
	}

	bill, err := svc.Hold(ctx, "t1")
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	view, _ := svc.TerminalView(ctx, "t1")
	if len(view.Lines) != 0 {
		t.Fatalf("expected t1 cart cleared after hold")
	}
	if held := svc.ListHeld(ctx, domain.MovementOut); len(held) != 1 || held[0].ID != bill.ID {
		t.Fatalf("expected one held bill %s, got %+v", bill.ID, held)
	}

	if _, err := svc.OpenTerminal(ctx, "t2", domain.MovementOut); err != nil {
		t.Fatalf("open t2 failed: %v", err)
	}
	recalled, err := svc.Recall(ctx, "t2", bill.ID, false)
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(recalled.Lines) != 1 || recalled.Lines[0].Qty != 2 || recalled.Note != "table 4" {
		t.Fatalf("unexpected recalled cart: %+v", recalled)
	}
	if _, err := svc.Recall(ctx, "t1", bill.ID, false); !errors.Is(err, session.ErrHeldBillNotFound) {
		t.Fatalf("expected second recall to fail, got %v", err)
	}
	if held := svc.ListHeld(ctx, ""); len(held) != 0 {
		t.Fatalf("expected held set empty, got %d", len(held))
	}
}

func TestTerminalMustBeOpen(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.AddLine(staffCtx(), "nowhere", domain.AddLineRequest{Code: waterCode, Qty: 1}); !errors.Is(err, ErrTerminalNotOpen) {
		t.Fatalf("expected terminal not open, got %v", err)
	}

	otherShop := WithActor(context.Background(), domain.Actor{Username: "x", Role: domain.RoleStaff, ShopID: "other-shop"})
	if _, err := svc.OpenTerminal(staffCtx(), "t1", domain.MovementOut); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := svc.TerminalView(otherShop, "t1"); !errors.Is(err, ErrTerminalNotOpen) {
		t.Fatalf("expected other shop to be rejected, got %v", err)
	}
}

func TestCreateProductRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t)
	req := domain.ProductCreateRequest{
		Code:           "8850000000001",
		Name:           "Green Curry Paste",
		Unit:           "pack",
		SellPriceCents: 2500,
		BuyPriceCents:  1800,
		MinStock:       5,
	}

	if _, err := svc.CreateProduct(staffCtx(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff create to be forbidden, got %v", err)
	}

	product, err := svc.CreateProduct(ownerCtx(), req)
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if product.Stock != 0 {
		t.Fatalf("expected new product to start at zero stock, got %d", product.Stock)
	}

	found, err := svc.LookupProduct(staffCtx(), req.Code)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found.ID != product.ID {
		t.Fatalf("expected lookup to return %s, got %s", product.ID, found.ID)
	}

	if _, err := svc.CreateProduct(ownerCtx(), req); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate code to be rejected, got %v", err)
	}
}

func TestRegisterCustomerValidatesPhone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.RegisterCustomer(ctx, domain.CustomerCreateRequest{Name: "Malee", Phone: "08123"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected short phone to be rejected, got %v", err)
	}
	if _, err := svc.RegisterCustomer(ctx, domain.CustomerCreateRequest{Name: "Malee", Phone: memberPhone}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate phone to be rejected, got %v", err)
	}

	created, err := svc.RegisterCustomer(ctx, domain.CustomerCreateRequest{Name: "Malee", Phone: "089 999 0000"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if created.Phone != "0899990000" || created.Points != 0 {
		t.Fatalf("unexpected member: %+v", created)
	}
}

func TestUpdateCustomerPointsRequiresConfirmation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerCtx()

	member, err := svc.LookupCustomerByPhone(ctx, memberPhone)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	points := int64(500)
	_, err = svc.UpdateCustomer(ctx, member.ID, domain.CustomerUpdateRequest{Points: &points, ConfirmPassword: "wrong"})
	if !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected confirmation failure, got %v", err)
	}

	updated, err := svc.UpdateCustomer(ctx, member.ID, domain.CustomerUpdateRequest{Points: &points, ConfirmPassword: ownerPass})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Points != 500 {
		t.Fatalf("expected 500 points, got %d", updated.Points)
	}

	name := "Somchai J."
	renamed, err := svc.UpdateCustomer(staffCtx(), member.ID, domain.CustomerUpdateRequest{Name: &name})
	if err != nil {
		t.Fatalf("rename without confirmation failed: %v", err)
	}
	if renamed.Name != name || renamed.Points != 500 {
		t.Fatalf("unexpected member after rename: %+v", renamed)
	}

	if err := svc.DeleteCustomer(staffCtx(), member.ID, ""); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected delete without confirmation to fail, got %v", err)
	}
	if err := svc.DeleteCustomer(staffCtx(), member.ID, staffPass); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestCreateStaffAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateStaff(ownerCtx(), domain.StaffCreateRequest{Username: "abc", Password: "secret1"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected short username to be rejected, got %v", err)
	}
	if _, err := svc.CreateStaff(ownerCtx(), domain.StaffCreateRequest{Username: "new cashier", Password: "secret1"}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected username with space to be rejected, got %v", err)
	}
	if _, err := svc.CreateStaff(staffCtx(), domain.StaffCreateRequest{Username: "cashier2", Password: "secret1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff to be forbidden, got %v", err)
	}

	created, err := svc.CreateStaff(ownerCtx(), domain.StaffCreateRequest{Name: "Nok", Username: "Cashier2", Password: "secret1"})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if created.Role != domain.RoleStaff || created.Username != "cashier2" {
		t.Fatalf("unexpected staff: %+v", created)
	}
	if created.PasswordHash == "secret1" {
		t.Fatalf("expected password to be hashed")
	}

	user, err := svc.Authenticate(context.Background(), "cashier2", "secret1")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, user.ID)
	}
	if _, err := svc.Authenticate(context.Background(), "cashier2", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestDeleteStaffRejectsSelf(t *testing.T) {
	svc, repo := newTestService(t)

	owner, err := repo.GetUserByUsername(context.Background(), "owner")
	if err != nil {
		t.Fatalf("get owner failed: %v", err)
	}
	ctx := WithActor(context.Background(), domain.Actor{UserID: owner.ID, Username: "owner", Role: domain.RoleOwner, ShopID: testShop})

	if err := svc.DeleteStaff(ctx, owner.ID, ownerPass); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected self delete to be rejected, got %v", err)
	}

	staff, err := repo.GetUserByUsername(context.Background(), "staff")
	if err != nil {
		t.Fatalf("get staff failed: %v", err)
	}
	if err := svc.DeleteStaff(ctx, staff.ID, "nope"); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected confirmation failure, got %v", err)
	}
	if err := svc.DeleteStaff(ctx, staff.ID, ownerPass); err != nil {
		t.Fatalf("delete staff failed: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "staff", staffPass); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected deleted staff to fail login, got %v", err)
	}
}

func TestUpdateSettingsValidatesRate(t *testing.T) {
	svc, _ := newTestService(t)

	req := domain.SettingsUpdateRequest{BahtPerPoint: decimal.Zero, PointsExpiryDays: 30}
	if _, err := svc.UpdateSettings(ownerCtx(), req); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected zero rate to be rejected, got %v", err)
	}

	req.BahtPerPoint = decimal.NewFromInt(25)
	if _, err := svc.UpdateSettings(staffCtx(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff to be forbidden, got %v", err)
	}
	saved, err := svc.UpdateSettings(ownerCtx(), req)
	if err != nil {
		t.Fatalf("update settings failed: %v", err)
	}
	if !saved.BahtPerPoint.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected rate 25, got %s", saved.BahtPerPoint)
	}
}

func TestStockReportAndRepair(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := ownerCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 5}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.Commit(ctx, "t1", domain.CommitRequest{}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	report, err := svc.StockReport(ctx)
	if err != nil {
		t.Fatalf("stock report failed: %v", err)
	}
	for _, line := range report.Lines {
		if !line.Consistent {
			t.Fatalf("expected %s to be consistent: %+v", line.Code, line)
		}
		if line.Code == waterCode && (line.LedgerStock != openingStock-5 || line.Outgoing != 5) {
			t.Fatalf("unexpected water line: %+v", line)
		}
	}

	water, _ := repo.GetProductByCode(context.Background(), testShop, waterCode)
	if err := repo.RepairStock(context.Background(), water.ID, 3); err != nil {
		t.Fatalf("force drift failed: %v", err)
	}
	drifted, err := svc.VerifyLedger(ctx)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(drifted) != 1 || drifted[0].ProductID != water.ID {
		t.Fatalf("expected one drifted product, got %+v", drifted)
	}

	low, err := svc.LowStock(ctx)
	if err != nil {
		t.Fatalf("low stock failed: %v", err)
	}
	if len(low) == 0 || low[0].ID != water.ID {
		t.Fatalf("expected drifted water to be low on stock, got %+v", low)
	}

	if _, err := svc.RepairLedger(staffCtx()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff repair to be forbidden, got %v", err)
	}
	repaired, err := svc.RepairLedger(ctx)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if len(repaired) != 1 {
		t.Fatalf("expected one repaired product, got %d", len(repaired))
	}
	if got := stockOf(t, repo, waterCode); got != openingStock-5 {
		t.Fatalf("expected repaired stock %d, got %d", openingStock-5, got)
	}
}

func TestSalesSummaryCountsTodaysSales(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := staffCtx()

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 2}); err != nil {
			t.Fatalf("add line failed: %v", err)
		}
		if _, err := svc.Commit(ctx, "t1", domain.CommitRequest{}); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	today := time.Now().Format(reportDateLayout)
	summary, err := svc.SalesSummary(ctx, today, today)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	var out domain.SalesTypeSummary
	for _, row := range summary.ByType {
		if row.Type == domain.MovementOut {
			out = row
		}
	}
	if out.Documents != 2 || out.Units != 4 || out.FinalCents != 2800 {
		t.Fatalf("unexpected OUT summary: %+v", out)
	}
	if summary.CostCents != 4*450 {
		t.Fatalf("expected cost %d, got %d", 4*450, summary.CostCents)
	}

	if _, err := svc.SalesSummary(ctx, "2024-02-10", "2024-02-01"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
}

func TestUpdateCustomerRejectsNegativePoints(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := ownerCtx()

	member, err := svc.LookupCustomerByPhone(ctx, memberPhone)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	points := int64(-1)
	_, err = svc.UpdateCustomer(ctx, member.ID, domain.CustomerUpdateRequest{Points: &points, ConfirmPassword: ownerPass})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}
}

func TestShopsSharingATerminalIDStayApart(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", ownerPass)
	t.Setenv("SEED_STAFF_PASSWORD", staffPass)
	repo := memory.NewSeeded(testShop)
	rec := recorder.New(repo, recorder.WithReceiptCache(cache.NewMemoryReceiptCache(), time.Hour))
	svc := New(repo, rec, Config{DefaultShopID: testShop})

	ctx := staffCtx()
	otherShop := WithActor(context.Background(), domain.Actor{Username: "x", Role: domain.RoleStaff, ShopID: "other-shop"})

	if _, err := svc.OpenTerminal(ctx, "t1", domain.MovementOut); err != nil {
		t.Fatalf("open terminal failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, "t1", domain.AddLineRequest{Code: waterCode, Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.OpenTerminal(otherShop, "t1", domain.MovementIn); err != nil {
		t.Fatalf("other shop open failed: %v", err)
	}
	view, err := svc.TerminalView(otherShop, "t1")
	if err != nil {
		t.Fatalf("other shop view failed: %v", err)
	}
	if view.Kind != domain.MovementIn || len(view.Lines) != 0 {
		t.Fatalf("other shop saw a foreign cart: %+v", view)
	}

	receipt, err := svc.Commit(ctx, "t1", domain.CommitRequest{})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := svc.CloseTerminal(ctx, "t1"); err != nil {
		t.Fatalf("close terminal failed: %v", err)
	}

	cached, err := svc.LastReceipt(ctx, "t1")
	if err != nil {
		t.Fatalf("expected cached receipt after close, got %v", err)
	}
	if cached.Movement.ID != receipt.Movement.ID {
		t.Fatalf("expected receipt %s, got %s", receipt.Movement.ID, cached.Movement.ID)
	}
	if _, err := svc.LastReceipt(otherShop, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected other shop to have no receipt, got %v", err)
	}
	if _, err := svc.TerminalView(otherShop, "t1"); err != nil {
		t.Fatalf("closing one shop's terminal closed the other: %v", err)
	}
}
