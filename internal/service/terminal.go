package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stockpos/internal/domain"
	"stockpos/internal/recorder"
	"stockpos/internal/session"
	"stockpos/internal/store"
)

var ErrTerminalNotOpen = errors.New("terminal has no open session")

// ScanResult reports a scanner read. Dropped reads were repeats inside the
// debounce window and left the cart untouched.
type ScanResult struct {
	View    session.View `json:"view"`
	Dropped bool         `json:"dropped"`
}

func (s *Service) OpenTerminal(ctx context.Context, terminalID string, kind domain.MovementType) (session.View, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return session.View{}, fmt.Errorf("%w: terminal id is required", store.ErrInvalidTransaction)
	}
	if kind == "" {
		kind = domain.MovementOut
	}
	if !kind.Valid() {
		return session.View{}, fmt.Errorf("%w: unknown movement type %q", store.ErrInvalidTransaction, kind)
	}

	sess, err := s.sessions.Open(s.shopID(ctx), terminalID, kind)
	if err != nil {
		return session.View{}, err
	}
	return sess.View(), nil
}

// CloseTerminal drops the terminal's session along with any unsaved cart.
func (s *Service) CloseTerminal(ctx context.Context, terminalID string) error {
	if _, err := s.terminal(ctx, terminalID); err != nil {
		return err
	}
	return s.sessions.Close(s.shopID(ctx), strings.TrimSpace(terminalID))
}

func (s *Service) TerminalView(ctx context.Context, terminalID string) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.View(), nil
}

func (s *Service) AddLine(ctx context.Context, terminalID string, req domain.AddLineRequest) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}

	var product *domain.Product
	switch {
	case strings.TrimSpace(req.ProductID) != "":
		product, err = s.shopProduct(ctx, strings.TrimSpace(req.ProductID))
	case strings.TrimSpace(req.Code) != "":
		product, err = s.repo.GetProductByCode(ctx, s.shopID(ctx), strings.TrimSpace(req.Code))
	default:
		return session.View{}, fmt.Errorf("%w: product id or code is required", store.ErrInvalidTransaction)
	}
	if err != nil {
		return session.View{}, err
	}

	price := defaultPrice(*product, sess.Kind())
	if req.UnitPriceCents != nil {
		price = *req.UnitPriceCents
	}
	return sess.AddLine(*product, req.Qty, price)
}

// ScanCode adds one unit of the scanned product unless the same code was read on
// this terminal within the debounce window.
func (s *Service) ScanCode(ctx context.Context, terminalID string, code string) (ScanResult, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return ScanResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ScanResult{}, fmt.Errorf("%w: code is required", store.ErrInvalidTransaction)
	}

	if !s.debounce.Allow(s.shopID(ctx)+"/"+strings.TrimSpace(terminalID), code) {
		if s.metrics != nil {
			s.metrics.ScanDropped.Inc()
		}
		return ScanResult{View: sess.View(), Dropped: true}, nil
	}

	product, err := s.repo.GetProductByCode(ctx, s.shopID(ctx), code)
	if err != nil {
		return ScanResult{}, err
	}
	view, err := sess.AddLine(*product, 1, defaultPrice(*product, sess.Kind()))
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{View: view}, nil
}

func (s *Service) RemoveLine(ctx context.Context, terminalID string, index int) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.RemoveLine(index)
}

// SetMember attaches a member by id or phone. An empty request detaches.
func (s *Service) SetMember(ctx context.Context, terminalID string, req domain.MemberAttachRequest) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}

	var member *domain.Customer
	switch {
	case strings.TrimSpace(req.MemberID) != "":
		member, err = s.shopCustomer(ctx, strings.TrimSpace(req.MemberID))
	case strings.TrimSpace(req.Phone) != "":
		var phone string
		phone, err = normalizePhone(req.Phone)
		if err == nil {
			member, err = s.repo.GetCustomerByPhone(ctx, s.shopID(ctx), phone)
		}
	}
	if err != nil {
		return session.View{}, err
	}
	return sess.SetMember(member)
}

func (s *Service) SetNote(ctx context.Context, terminalID string, note string) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.SetNote(strings.TrimSpace(note))
}

func (s *Service) SetPoints(ctx context.Context, terminalID string, points int64) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.SetPointsToUse(points)
}

func (s *Service) Hold(ctx context.Context, terminalID string) (session.HeldBill, error) {
	if _, err := s.terminal(ctx, terminalID); err != nil {
		return session.HeldBill{}, err
	}
	bill, err := s.sessions.Hold(s.shopID(ctx), strings.TrimSpace(terminalID))
	if err != nil {
		return session.HeldBill{}, err
	}
	s.logAudit(ctx, "bill_hold", "held_bill", bill.ID, fmt.Sprintf("terminal=%s,lines=%d,total=%d", bill.TerminalID, len(bill.Lines), bill.TotalCents))
	return bill, nil
}

func (s *Service) ListHeld(ctx context.Context, kind domain.MovementType) []session.HeldBill {
	return s.sessions.Held(s.shopID(ctx), kind)
}

func (s *Service) Recall(ctx context.Context, terminalID string, billID string, confirmDiscard bool) (session.View, error) {
	if _, err := s.terminal(ctx, terminalID); err != nil {
		return session.View{}, err
	}
	view, err := s.sessions.Recall(s.shopID(ctx), strings.TrimSpace(terminalID), strings.TrimSpace(billID), confirmDiscard)
	if err != nil {
		return session.View{}, err
	}
	s.logAudit(ctx, "bill_recall", "held_bill", billID, "terminal="+view.TerminalID)
	return view, nil
}

func (s *Service) DiscardHeld(ctx context.Context, billID string) error {
	if err := s.sessions.Discard(s.shopID(ctx), strings.TrimSpace(billID)); err != nil {
		return err
	}
	s.logAudit(ctx, "bill_discard", "held_bill", billID, "")
	return nil
}

func (s *Service) BeginPayment(ctx context.Context, terminalID string, receivedCents int64) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.BeginPayment(receivedCents)
}

func (s *Service) CancelPayment(ctx context.Context, terminalID string) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.Cancel()
}

func (s *Service) ClearCart(ctx context.Context, terminalID string) (session.View, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return session.View{}, err
	}
	return sess.Clear(), nil
}

// Commit records the terminal's cart as one movement. A sale still in BUILDING
// is moved to PAYMENT first; a provided received amount replaces the staged one.
// On failure the cart stays as it was.
func (s *Service) Commit(ctx context.Context, terminalID string, req domain.CommitRequest) (domain.Receipt, error) {
	sess, err := s.terminal(ctx, terminalID)
	if err != nil {
		return domain.Receipt{}, err
	}

	if sess.Kind() == domain.MovementOut {
		state := sess.State()
		if state == session.StateBuilding || (state == session.StatePayment && req.ReceivedCents != nil) {
			var received int64
			if req.ReceivedCents != nil {
				received = *req.ReceivedCents
			} else if state == session.StatePayment {
				received = sess.View().ReceivedCents
			}
			if _, err := sess.BeginPayment(received); err != nil {
				return domain.Receipt{}, err
			}
		}
	}

	snap, err := sess.BeginCommit()
	if err != nil {
		return domain.Receipt{}, err
	}

	lines := make([]recorder.Line, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		lines = append(lines, recorder.Line{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	actor, _ := ActorFromContext(ctx)
	receipt, err := s.recorder.Record(ctx, recorder.Request{
		ShopID:         snap.ShopID,
		TerminalID:     snap.TerminalID,
		Type:           snap.Kind,
		Lines:          lines,
		MemberID:       snap.MemberID,
		PointsToRedeem: snap.PointsToUse,
		Note:           snap.Note,
		ReceivedCents:  snap.ReceivedCents,
		Actor:          actor.Username,
	})
	if err != nil {
		if failErr := sess.CommitFailed(); failErr != nil {
			s.log.Error().Err(failErr).Str("terminal_id", snap.TerminalID).Msg("failed to reopen cart after rejected commit")
		}
		return domain.Receipt{}, err
	}
	if err := sess.CommitSucceeded(receipt); err != nil {
		return domain.Receipt{}, err
	}

	s.logAudit(ctx, "movement_commit", "movement", receipt.Movement.ID, fmt.Sprintf("doc_no=%s,type=%s,final=%d", receipt.Movement.DocNo, receipt.Movement.Type, receipt.Movement.FinalCents))
	return receipt, nil
}

// LastReceipt prefers the in-process session copy and falls back to the receipt
// cache, which survives restarts when Redis backs it.
func (s *Service) LastReceipt(ctx context.Context, terminalID string) (domain.Receipt, error) {
	terminalID = strings.TrimSpace(terminalID)
	shopID := s.shopID(ctx)
	if sess, ok := s.sessions.Get(shopID, terminalID); ok {
		if receipt, ok := sess.LastReceipt(); ok && receipt.Movement.ShopID == shopID {
			return receipt, nil
		}
	}

	receipt, ok, err := s.recorder.LastReceipt(ctx, shopID, terminalID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if !ok || receipt.Movement.ShopID != shopID {
		return domain.Receipt{}, store.ErrNotFound
	}
	return *receipt, nil
}

func (s *Service) terminal(ctx context.Context, terminalID string) (*session.Session, error) {
	sess, ok := s.sessions.Get(s.shopID(ctx), strings.TrimSpace(terminalID))
	if !ok {
		return nil, ErrTerminalNotOpen
	}
	return sess, nil
}

func defaultPrice(product domain.Product, kind domain.MovementType) int64 {
	if kind == domain.MovementIn {
		return product.BuyPriceCents
	}
	return product.SellPriceCents
}
