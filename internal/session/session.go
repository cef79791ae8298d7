// Package session stages terminal carts before they are committed. Nothing in
// here is durable: held bills live only as long as the process.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"stockpos/internal/domain"
	"stockpos/internal/loyalty"
)

type State string

const (
	StateBuilding   State = "BUILDING"
	StatePayment    State = "PAYMENT"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
)

var (
	ErrInvalidQty        = errors.New("quantity must be at least 1")
	ErrInvalidPrice      = errors.New("price must not be negative")
	ErrExceedsStock      = errors.New("quantity exceeds known stock")
	ErrLineIndex         = errors.New("line index out of range")
	ErrEmptyCart         = errors.New("cart has no lines")
	ErrConfirmDiscard    = errors.New("active cart has lines; confirm discard to recall")
	ErrHeldBillNotFound  = errors.New("held bill not found")
	ErrKindMismatch      = errors.New("held bill belongs to a different terminal kind")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrCommitInFlight    = errors.New("commit already in progress")
	ErrMemberOnlyForSale = errors.New("members can only be attached to sales")
	ErrInsufficientCash  = errors.New("received amount is less than payable total")
	ErrSessionBusy       = errors.New("terminal has an open cart of another kind")
)

// Session is the cart of one terminal. All methods are safe for concurrent use;
// state transitions serialize on the session lock.
type Session struct {
	mu sync.Mutex

	terminalID    string
	shopID        string
	kind          domain.MovementType
	state         State
	lines         []domain.LineItem
	stock         map[string]int
	member        *domain.Customer
	pointsToUse   int64
	note          string
	receivedCents int64
	lastReceipt   *domain.Receipt
}

// View is a copy of the session for presentation.
type View struct {
	TerminalID    string              `json:"terminal_id"`
	ShopID        string              `json:"shop_id"`
	Kind          domain.MovementType `json:"kind"`
	State         State               `json:"state"`
	Lines         []domain.LineItem   `json:"lines"`
	Member        *domain.Customer    `json:"member,omitempty"`
	PointsToUse   int64               `json:"points_to_use"`
	MaxRedeemable int64               `json:"max_redeemable"`
	Note          string              `json:"note,omitempty"`
	TotalCents    int64               `json:"total_cents"`
	FinalCents    int64               `json:"final_cents"`
	ReceivedCents int64               `json:"received_cents,omitempty"`
	ChangeCents   int64               `json:"change_cents,omitempty"`
}

// Snapshot is what a commit needs from the cart.
type Snapshot struct {
	TerminalID    string
	ShopID        string
	Kind          domain.MovementType
	Lines         []domain.LineItem
	MemberID      string
	PointsToUse   int64
	Note          string
	ReceivedCents int64
}

// HeldBill is a parked cart.
type HeldBill struct {
	ID          string              `json:"id"`
	ShopID      string              `json:"shop_id"`
	TerminalID  string              `json:"terminal_id"`
	Kind        domain.MovementType `json:"kind"`
	Lines       []domain.LineItem   `json:"lines"`
	Member      *domain.Customer    `json:"member,omitempty"`
	MemberID    string              `json:"member_id,omitempty"`
	PointsToUse int64               `json:"points_to_use"`
	Note        string              `json:"note,omitempty"`
	TotalCents  int64               `json:"total_cents"`
	HeldAt      time.Time           `json:"held_at"`

	stock map[string]int
}

func New(shopID string, terminalID string, kind domain.MovementType) *Session {
	return &Session{
		terminalID: terminalID,
		shopID:     shopID,
		kind:       kind,
		state:      StateBuilding,
		stock:      map[string]int{},
	}
}

func (s *Session) Kind() domain.MovementType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) LastReceipt() (domain.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReceipt == nil {
		return domain.Receipt{}, false
	}
	return *s.lastReceipt, true
}

// AddLine merges qty into the line for product, appending a line when absent.
// Sales reject a cumulative quantity above the product's known stock.
func (s *Session) AddLine(product domain.Product, qty int, priceCents int64) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	if qty < 1 {
		return View{}, ErrInvalidQty
	}
	if priceCents < 0 {
		return View{}, ErrInvalidPrice
	}

	idx := -1
	for i := range s.lines {
		if s.lines[i].ProductID == product.ID {
			idx = i
			break
		}
	}

	cumulative := qty
	if idx >= 0 {
		cumulative += s.lines[idx].Qty
	}
	if s.kind == domain.MovementOut && cumulative > product.Stock {
		return View{}, fmt.Errorf("%w: %s has %d, cart wants %d", ErrExceedsStock, product.Code, product.Stock, cumulative)
	}

	s.stock[product.ID] = product.Stock
	if idx >= 0 {
		s.lines[idx].Qty = cumulative
		s.lines[idx].UnitPriceCents = priceCents
		s.lines[idx].LineTotalCents = int64(cumulative) * priceCents
	} else {
		s.lines = append(s.lines, domain.LineItem{
			ProductID:      product.ID,
			Code:           product.Code,
			Name:           product.Name,
			Qty:            qty,
			UnitPriceCents: priceCents,
			LineTotalCents: int64(qty) * priceCents,
			Unit:           product.Unit,
		})
	}
	s.reclampLocked()
	return s.viewLocked(), nil
}

func (s *Session) RemoveLine(index int) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	if index < 0 || index >= len(s.lines) {
		return View{}, ErrLineIndex
	}
	delete(s.stock, s.lines[index].ProductID)
	s.lines = append(s.lines[:index], s.lines[index+1:]...)
	s.reclampLocked()
	return s.viewLocked(), nil
}

// SetMember attaches a member to a sale; nil detaches it and drops redemption.
func (s *Session) SetMember(member *domain.Customer) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	if member != nil && s.kind != domain.MovementOut {
		return View{}, ErrMemberOnlyForSale
	}
	if member == nil {
		s.member = nil
		s.pointsToUse = 0
		return s.viewLocked(), nil
	}
	copied := *member
	s.member = &copied
	s.reclampLocked()
	return s.viewLocked(), nil
}

func (s *Session) SetNote(note string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	s.note = note
	return s.viewLocked(), nil
}

// SetPointsToUse stores the request clamped to [0, min(points, total)].
func (s *Session) SetPointsToUse(points int64) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	if s.member == nil {
		s.pointsToUse = 0
		return s.viewLocked(), nil
	}
	s.pointsToUse = loyalty.Clamp(points, s.member.Points, s.totalLocked())
	return s.viewLocked(), nil
}

// Clear empties the cart and detaches member, note and redemption.
func (s *Session) Clear() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCommitting {
		s.resetLocked()
	}
	return s.viewLocked()
}

// Hold parks the cart and resets the session to an empty BUILDING cart.
func (s *Session) Hold(id string, at time.Time) (HeldBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return HeldBill{}, err
	}
	if len(s.lines) == 0 {
		return HeldBill{}, ErrEmptyCart
	}

	bill := HeldBill{
		ID:          id,
		ShopID:      s.shopID,
		TerminalID:  s.terminalID,
		Kind:        s.kind,
		Lines:       append([]domain.LineItem(nil), s.lines...),
		PointsToUse: s.pointsToUse,
		Note:        s.note,
		TotalCents:  s.totalLocked(),
		HeldAt:      at,
		stock:       copyStock(s.stock),
	}
	if s.member != nil {
		member := *s.member
		bill.Member = &member
		bill.MemberID = member.ID
	}

	s.resetLocked()
	return bill, nil
}

// Recall replaces the cart with a held bill. A non-empty cart is only discarded
// when confirmDiscard is set.
func (s *Session) Recall(bill HeldBill, confirmDiscard bool) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editableLocked(); err != nil {
		return View{}, err
	}
	if bill.Kind != s.kind {
		return View{}, ErrKindMismatch
	}
	if len(s.lines) > 0 && !confirmDiscard {
		return View{}, ErrConfirmDiscard
	}

	s.resetLocked()
	s.lines = append([]domain.LineItem(nil), bill.Lines...)
	s.stock = copyStock(bill.stock)
	if bill.Member != nil {
		member := *bill.Member
		s.member = &member
	}
	s.pointsToUse = bill.PointsToUse
	s.note = bill.Note
	return s.viewLocked(), nil
}

// BeginPayment moves a sale into PAYMENT. A zero receivedCents means exact cash.
func (s *Session) BeginPayment(receivedCents int64) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != domain.MovementOut {
		return View{}, ErrInvalidState
	}
	if s.state != StateBuilding && s.state != StatePayment {
		return View{}, ErrInvalidState
	}
	if len(s.lines) == 0 {
		return View{}, ErrEmptyCart
	}
	if receivedCents < 0 {
		return View{}, ErrInsufficientCash
	}
	final := s.finalLocked()
	if receivedCents > 0 && receivedCents < final {
		return View{}, fmt.Errorf("%w: received %d, payable %d", ErrInsufficientCash, receivedCents, final)
	}
	s.receivedCents = receivedCents
	s.state = StatePayment
	return s.viewLocked(), nil
}

// Cancel returns a PAYMENT session to BUILDING with the cart untouched.
func (s *Session) Cancel() (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCommitting:
		return View{}, ErrCommitInFlight
	case StatePayment:
		s.receivedCents = 0
		s.state = StateBuilding
	}
	return s.viewLocked(), nil
}

// BeginCommit marks the commit in flight and hands back the cart contents.
// Sales must be in PAYMENT, intake in BUILDING.
func (s *Session) BeginCommit() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCommitting {
		return Snapshot{}, ErrCommitInFlight
	}
	want := StateBuilding
	if s.kind == domain.MovementOut {
		want = StatePayment
	}
	if s.state != want {
		return Snapshot{}, ErrInvalidState
	}
	if len(s.lines) == 0 {
		return Snapshot{}, ErrEmptyCart
	}

	snap := Snapshot{
		TerminalID:    s.terminalID,
		ShopID:        s.shopID,
		Kind:          s.kind,
		Lines:         append([]domain.LineItem(nil), s.lines...),
		PointsToUse:   s.pointsToUse,
		Note:          s.note,
		ReceivedCents: s.receivedCents,
	}
	if s.member != nil {
		snap.MemberID = s.member.ID
	}
	s.state = StateCommitting
	return snap, nil
}

func (s *Session) CommitSucceeded(receipt domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCommitting {
		return ErrInvalidState
	}
	s.resetLocked()
	s.lastReceipt = &receipt
	s.state = StateCommitted
	return nil
}

// CommitFailed leaves the cart intact for the operator to retry or adjust.
func (s *Session) CommitFailed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCommitting {
		return ErrInvalidState
	}
	s.receivedCents = 0
	s.state = StateBuilding
	return nil
}

func (s *Session) editableLocked() error {
	switch s.state {
	case StateBuilding:
		return nil
	case StateCommitted:
		s.state = StateBuilding
		return nil
	case StateCommitting:
		return ErrCommitInFlight
	default:
		return ErrInvalidState
	}
}

func (s *Session) resetLocked() {
	s.lines = nil
	s.stock = map[string]int{}
	s.member = nil
	s.pointsToUse = 0
	s.note = ""
	s.receivedCents = 0
	s.state = StateBuilding
}

func (s *Session) reclampLocked() {
	if s.member == nil {
		s.pointsToUse = 0
		return
	}
	s.pointsToUse = loyalty.Clamp(s.pointsToUse, s.member.Points, s.totalLocked())
}

func (s *Session) totalLocked() int64 {
	var total int64
	for _, line := range s.lines {
		total += line.LineTotalCents
	}
	return total
}

func (s *Session) finalLocked() int64 {
	return s.totalLocked() - loyalty.DiscountCents(s.pointsToUse)
}

func (s *Session) viewLocked() View {
	v := View{
		TerminalID:    s.terminalID,
		ShopID:        s.shopID,
		Kind:          s.kind,
		State:         s.state,
		Lines:         append([]domain.LineItem{}, s.lines...),
		PointsToUse:   s.pointsToUse,
		Note:          s.note,
		TotalCents:    s.totalLocked(),
		FinalCents:    s.finalLocked(),
		ReceivedCents: s.receivedCents,
	}
	if s.member != nil {
		member := *s.member
		v.Member = &member
		v.MaxRedeemable = loyalty.MaxRedeemable(member.Points, v.TotalCents)
	}
	if s.receivedCents > 0 {
		v.ChangeCents = s.receivedCents - v.FinalCents
	}
	return v
}

func copyStock(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
