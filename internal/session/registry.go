package session

import (
	"sort"
	"sync"
	"time"

	"stockpos/internal/domain"
	"stockpos/internal/xid"
)

// terminalKey scopes a terminal id to its shop: two shops may both run "t1".
type terminalKey struct {
	shopID     string
	terminalID string
}

// Registry owns every terminal session in the process and the held-bill set of
// each shop. Held bills are removed under the registry lock, so a bill can be
// recalled at most once.
type Registry struct {
	mu       sync.Mutex
	sessions map[terminalKey]*Session
	held     map[string][]HeldBill
	now      func() time.Time

	// OnHeldChange, when set, receives the held-bill count of a shop after it changes.
	OnHeldChange func(shopID string, count int)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[terminalKey]*Session{},
		held:     map[string][]HeldBill{},
		now:      time.Now,
	}
}

// Open returns the shop terminal's session, creating it on first use. An idle
// empty session is re-targeted to the requested kind.
func (r *Registry) Open(shopID string, terminalID string, kind domain.MovementType) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := terminalKey{shopID: shopID, terminalID: terminalID}
	s, ok := r.sessions[key]
	if !ok {
		s = New(shopID, terminalID, kind)
		r.sessions[key] = s
		return s, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == kind {
		return s, nil
	}
	if len(s.lines) > 0 || s.state == StateCommitting || s.state == StatePayment {
		return nil, ErrSessionBusy
	}
	s.kind = kind
	s.resetLocked()
	s.lastReceipt = nil
	return s, nil
}

func (r *Registry) Get(shopID string, terminalID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[terminalKey{shopID: shopID, terminalID: terminalID}]
	return s, ok
}

// Close drops the terminal's session. A session mid-commit stays open.
func (r *Registry) Close(shopID string, terminalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := terminalKey{shopID: shopID, terminalID: terminalID}
	s, ok := r.sessions[key]
	if !ok {
		return ErrInvalidState
	}
	if s.State() == StateCommitting {
		return ErrInvalidState
	}
	delete(r.sessions, key)
	return nil
}

// Hold parks the terminal's cart in its shop's held-bill set.
func (r *Registry) Hold(shopID string, terminalID string) (HeldBill, error) {
	s, ok := r.Get(shopID, terminalID)
	if !ok {
		return HeldBill{}, ErrInvalidState
	}
	bill, err := s.Hold(xid.New("HOLD"), r.now())
	if err != nil {
		return HeldBill{}, err
	}

	r.mu.Lock()
	r.held[bill.ShopID] = append(r.held[bill.ShopID], bill)
	count := len(r.held[bill.ShopID])
	r.mu.Unlock()

	r.notifyHeld(bill.ShopID, count)
	return bill, nil
}

// Held lists a shop's parked bills, oldest first. Kind filters when non-empty.
func (r *Registry) Held(shopID string, kind domain.MovementType) []HeldBill {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HeldBill, 0, len(r.held[shopID]))
	for _, bill := range r.held[shopID] {
		if kind != "" && bill.Kind != kind {
			continue
		}
		out = append(out, bill)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HeldAt.Before(out[j].HeldAt)
	})
	return out
}

// Recall loads a held bill into the terminal's session and drops it from the set.
func (r *Registry) Recall(shopID string, terminalID string, billID string, confirmDiscard bool) (View, error) {
	s, ok := r.Get(shopID, terminalID)
	if !ok {
		return View{}, ErrInvalidState
	}

	r.mu.Lock()
	bills := r.held[shopID]
	idx := -1
	for i := range bills {
		if bills[i].ID == billID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return View{}, ErrHeldBillNotFound
	}

	view, err := s.Recall(bills[idx], confirmDiscard)
	if err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	r.held[shopID] = append(bills[:idx:idx], bills[idx+1:]...)
	count := len(r.held[shopID])
	r.mu.Unlock()

	r.notifyHeld(shopID, count)
	return view, nil
}

// Discard drops a held bill without loading it.
func (r *Registry) Discard(shopID string, billID string) error {
	r.mu.Lock()
	bills := r.held[shopID]
	for i := range bills {
		if bills[i].ID == billID {
			r.held[shopID] = append(bills[:i:i], bills[i+1:]...)
			count := len(r.held[shopID])
			r.mu.Unlock()
			r.notifyHeld(shopID, count)
			return nil
		}
	}
	r.mu.Unlock()
	return ErrHeldBillNotFound
}

func (r *Registry) notifyHeld(shopID string, count int) {
	if r.OnHeldChange != nil {
		r.OnHeldChange(shopID, count)
	}
}
