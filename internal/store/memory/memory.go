package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"stockpos/internal/domain"
	"stockpos/internal/store"
	"stockpos/internal/xid"
)

type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	customers map[string]domain.Customer
	movements map[string]domain.Movement
	users     map[string]domain.User
	settings  map[string]domain.Settings
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		movements: make(map[string]domain.Movement),
		users:     make(map[string]domain.User),
		settings:  make(map[string]domain.Settings),
	}
}

// seedUsers builds the demo owner and staff accounts. Passwords come from
// SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD; unset values fall back to dev
// defaults with a warning. The memory store is never used in production.
func seedUsers(shopID string, now time.Time) []domain.User {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	users := make([]domain.User, 0, 2)
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
		email    string
	}{
		{"owner", "Shop Owner", ownerPwd, domain.RoleOwner, "owner@example.com"},
		{"staff", "Front Counter", staffPwd, domain.RoleStaff, ""},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users = append(users, domain.User{
			ID:           xid.New("usr"),
			ShopID:       shopID,
			Name:         u.name,
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			OwnerEmail:   u.email,
			Active:       true,
			CreatedAt:    now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo shop: catalog, one member and two accounts.
// Opening stock is recorded as an intake movement so the ledger and the cached
// counters agree from the start.
func NewSeeded(shopID string) *Store {
	if shopID == "" {
		shopID = "main-shop"
	}
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{Code: "8850999320014", Name: "Drinking Water 600ml", Unit: "bottle", SellPriceCents: 700, BuyPriceCents: 450, MinStock: 24},
		{Code: "8850987101014", Name: "Instant Noodles Tom Yum", Unit: "pack", SellPriceCents: 600, BuyPriceCents: 420, MinStock: 30},
		{Code: "8851019010014", Name: "Jasmine Rice 5kg", Unit: "bag", SellPriceCents: 18500, BuyPriceCents: 15000, MinStock: 5},
		{Code: "8850329110014", Name: "Fish Sauce 700ml", Unit: "bottle", SellPriceCents: 3500, BuyPriceCents: 2600, MinStock: 6},
		{Code: "8858998581016", Name: "Fresh Eggs (10)", Unit: "tray", SellPriceCents: 5500, BuyPriceCents: 4400, MinStock: 8},
		{Code: "8850006320015", Name: "Dish Soap 500ml", Unit: "bottle", SellPriceCents: 2900, BuyPriceCents: 2000, MinStock: 4},
		{Code: "8850157400014", Name: "Canned Coffee", Unit: "can", SellPriceCents: 1500, BuyPriceCents: 1000, MinStock: 12},
		{Code: "8850228000014", Name: "Potato Chips", Unit: "bag", SellPriceCents: 2000, BuyPriceCents: 1300, MinStock: 10},
	}

	opening := domain.Movement{
		ID:        xid.New("mov"),
		ShopID:    shopID,
		Type:      domain.MovementIn,
		DocNo:     xid.DocNo(domain.MovementIn, now),
		Note:      "opening stock",
		CreatedBy: "seed",
		CreatedAt: now,
	}
	for _, p := range products {
		p.ID = xid.New("prd")
		p.ShopID = shopID
		p.Stock = 60
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p

		line := domain.LineItem{
			ProductID:      p.ID,
			Code:           p.Code,
			Name:           p.Name,
			Qty:            p.Stock,
			UnitPriceCents: p.BuyPriceCents,
			LineTotalCents: int64(p.Stock) * p.BuyPriceCents,
			Unit:           p.Unit,
		}
		opening.Items = append(opening.Items, line)
		opening.TotalCents += line.LineTotalCents
	}
	opening.FinalCents = opening.TotalCents
	s.movements[opening.ID] = opening

	member := domain.Customer{
		ID:        xid.New("cus"),
		ShopID:    shopID,
		Name:      "Somchai Jaidee",
		Phone:     "0812345678",
		Points:    100,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.customers[member.ID] = member

	for _, u := range seedUsers(shopID, now) {
		s.users[u.ID] = u
	}
	s.settings[shopID] = domain.DefaultSettings(shopID)

	return s
}

func (s *Store) ListProducts(_ context.Context, shopID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.ShopID != shopID {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.Code, b.Code)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductByCode(_ context.Context, shopID string, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.ShopID == shopID && p.Code == code {
			found := p
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ShopID == "" || product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if product.SellPriceCents < 0 || product.BuyPriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if s.productCodeTakenLocked(product.ShopID, product.Code, "") {
		return nil, store.ErrDuplicate
	}

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Stock = 0
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	created := product
	return &created, nil
}

// UpdateProduct never writes Stock; the stored counter is kept.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Code == "" || product.Name == "" || product.SellPriceCents < 0 || product.BuyPriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if s.productCodeTakenLocked(existing.ShopID, product.Code, product.ID) {
		return nil, store.ErrDuplicate
	}

	existing.Code = product.Code
	existing.Name = product.Name
	existing.Unit = product.Unit
	existing.SellPriceCents = product.SellPriceCents
	existing.BuyPriceCents = product.BuyPriceCents
	existing.MinStock = product.MinStock
	existing.UpdatedAt = time.Now().UTC()
	s.products[existing.ID] = existing
	updated := existing
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListCustomers(_ context.Context, shopID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.ShopID == shopID {
			customers = append(customers, c)
		}
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) GetCustomerByPhone(_ context.Context, shopID string, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.ShopID == shopID && c.Phone == phone {
			found := c
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ShopID == "" || customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidTransaction
	}
	if s.phoneTakenLocked(customer.ShopID, customer.Phone, "") {
		return nil, store.ErrDuplicate
	}

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.customers[customer.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidTransaction
	}
	if s.phoneTakenLocked(existing.ShopID, customer.Phone, customer.ID) {
		return nil, store.ErrDuplicate
	}

	existing.Name = customer.Name
	existing.Phone = customer.Phone
	existing.Points = customer.Points
	existing.UpdatedAt = time.Now().UTC()
	s.customers[existing.ID] = existing
	updated := existing
	return &updated, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

func (s *Store) ListMovements(_ context.Context, shopID string, from time.Time, to time.Time) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.Movement, 0, len(s.movements))
	for _, m := range s.movements {
		if m.ShopID != shopID {
			continue
		}
		if !from.IsZero() && m.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !m.CreatedAt.Before(to) {
			continue
		}
		movements = append(movements, cloneMovement(m))
	}
	slices.SortFunc(movements, func(a, b domain.Movement) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return movements, nil
}

func (s *Store) GetMovement(_ context.Context, id string) (*domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.movements[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	cloned := cloneMovement(m)
	return &cloned, nil
}

// CommitMovement checks every precondition against live state before applying
// any write, all under the store lock.
func (s *Store) CommitMovement(_ context.Context, plan domain.CommitPlan) (*domain.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := plan.Movement
	if !m.Type.Valid() || len(m.Items) == 0 || len(plan.StockDeltas) == 0 || m.ShopID == "" {
		return nil, store.ErrInvalidTransaction
	}

	net := make(map[string]int, len(plan.StockDeltas))
	for _, d := range plan.StockDeltas {
		if d.Delta == 0 {
			return nil, store.ErrInvalidTransaction
		}
		if (m.Type == domain.MovementOut) != (d.Delta < 0) {
			return nil, store.ErrInvalidTransaction
		}
		net[d.ProductID] += d.Delta
	}
	for productID, delta := range net {
		product, exists := s.products[productID]
		if !exists || product.ShopID != m.ShopID {
			return nil, store.ErrNotFound
		}
		if product.Stock+delta < 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	var member domain.Customer
	if plan.MemberID != "" {
		if m.Type != domain.MovementOut {
			return nil, store.ErrInvalidTransaction
		}
		c, exists := s.customers[plan.MemberID]
		if !exists || c.ShopID != m.ShopID {
			return nil, store.ErrNotFound
		}
		if c.Points < m.PointsRedeemed || c.Points+plan.PointsDelta < 0 {
			return nil, store.ErrInsufficientPoints
		}
		member = c
	} else if m.PointsRedeemed != 0 || plan.PointsDelta != 0 {
		return nil, store.ErrInvalidTransaction
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if _, exists := s.movements[m.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.MemberID = plan.MemberID

	for productID, delta := range net {
		product := s.products[productID]
		product.Stock += delta
		product.UpdatedAt = now
		s.products[productID] = product
	}
	s.movements[m.ID] = cloneMovement(m)

	result := &domain.CommitResult{Movement: cloneMovement(m)}
	if plan.MemberID != "" {
		member.Points += plan.PointsDelta
		member.UpdatedAt = now
		s.customers[member.ID] = member
		updated := member
		result.Member = &updated
	}
	return result, nil
}

func (s *Store) ListUsers(_ context.Context, shopID string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		if u.ShopID == shopID {
			users = append(users, u)
		}
	}
	slices.SortFunc(users, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			found := u
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.PasswordHash == "" || user.ShopID == "" {
		return nil, store.ErrInvalidTransaction
	}
	for _, u := range s.users {
		if u.Username == user.Username {
			return nil, store.ErrDuplicate
		}
	}

	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	created := user
	return &created, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.users[user.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidTransaction
	}
	for _, u := range s.users {
		if u.ID != user.ID && u.Username == user.Username {
			return nil, store.ErrDuplicate
		}
	}

	user.ShopID = existing.ShopID
	user.CreatedAt = existing.CreatedAt
	s.users[user.ID] = user
	updated := user
	return &updated, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *Store) GetSettings(_ context.Context, shopID string) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, exists := s.settings[shopID]
	if !exists {
		return domain.DefaultSettings(shopID), nil
	}
	return settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings domain.Settings) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.ShopID == "" {
		return domain.Settings{}, store.ErrInvalidTransaction
	}
	settings.UpdatedAt = time.Now().UTC()
	s.settings[settings.ShopID] = settings
	return settings, nil
}

func (s *Store) RepairStock(_ context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	product.Stock = qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return nil
}

func (s *Store) productCodeTakenLocked(shopID string, code string, exceptID string) bool {
	for _, p := range s.products {
		if p.ShopID == shopID && p.Code == code && p.ID != exceptID {
			return true
		}
	}
	return false
}

func (s *Store) phoneTakenLocked(shopID string, phone string, exceptID string) bool {
	for _, c := range s.customers {
		if c.ShopID == shopID && c.Phone == phone && c.ID != exceptID {
			return true
		}
	}
	return false
}

func cloneMovement(src domain.Movement) domain.Movement {
	dst := src
	dst.Items = append([]domain.LineItem(nil), src.Items...)
	return dst
}
