package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"stockpos/internal/domain"
	"stockpos/internal/ledger"
	"stockpos/internal/loyalty"
	"stockpos/internal/metrics"
	"stockpos/internal/recorder"
	"stockpos/internal/session"
	"stockpos/internal/store"
)

var (
	ErrForbidden          = errors.New("forbidden role")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrConfirmationFailed = errors.New("password confirmation failed")
)

var phonePattern = regexp.MustCompile(`^[0-9]{10}$`)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	DefaultShopID string
	Sessions      *session.Registry
	Debouncer     *session.Debouncer
	Notifier      recorder.Notifier
	Credentials   CredentialVerifier
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type Service struct {
	repo          store.Repository
	recorder      *recorder.Recorder
	ledger        *ledger.Ledger
	sessions      *session.Registry
	debounce      *session.Debouncer
	notifier      recorder.Notifier
	credentials   CredentialVerifier
	metrics       *metrics.Metrics
	log           zerolog.Logger
	defaultShopID string
}

func New(repo store.Repository, rec *recorder.Recorder, cfg Config) *Service {
	if cfg.DefaultShopID == "" {
		cfg.DefaultShopID = "main-shop"
	}
	if rec == nil {
		rec = recorder.New(repo)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry()
	}
	if cfg.Debouncer == nil {
		cfg.Debouncer = session.NewDebouncer(session.DefaultScanWindow)
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NewBcryptVerifier(repo)
	}
	if cfg.Metrics != nil && cfg.Sessions.OnHeldChange == nil {
		cfg.Sessions.OnHeldChange = cfg.Metrics.SetHeldBills
	}

	return &Service{
		repo:          repo,
		recorder:      rec,
		ledger:        ledger.New(ledger.FromRepository(repo)),
		sessions:      cfg.Sessions,
		debounce:      cfg.Debouncer,
		notifier:      cfg.Notifier,
		credentials:   cfg.Credentials,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.With().Str("component", "service").Logger(),
		defaultShopID: cfg.DefaultShopID,
	}
}

func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.User, error) {
	return s.credentials.Verify(ctx, strings.ToLower(strings.TrimSpace(username)), password)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.shopID(ctx))
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.shopProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// LookupProduct is the manual-entry path; scanned codes go through ScanCode.
func (s *Service) LookupProduct(ctx context.Context, code string) (domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	product, err := s.repo.GetProductByCode(ctx, s.shopID(ctx), code)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		ShopID:         s.shopID(ctx),
		Code:           strings.TrimSpace(req.Code),
		Name:           strings.TrimSpace(req.Name),
		Unit:           strings.TrimSpace(req.Unit),
		SellPriceCents: req.SellPriceCents,
		BuyPriceCents:  req.BuyPriceCents,
		MinStock:       req.MinStock,
	}
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("code=%s,sell=%d,buy=%d", created.Code, created.SellPriceCents, created.BuyPriceCents))
	s.notify(ctx, domain.CollectionProducts)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.shopProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Code != nil {
		updated.Code = strings.TrimSpace(*req.Code)
	}
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.SellPriceCents != nil {
		updated.SellPriceCents = *req.SellPriceCents
	}
	if req.BuyPriceCents != nil {
		updated.BuyPriceCents = *req.BuyPriceCents
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if err := validateProduct(updated); err != nil {
		return domain.Product{}, err
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("code=%s,sell=%d->%d", saved.Code, existing.SellPriceCents, saved.SellPriceCents))
	s.notify(ctx, domain.CollectionProducts)
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return err
	}
	product, err := s.shopProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, product.ID); err != nil {
		return err
	}

	s.logAudit(ctx, "product_delete", "product", product.ID, "code="+product.Code)
	s.notify(ctx, domain.CollectionProducts)
	return nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, s.shopID(ctx))
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.shopCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) LookupCustomerByPhone(ctx context.Context, phone string) (domain.Customer, error) {
	phone, err := normalizePhone(phone)
	if err != nil {
		return domain.Customer{}, err
	}
	customer, err := s.repo.GetCustomerByPhone(ctx, s.shopID(ctx), phone)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) RegisterCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, fmt.Errorf("%w: member name is required", store.ErrInvalidTransaction)
	}
	phone, err := normalizePhone(req.Phone)
	if err != nil {
		return domain.Customer{}, err
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		ShopID: s.shopID(ctx),
		Name:   name,
		Phone:  phone,
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "member_register", "customer", created.ID, "phone="+created.Phone)
	s.notify(ctx, domain.CollectionCustomers)
	return *created, nil
}

// UpdateCustomer edits name and phone freely; touching the point balance needs
// the acting user's password.
func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerUpdateRequest) (domain.Customer, error) {
	existing, err := s.shopCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
		if updated.Name == "" {
			return domain.Customer{}, fmt.Errorf("%w: member name is required", store.ErrInvalidTransaction)
		}
	}
	if req.Phone != nil {
		phone, err := normalizePhone(*req.Phone)
		if err != nil {
			return domain.Customer{}, err
		}
		updated.Phone = phone
	}
	if req.Points != nil && *req.Points != existing.Points {
		if *req.Points < 0 {
			return domain.Customer{}, fmt.Errorf("%w: points must not be negative", store.ErrInvalidTransaction)
		}
		if err := s.confirmPassword(ctx, req.ConfirmPassword); err != nil {
			return domain.Customer{}, err
		}
		updated.Points = *req.Points
	}

	saved, err := s.repo.UpdateCustomer(ctx, updated)
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "member_update", "customer", saved.ID, fmt.Sprintf("phone=%s,points=%d->%d", saved.Phone, existing.Points, saved.Points))
	s.notify(ctx, domain.CollectionCustomers)
	return *saved, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string, confirmPassword string) error {
	customer, err := s.shopCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := s.confirmPassword(ctx, confirmPassword); err != nil {
		return err
	}
	if err := s.repo.DeleteCustomer(ctx, customer.ID); err != nil {
		return err
	}

	s.logAudit(ctx, "member_delete", "customer", customer.ID, fmt.Sprintf("phone=%s,points=%d", customer.Phone, customer.Points))
	s.notify(ctx, domain.CollectionCustomers)
	return nil
}

func (s *Service) GetSettings(ctx context.Context) (domain.Settings, error) {
	return s.repo.GetSettings(ctx, s.shopID(ctx))
}

// UpdateSettings applies to later accruals only; committed movements keep the
// points they were given.
func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (domain.Settings, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.Settings{}, err
	}
	if err := loyalty.ValidateSettings(req.BahtPerPoint, req.PointsExpiryDays); err != nil {
		return domain.Settings{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}

	saved, err := s.repo.SaveSettings(ctx, domain.Settings{
		ShopID:           s.shopID(ctx),
		BahtPerPoint:     req.BahtPerPoint,
		PointsExpiryDays: req.PointsExpiryDays,
	})
	if err != nil {
		return domain.Settings{}, err
	}

	s.logAudit(ctx, "settings_update", "settings", saved.ShopID, fmt.Sprintf("baht_per_point=%s,expiry_days=%d", saved.BahtPerPoint.String(), saved.PointsExpiryDays))
	s.notify(ctx, domain.CollectionSettings)
	return saved, nil
}

func (s *Service) ListStaff(ctx context.Context) ([]domain.User, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx, s.shopID(ctx))
}

func (s *Service) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.User, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.User{}, err
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.User{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrInvalidTransaction)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.User{}, fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidTransaction)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.User{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidTransaction)
	}
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleStaff
	}
	if role != domain.RoleStaff && role != domain.RoleOwner {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidTransaction, req.Role)
	}

	hash, err := s.credentials.Hash(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = username
	}
	created, err := s.repo.CreateUser(ctx, domain.User{
		ShopID:       s.shopID(ctx),
		Name:         name,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "staff_create", "user", created.ID, fmt.Sprintf("username=%s,role=%s", created.Username, created.Role))
	s.notify(ctx, domain.CollectionUsers)
	return *created, nil
}

func (s *Service) DeleteStaff(ctx context.Context, id string, confirmPassword string) error {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return err
	}
	actor, _ := ActorFromContext(ctx)

	user, err := s.repo.GetUser(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if user.ShopID != s.shopID(ctx) {
		return store.ErrNotFound
	}
	if user.ID == actor.UserID || user.Username == actor.Username {
		return fmt.Errorf("%w: cannot delete your own account", store.ErrInvalidTransaction)
	}
	if err := s.confirmPassword(ctx, confirmPassword); err != nil {
		return err
	}
	if err := s.repo.DeleteUser(ctx, user.ID); err != nil {
		return err
	}

	s.logAudit(ctx, "staff_delete", "user", user.ID, "username="+user.Username)
	s.notify(ctx, domain.CollectionUsers)
	return nil
}

func (s *Service) confirmPassword(ctx context.Context, password string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return ErrConfirmationFailed
	}
	if strings.TrimSpace(password) == "" {
		return ErrConfirmationFailed
	}
	if _, err := s.credentials.Verify(ctx, actor.Username, password); err != nil {
		return ErrConfirmationFailed
	}
	return nil
}

func (s *Service) shopProduct(ctx context.Context, id string) (*domain.Product, error) {
	if id == "" {
		return nil, store.ErrInvalidTransaction
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.ShopID != s.shopID(ctx) {
		return nil, store.ErrNotFound
	}
	return product, nil
}

func (s *Service) shopCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if id == "" {
		return nil, store.ErrInvalidTransaction
	}
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if customer.ShopID != s.shopID(ctx) {
		return nil, store.ErrNotFound
	}
	return customer, nil
}

func (s *Service) shopID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.ShopID != "" {
		return actor.ShopID
	}
	return s.defaultShopID
}

func (s *Service) notify(ctx context.Context, collection string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, s.shopID(ctx), collection)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	s.log.Info().
		Str("audit_action", action).
		Str("shop_id", s.shopID(ctx)).
		Str("actor", actor.Username).
		Str("actor_role", actor.Role).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("detail", detail).
		Msg("audit")
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

func validateProduct(p domain.Product) error {
	if p.Code == "" || p.Name == "" {
		return fmt.Errorf("%w: product code and name are required", store.ErrInvalidTransaction)
	}
	if p.SellPriceCents < 0 || p.BuyPriceCents < 0 {
		return fmt.Errorf("%w: prices must not be negative", store.ErrInvalidTransaction)
	}
	if p.MinStock < 0 {
		return fmt.Errorf("%w: minimum stock must not be negative", store.ErrInvalidTransaction)
	}
	return nil
}

func normalizePhone(raw string) (string, error) {
	phone := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: phone must be exactly 10 digits", store.ErrInvalidTransaction)
	}
	return phone, nil
}
