package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"stockpos/internal/domain"
	"stockpos/internal/store"
	"stockpos/internal/xid"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// NUMERIC columns scan straight into shopspring decimals on every pooled connection.
	sqlDB := stdlib.OpenDB(*connConfig, stdlib.OptionAfterConnect(func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}))
	db := sqlx.NewDb(sqlDB, "pgx")

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, shop_id, code, name, unit, sell_price_cents, buy_price_cents, min_stock, stock, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context, shopID string) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE shop_id = $1
		ORDER BY name, code
	`, shopID)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (s *Store) GetProductByCode(ctx context.Context, shopID string, code string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT `+productColumns+`
		FROM products
		WHERE shop_id = $1 AND code = $2
	`, shopID, code)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ShopID == "" || product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if product.SellPriceCents < 0 || product.BuyPriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Stock = 0
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (:id, :shop_id, :code, :name, :unit, :sell_price_cents, :buy_price_cents, :min_stock, :stock, :created_at, :updated_at)
	`, product)
	if err != nil {
		return nil, mapError(err)
	}

	created := product
	return &created, nil
}

// UpdateProduct never touches the stock column.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" || product.SellPriceCents < 0 || product.BuyPriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	var updated domain.Product
	err := s.db.GetContext(ctx, &updated, `
		UPDATE products
		SET code = $2, name = $3, unit = $4, sell_price_cents = $5, buy_price_cents = $6, min_stock = $7, updated_at = $8
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Code, product.Name, product.Unit, product.SellPriceCents, product.BuyPriceCents, product.MinStock, time.Now().UTC())
	if err != nil {
		return nil, mapError(notFound(err))
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `DELETE FROM products WHERE id = $1`, id)
}

const customerColumns = `id, shop_id, name, phone, points, created_at, updated_at`

func (s *Store) ListCustomers(ctx context.Context, shopID string) ([]domain.Customer, error) {
	customers := make([]domain.Customer, 0, 64)
	err := s.db.SelectContext(ctx, &customers, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE shop_id = $1
		ORDER BY name, phone
	`, shopID)
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	if err := s.db.GetContext(ctx, &customer, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &customer, nil
}

func (s *Store) GetCustomerByPhone(ctx context.Context, shopID string, phone string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.GetContext(ctx, &customer, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE shop_id = $1 AND phone = $2
	`, shopID, phone)
	if err != nil {
		return nil, notFound(err)
	}
	return &customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ShopID == "" || customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidTransaction
	}

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (:id, :shop_id, :name, :phone, :points, :created_at, :updated_at)
	`, customer)
	if err != nil {
		return nil, mapError(err)
	}

	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidTransaction
	}

	var updated domain.Customer
	err := s.db.GetContext(ctx, &updated, `
		UPDATE customers
		SET name = $2, phone = $3, points = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+customerColumns,
		customer.ID, customer.Name, customer.Phone, customer.Points, time.Now().UTC())
	if err != nil {
		return nil, mapError(notFound(err))
	}
	return &updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `DELETE FROM customers WHERE id = $1`, id)
}

type movementRow struct {
	ID             string              `db:"id"`
	ShopID         string              `db:"shop_id"`
	Type           domain.MovementType `db:"type"`
	DocNo          string              `db:"doc_no"`
	TotalCents     int64               `db:"total_cents"`
	PointsRedeemed int64               `db:"points_redeemed"`
	PointsEarned   int64               `db:"points_earned"`
	FinalCents     int64               `db:"final_cents"`
	ReceivedCents  int64               `db:"received_cents"`
	ChangeCents    int64               `db:"change_cents"`
	Note           string              `db:"note"`
	MemberID       sql.NullString      `db:"member_id"`
	CreatedBy      string              `db:"created_by"`
	CreatedAt      time.Time           `db:"created_at"`
}

func (r movementRow) toDomain() domain.Movement {
	return domain.Movement{
		ID:             r.ID,
		ShopID:         r.ShopID,
		Type:           r.Type,
		DocNo:          r.DocNo,
		TotalCents:     r.TotalCents,
		PointsRedeemed: r.PointsRedeemed,
		PointsEarned:   r.PointsEarned,
		FinalCents:     r.FinalCents,
		ReceivedCents:  r.ReceivedCents,
		ChangeCents:    r.ChangeCents,
		Note:           r.Note,
		MemberID:       r.MemberID.String,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type itemRow struct {
	MovementID     string `db:"movement_id"`
	ProductID      string `db:"product_id"`
	Code           string `db:"code"`
	Name           string `db:"name"`
	Unit           string `db:"unit"`
	Qty            int    `db:"qty"`
	UnitPriceCents int64  `db:"unit_price_cents"`
	LineTotalCents int64  `db:"line_total_cents"`
}

const movementColumns = `id, shop_id, type, doc_no, total_cents, points_redeemed, points_earned, final_cents, received_cents, change_cents, note, member_id, created_by, created_at`

func (s *Store) ListMovements(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM movements WHERE shop_id = $1`
	args := []any{shopID}
	if !from.IsZero() {
		args = append(args, from)
		query += ` AND created_at >= $2`
	}
	if !to.IsZero() {
		args = append(args, to)
		if from.IsZero() {
			query += ` AND created_at < $2`
		} else {
			query += ` AND created_at < $3`
		}
	}
	query += ` ORDER BY created_at, id`

	rows := make([]movementRow, 0, 128)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.Movement{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	movements := make([]domain.Movement, 0, len(rows))
	for _, r := range rows {
		m := r.toDomain()
		m.Items = items[r.ID]
		movements = append(movements, m)
	}
	return movements, nil
}

func (s *Store) GetMovement(ctx context.Context, id string) (*domain.Movement, error) {
	var row movementRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+movementColumns+` FROM movements WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	items, err := s.loadItems(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m := row.toDomain()
	m.Items = items[id]
	return &m, nil
}

func (s *Store) loadItems(ctx context.Context, movementIDs []string) (map[string][]domain.LineItem, error) {
	query, args, err := sqlx.In(`
		SELECT movement_id, product_id, code, name, unit, qty, unit_price_cents, line_total_cents
		FROM movement_items
		WHERE movement_id IN (?)
		ORDER BY movement_id, line_no
	`, movementIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]itemRow, 0, len(movementIDs)*4)
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	items := make(map[string][]domain.LineItem, len(movementIDs))
	for _, r := range rows {
		items[r.MovementID] = append(items[r.MovementID], domain.LineItem{
			ProductID:      r.ProductID,
			Code:           r.Code,
			Name:           r.Name,
			Qty:            r.Qty,
			UnitPriceCents: r.UnitPriceCents,
			LineTotalCents: r.LineTotalCents,
			Unit:           r.Unit,
		})
	}
	return items, nil
}

// CommitMovement runs the whole plan in one SERIALIZABLE transaction. Product
// rows and the member row are locked before stock and points are re-checked,
// so a concurrent commit either waits or is aborted with ErrConflict.
func (s *Store) CommitMovement(ctx context.Context, plan domain.CommitPlan) (*domain.CommitResult, error) {
	m := plan.Movement
	if !m.Type.Valid() || len(m.Items) == 0 || len(plan.StockDeltas) == 0 || m.ShopID == "" {
		return nil, store.ErrInvalidTransaction
	}

	net := make(map[string]int, len(plan.StockDeltas))
	for _, d := range plan.StockDeltas {
		if d.Delta == 0 || (m.Type == domain.MovementOut) != (d.Delta < 0) {
			return nil, store.ErrInvalidTransaction
		}
		net[d.ProductID] += d.Delta
	}
	if plan.MemberID != "" && m.Type != domain.MovementOut {
		return nil, store.ErrInvalidTransaction
	}
	if plan.MemberID == "" && (m.PointsRedeemed != 0 || plan.PointsDelta != 0) {
		return nil, store.ErrInvalidTransaction
	}

	// Lock in a stable order so two commits touching the same products cannot deadlock.
	productIDs := make([]string, 0, len(net))
	for id := range net {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range productIDs {
		var locked struct {
			ShopID string `db:"shop_id"`
			Stock  int    `db:"stock"`
		}
		err := tx.GetContext(ctx, &locked, `SELECT shop_id, stock FROM products WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return nil, mapError(notFound(err))
		}
		if locked.ShopID != m.ShopID {
			return nil, store.ErrNotFound
		}
		if locked.Stock+net[id] < 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	if plan.MemberID != "" {
		var locked struct {
			ShopID string `db:"shop_id"`
			Points int64  `db:"points"`
		}
		err := tx.GetContext(ctx, &locked, `SELECT shop_id, points FROM customers WHERE id = $1 FOR UPDATE`, plan.MemberID)
		if err != nil {
			return nil, mapError(notFound(err))
		}
		if locked.ShopID != m.ShopID {
			return nil, store.ErrNotFound
		}
		if locked.Points < m.PointsRedeemed || locked.Points+plan.PointsDelta < 0 {
			return nil, store.ErrInsufficientPoints
		}
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.MemberID = plan.MemberID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO movements (`+movementColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, m.ID, m.ShopID, string(m.Type), m.DocNo, m.TotalCents, m.PointsRedeemed, m.PointsEarned, m.FinalCents,
		m.ReceivedCents, m.ChangeCents, m.Note, nullIfEmpty(m.MemberID), m.CreatedBy, m.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	for i, item := range m.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO movement_items (movement_id, line_no, product_id, code, name, unit, qty, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, m.ID, i+1, item.ProductID, item.Code, item.Name, item.Unit, item.Qty, item.UnitPriceCents, item.LineTotalCents)
		if err != nil {
			return nil, mapError(err)
		}
	}

	for _, id := range productIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1
		`, id, net[id], now); err != nil {
			return nil, mapError(err)
		}
	}

	result := &domain.CommitResult{Movement: m}
	if plan.MemberID != "" {
		var member domain.Customer
		err := tx.GetContext(ctx, &member, `
			UPDATE customers SET points = points + $2, updated_at = $3
			WHERE id = $1
			RETURNING `+customerColumns,
			plan.MemberID, plan.PointsDelta, now)
		if err != nil {
			return nil, mapError(err)
		}
		result.Member = &member
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

const userColumns = `id, shop_id, name, username, password_hash, role, owner_email, active, created_at`

func (s *Store) ListUsers(ctx context.Context, shopID string) ([]domain.User, error) {
	users := make([]domain.User, 0, 8)
	if err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE shop_id = $1 ORDER BY username`, shopID); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username = $1`, username); err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.PasswordHash == "" || user.ShopID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :shop_id, :name, :username, :password_hash, :role, :owner_email, :active, :created_at)
	`, user)
	if err != nil {
		return nil, mapError(err)
	}
	created := user
	return &created, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidTransaction
	}

	var updated domain.User
	err := s.db.GetContext(ctx, &updated, `
		UPDATE users
		SET name = $2, username = $3, password_hash = $4, role = $5, owner_email = $6, active = $7
		WHERE id = $1
		RETURNING `+userColumns,
		user.ID, user.Name, user.Username, user.PasswordHash, user.Role, user.OwnerEmail, user.Active)
	if err != nil {
		return nil, mapError(notFound(err))
	}
	return &updated, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `DELETE FROM users WHERE id = $1`, id)
}

type settingsRow struct {
	ShopID           string          `db:"shop_id"`
	BahtPerPoint     decimal.Decimal `db:"baht_per_point"`
	PointsExpiryDays int             `db:"points_expiry_days"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r settingsRow) toDomain() domain.Settings {
	return domain.Settings{
		ShopID:           r.ShopID,
		BahtPerPoint:     r.BahtPerPoint,
		PointsExpiryDays: r.PointsExpiryDays,
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (s *Store) GetSettings(ctx context.Context, shopID string) (domain.Settings, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT shop_id, baht_per_point, points_expiry_days, updated_at
		FROM settings
		WHERE shop_id = $1
	`, shopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultSettings(shopID), nil
		}
		return domain.Settings{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	if settings.ShopID == "" {
		return domain.Settings{}, store.ErrInvalidTransaction
	}

	var row settingsRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO settings (shop_id, baht_per_point, points_expiry_days, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_id) DO UPDATE
		SET baht_per_point = EXCLUDED.baht_per_point,
			points_expiry_days = EXCLUDED.points_expiry_days,
			updated_at = EXCLUDED.updated_at
		RETURNING shop_id, baht_per_point, points_expiry_days, updated_at
	`, settings.ShopID, settings.BahtPerPoint, settings.PointsExpiryDays, time.Now().UTC())
	if err != nil {
		return domain.Settings{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) RepairStock(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	return execOne(ctx, s.db, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`, productID, qty, time.Now().UTC())
}

func execOne(ctx context.Context, db *sqlx.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// mapError folds Postgres error codes into store sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return store.ErrDuplicate
	case "40001", "40P01":
		return store.ErrConflict
	case "23514":
		return store.ErrInvalidTransaction
	}
	return err
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
