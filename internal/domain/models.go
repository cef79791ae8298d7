package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type MovementType string

const (
	MovementIn  MovementType = "IN"
	MovementOut MovementType = "OUT"
)

func (t MovementType) Valid() bool {
	return t == MovementIn || t == MovementOut
}

const (
	RoleOwner = "OWNER"
	RoleStaff = "STAFF"
)

const (
	CollectionProducts  = "products"
	CollectionCustomers = "customers"
	CollectionMovements = "movements"
	CollectionUsers     = "users"
	CollectionSettings  = "settings"
)

type Product struct {
	ID             string    `json:"id" db:"id" bson:"_id"`
	ShopID         string    `json:"shop_id" db:"shop_id" bson:"shop_id"`
	Code           string    `json:"code" db:"code" bson:"code"`
	Name           string    `json:"name" db:"name" bson:"name"`
	Unit           string    `json:"unit" db:"unit" bson:"unit"`
	SellPriceCents int64     `json:"sell_price_cents" db:"sell_price_cents" bson:"sell_price_cents"`
	BuyPriceCents  int64     `json:"buy_price_cents" db:"buy_price_cents" bson:"buy_price_cents"`
	MinStock       int       `json:"min_stock" db:"min_stock" bson:"min_stock"`
	Stock          int       `json:"stock" db:"stock" bson:"stock"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

type ProductCreateRequest struct {
	ShopID         string `json:"shop_id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	SellPriceCents int64  `json:"sell_price_cents"`
	BuyPriceCents  int64  `json:"buy_price_cents"`
	MinStock       int    `json:"min_stock"`
}

// ProductUpdateRequest has no stock field: stock only moves through committed movements.
type ProductUpdateRequest struct {
	Code           *string `json:"code,omitempty"`
	Name           *string `json:"name,omitempty"`
	Unit           *string `json:"unit,omitempty"`
	SellPriceCents *int64  `json:"sell_price_cents,omitempty"`
	BuyPriceCents  *int64  `json:"buy_price_cents,omitempty"`
	MinStock       *int    `json:"min_stock,omitempty"`
}

type LineItem struct {
	ProductID      string `json:"product_id" bson:"product_id"`
	Code           string `json:"code" bson:"code"`
	Name           string `json:"name" bson:"name"`
	Qty            int    `json:"qty" bson:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents" bson:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents" bson:"line_total_cents"`
	Unit           string `json:"unit" bson:"unit"`
}

// Movement is an immutable stock movement document (intake or sale).
type Movement struct {
	ID             string       `json:"id" bson:"_id"`
	ShopID         string       `json:"shop_id" bson:"shop_id"`
	Type           MovementType `json:"type" bson:"type"`
	DocNo          string       `json:"doc_no" bson:"doc_no"`
	Items          []LineItem   `json:"items" bson:"items"`
	TotalCents     int64        `json:"total_cents" bson:"total_cents"`
	PointsRedeemed int64        `json:"points_redeemed" bson:"points_redeemed"`
	PointsEarned   int64        `json:"points_earned" bson:"points_earned"`
	FinalCents     int64        `json:"final_cents" bson:"final_cents"`
	ReceivedCents  int64        `json:"received_cents,omitempty" bson:"received_cents,omitempty"`
	ChangeCents    int64        `json:"change_cents,omitempty" bson:"change_cents,omitempty"`
	Note           string       `json:"note,omitempty" bson:"note,omitempty"`
	MemberID       string       `json:"member_id,omitempty" bson:"member_id,omitempty"`
	CreatedBy      string       `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

type StockDelta struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

// CommitPlan is everything a store must apply in one atomic unit.
// For OUT movements every negative delta is re-checked against live stock,
// and a positive PointsRedeemed is re-checked against the live member balance.
type CommitPlan struct {
	Movement    Movement     `json:"movement"`
	StockDeltas []StockDelta `json:"stock_deltas"`
	MemberID    string       `json:"member_id,omitempty"`
	PointsDelta int64        `json:"points_delta"`
}

type CommitResult struct {
	Movement Movement  `json:"movement"`
	Member   *Customer `json:"member,omitempty"`
}

type Customer struct {
	ID        string    `json:"id" db:"id" bson:"_id"`
	ShopID    string    `json:"shop_id" db:"shop_id" bson:"shop_id"`
	Name      string    `json:"name" db:"name" bson:"name"`
	Phone     string    `json:"phone" db:"phone" bson:"phone"`
	Points    int64     `json:"points" db:"points" bson:"points"`
	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

type CustomerCreateRequest struct {
	ShopID string `json:"shop_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

type CustomerUpdateRequest struct {
	Name            *string `json:"name,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	Points          *int64  `json:"points,omitempty"`
	ConfirmPassword string  `json:"confirm_password,omitempty"`
}

type User struct {
	ID           string    `json:"id" db:"id" bson:"_id"`
	ShopID       string    `json:"shop_id" db:"shop_id" bson:"shop_id"`
	Name         string    `json:"name" db:"name" bson:"name"`
	Username     string    `json:"username" db:"username" bson:"username"`
	PasswordHash string    `json:"-" db:"password_hash" bson:"password_hash"`
	Role         string    `json:"role" db:"role" bson:"role"`
	OwnerEmail   string    `json:"owner_email,omitempty" db:"owner_email" bson:"owner_email,omitempty"`
	Active       bool      `json:"active" db:"active" bson:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}

type StaffCreateRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type ConfirmRequest struct {
	ConfirmPassword string `json:"confirm_password"`
}

type Settings struct {
	ShopID           string          `json:"shop_id" bson:"_id"`
	BahtPerPoint     decimal.Decimal `json:"baht_per_point" bson:"baht_per_point"`
	PointsExpiryDays int             `json:"points_expiry_days" bson:"points_expiry_days"`
	UpdatedAt        time.Time       `json:"updated_at" bson:"updated_at"`
}

type SettingsUpdateRequest struct {
	BahtPerPoint     decimal.Decimal `json:"baht_per_point"`
	PointsExpiryDays int             `json:"points_expiry_days"`
}

var DefaultBahtPerPoint = decimal.NewFromInt(20)

func DefaultSettings(shopID string) Settings {
	return Settings{ShopID: shopID, BahtPerPoint: DefaultBahtPerPoint, PointsExpiryDays: 365}
}

// Receipt is the read-side copy of the last committed bill. It is never persisted
// to the store.
type Receipt struct {
	Movement      Movement `json:"movement"`
	MemberName    string   `json:"member_name,omitempty"`
	MemberPhone   string   `json:"member_phone,omitempty"`
	MemberBalance int64    `json:"member_balance,omitempty"`
	FormattedDate string   `json:"formatted_date"`
	TerminalID    string   `json:"terminal_id"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
	ShopID   string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

type StockReportLine struct {
	ProductID   string `json:"product_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	CachedStock int    `json:"cached_stock"`
	LedgerStock int    `json:"ledger_stock"`
	Incoming    int    `json:"incoming"`
	Outgoing    int    `json:"outgoing"`
	MinStock    int    `json:"min_stock"`
	Low         bool   `json:"low"`
	Consistent  bool   `json:"consistent"`
}

type StockReport struct {
	ShopID      string            `json:"shop_id"`
	GeneratedAt string            `json:"generated_at"`
	Lines       []StockReportLine `json:"lines"`
}

type SalesTypeSummary struct {
	Type       MovementType `json:"type"`
	Documents  int          `json:"documents"`
	Units      int          `json:"units"`
	TotalCents int64        `json:"total_cents"`
	FinalCents int64        `json:"final_cents"`
}

type SalesSummary struct {
	ShopID         string             `json:"shop_id"`
	From           string             `json:"from"`
	To             string             `json:"to"`
	ByType         []SalesTypeSummary `json:"by_type"`
	PointsRedeemed int64              `json:"points_redeemed"`
	PointsEarned   int64              `json:"points_earned"`
	GrossCents     int64              `json:"gross_cents"`
	CostCents      int64              `json:"cost_cents"`
}

type TerminalOpenRequest struct {
	Kind MovementType `json:"kind"`
}

// AddLineRequest identifies the product by id or by code. A nil price takes the
// sell price for sales and the buy price for intake.
type AddLineRequest struct {
	ProductID      string `json:"product_id,omitempty"`
	Code           string `json:"code,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents *int64 `json:"unit_price_cents,omitempty"`
}

type ScanRequest struct {
	Code string `json:"code"`
}

// MemberAttachRequest with both fields empty detaches the member.
type MemberAttachRequest struct {
	MemberID string `json:"member_id,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type PointsRequest struct {
	Points int64 `json:"points"`
}

type PaymentRequest struct {
	ReceivedCents int64 `json:"received_cents"`
}

type RecallRequest struct {
	ConfirmDiscard bool `json:"confirm_discard"`
}

type CommitRequest struct {
	ReceivedCents *int64 `json:"received_cents,omitempty"`
}
