package store

import (
	"context"
	"errors"
	"time"

	"stockpos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientPoints = errors.New("insufficient member points")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicate          = errors.New("duplicate")
	// ErrConflict means the store aborted an atomic unit under contention.
	// Callers surface it; they never retry with the data they already hold.
	ErrConflict = errors.New("transaction aborted by concurrent update")
)

type Repository interface {
	ListProducts(ctx context.Context, shopID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByCode(ctx context.Context, shopID string, code string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListCustomers(ctx context.Context, shopID string) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetCustomerByPhone(ctx context.Context, shopID string, phone string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	// ListMovements returns movements ordered by creation time. A zero from/to
	// leaves that side of the range open.
	ListMovements(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Movement, error)
	GetMovement(ctx context.Context, id string) (*domain.Movement, error)
	// CommitMovement applies the plan atomically: either the movement document,
	// every stock delta and the member point delta are all visible, or none is.
	CommitMovement(ctx context.Context, plan domain.CommitPlan) (*domain.CommitResult, error)

	ListUsers(ctx context.Context, shopID string) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	UpdateUser(ctx context.Context, user domain.User) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	GetSettings(ctx context.Context, shopID string) (domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error)

	// RepairStock overwrites the cached counter. Only ledger repair tooling calls it.
	RepairStock(ctx context.Context, productID string, qty int) error
}
