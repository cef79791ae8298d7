// Package ledger folds the movement history into per-product stock figures.
// The cached Product.Stock counter is what live commits check against; the fold
// here is for reporting, auditing and repair.
package ledger

import (
	"context"
	"sort"
	"time"

	"stockpos/internal/domain"
)

type Totals struct {
	Incoming int
	Outgoing int
}

func (t Totals) Net() int {
	return t.Incoming - t.Outgoing
}

// StockOf returns sum(IN qty) - sum(OUT qty) for productID.
func StockOf(movements []domain.Movement, productID string) int {
	return TotalsOf(movements, productID).Net()
}

func TotalsOf(movements []domain.Movement, productID string) Totals {
	var t Totals
	for _, m := range movements {
		for _, item := range m.Items {
			if item.ProductID != productID {
				continue
			}
			switch m.Type {
			case domain.MovementIn:
				t.Incoming += item.Qty
			case domain.MovementOut:
				t.Outgoing += item.Qty
			}
		}
	}
	return t
}

// Fold computes totals for every product referenced by the history in one pass.
func Fold(movements []domain.Movement) map[string]Totals {
	result := make(map[string]Totals)
	for _, m := range movements {
		for _, item := range m.Items {
			t := result[item.ProductID]
			switch m.Type {
			case domain.MovementIn:
				t.Incoming += item.Qty
			case domain.MovementOut:
				t.Outgoing += item.Qty
			default:
				continue
			}
			result[item.ProductID] = t
		}
	}
	return result
}

type Discrepancy struct {
	ProductID   string `json:"product_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	CachedStock int    `json:"cached_stock"`
	LedgerStock int    `json:"ledger_stock"`
}

func (d Discrepancy) Drift() int {
	return d.CachedStock - d.LedgerStock
}

// Verify lists products whose cached counter disagrees with the fold, ordered by code.
func Verify(products []domain.Product, movements []domain.Movement) []Discrepancy {
	folded := Fold(movements)
	out := make([]Discrepancy, 0)
	for _, p := range products {
		net := folded[p.ID].Net()
		if net == p.Stock {
			continue
		}
		out = append(out, Discrepancy{
			ProductID:   p.ID,
			Code:        p.Code,
			Name:        p.Name,
			CachedStock: p.Stock,
			LedgerStock: net,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Code < out[j].Code
	})
	return out
}

// MovementSource is the pull-based "current known state" accessor the ledger reads.
// It may be backed by the repository directly or by a push-refreshed snapshot.
type MovementSource interface {
	Movements(ctx context.Context, shopID string) ([]domain.Movement, error)
}

type MovementSourceFunc func(ctx context.Context, shopID string) ([]domain.Movement, error)

func (f MovementSourceFunc) Movements(ctx context.Context, shopID string) ([]domain.Movement, error) {
	return f(ctx, shopID)
}

type Ledger struct {
	source MovementSource
}

func New(source MovementSource) *Ledger {
	return &Ledger{source: source}
}

func (l *Ledger) Stock(ctx context.Context, shopID string, productID string) (int, error) {
	movements, err := l.source.Movements(ctx, shopID)
	if err != nil {
		return 0, err
	}
	return StockOf(movements, productID), nil
}

func (l *Ledger) Totals(ctx context.Context, shopID string) (map[string]Totals, error) {
	movements, err := l.source.Movements(ctx, shopID)
	if err != nil {
		return nil, err
	}
	return Fold(movements), nil
}

func (l *Ledger) Verify(ctx context.Context, shopID string, products []domain.Product) ([]Discrepancy, error) {
	movements, err := l.source.Movements(ctx, shopID)
	if err != nil {
		return nil, err
	}
	return Verify(products, movements), nil
}

// RepositoryReader is the slice of store.Repository the ledger source needs.
type RepositoryReader interface {
	ListMovements(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Movement, error)
}

// FromRepository reads the full history on every call.
func FromRepository(repo RepositoryReader) MovementSource {
	return MovementSourceFunc(func(ctx context.Context, shopID string) ([]domain.Movement, error) {
		return repo.ListMovements(ctx, shopID, time.Time{}, time.Time{})
	})
}
