package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockpos/internal/domain"
	"stockpos/internal/ledger"
	"stockpos/internal/store"
)

const reportDateLayout = "2006-01-02"

// StockReport puts the cached counter next to the ledger fold for every product.
func (s *Service) StockReport(ctx context.Context) (domain.StockReport, error) {
	shopID := s.shopID(ctx)
	products, err := s.repo.ListProducts(ctx, shopID)
	if err != nil {
		return domain.StockReport{}, err
	}
	totals, err := s.ledger.Totals(ctx, shopID)
	if err != nil {
		return domain.StockReport{}, err
	}

	lines := make([]domain.StockReportLine, 0, len(products))
	for _, p := range products {
		t := totals[p.ID]
		lines = append(lines, domain.StockReportLine{
			ProductID:   p.ID,
			Code:        p.Code,
			Name:        p.Name,
			Unit:        p.Unit,
			CachedStock: p.Stock,
			LedgerStock: t.Net(),
			Incoming:    t.Incoming,
			Outgoing:    t.Outgoing,
			MinStock:    p.MinStock,
			Low:         p.Stock <= p.MinStock,
			Consistent:  p.Stock == t.Net(),
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].Code < lines[j].Code
	})

	return domain.StockReport{
		ShopID:      shopID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Lines:       lines,
	}, nil
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx, s.shopID(ctx))
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.Stock <= p.MinStock {
			low = append(low, p)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].Stock != low[j].Stock {
			return low[i].Stock < low[j].Stock
		}
		return low[i].Code < low[j].Code
	})
	return low, nil
}

// SalesSummary aggregates movements between two calendar dates, both inclusive.
// The store range is half-open, so the upper bound is the next midnight.
// Empty dates leave the range open on that side.
func (s *Service) SalesSummary(ctx context.Context, fromDate string, toDate string) (domain.SalesSummary, error) {
	from, to, err := parseRange(fromDate, toDate)
	if err != nil {
		return domain.SalesSummary{}, err
	}

	shopID := s.shopID(ctx)
	movements, err := s.repo.ListMovements(ctx, shopID, from, to)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	products, err := s.repo.ListProducts(ctx, shopID)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	buyPrice := make(map[string]int64, len(products))
	for _, p := range products {
		buyPrice[p.ID] = p.BuyPriceCents
	}

	summary := domain.SalesSummary{ShopID: shopID, From: fromDate, To: toDate}
	byType := map[domain.MovementType]*domain.SalesTypeSummary{
		domain.MovementIn:  {Type: domain.MovementIn},
		domain.MovementOut: {Type: domain.MovementOut},
	}
	for _, m := range movements {
		row, ok := byType[m.Type]
		if !ok {
			continue
		}
		row.Documents++
		row.TotalCents += m.TotalCents
		row.FinalCents += m.FinalCents
		for _, item := range m.Items {
			row.Units += item.Qty
			if m.Type == domain.MovementOut {
				summary.CostCents += int64(item.Qty) * buyPrice[item.ProductID]
			}
		}
		if m.Type == domain.MovementOut {
			summary.GrossCents += m.FinalCents
			summary.PointsRedeemed += m.PointsRedeemed
			summary.PointsEarned += m.PointsEarned
		}
	}
	summary.ByType = []domain.SalesTypeSummary{*byType[domain.MovementIn], *byType[domain.MovementOut]}
	return summary, nil
}

func (s *Service) ListMovements(ctx context.Context, fromDate string, toDate string) ([]domain.Movement, error) {
	from, to, err := parseRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, s.shopID(ctx), from, to)
}

func (s *Service) GetMovement(ctx context.Context, id string) (domain.Movement, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Movement{}, store.ErrInvalidTransaction
	}
	m, err := s.repo.GetMovement(ctx, id)
	if err != nil {
		return domain.Movement{}, err
	}
	if m.ShopID != s.shopID(ctx) {
		return domain.Movement{}, store.ErrNotFound
	}
	return *m, nil
}

// VerifyLedger lists products whose cached counter drifted from the ledger.
func (s *Service) VerifyLedger(ctx context.Context) ([]ledger.Discrepancy, error) {
	shopID := s.shopID(ctx)
	products, err := s.repo.ListProducts(ctx, shopID)
	if err != nil {
		return nil, err
	}
	return s.ledger.Verify(ctx, shopID, products)
}

// RepairLedger overwrites drifted counters with the ledger value. It is an
// operator tool and must not run while terminals are committing.
func (s *Service) RepairLedger(ctx context.Context) ([]ledger.Discrepancy, error) {
	if err := requireRole(ctx, domain.RoleOwner); err != nil {
		return nil, err
	}
	drifted, err := s.VerifyLedger(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drifted {
		if err := s.repo.RepairStock(ctx, d.ProductID, d.LedgerStock); err != nil {
			return nil, fmt.Errorf("repair %s: %w", d.Code, err)
		}
		s.logAudit(ctx, "stock_repair", "product", d.ProductID, fmt.Sprintf("code=%s,cached=%d,ledger=%d", d.Code, d.CachedStock, d.LedgerStock))
	}
	if len(drifted) > 0 {
		s.notify(ctx, domain.CollectionProducts)
	}
	return drifted, nil
}

func parseRange(fromDate string, toDate string) (time.Time, time.Time, error) {
	var from, to time.Time
	if v := strings.TrimSpace(fromDate); v != "" {
		parsed, err := time.ParseInLocation(reportDateLayout, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		from = parsed
	}
	if v := strings.TrimSpace(toDate); v != "" {
		parsed, err := time.ParseInLocation(reportDateLayout, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		to = parsed.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to is before from", store.ErrInvalidTransaction)
	}
	return from, to, nil
}
