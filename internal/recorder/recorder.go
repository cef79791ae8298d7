// Package recorder turns a staged cart into one atomic store commit and emits
// the last-committed receipt.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockpos/internal/cache"
	"stockpos/internal/domain"
	"stockpos/internal/loyalty"
	"stockpos/internal/metrics"
	"stockpos/internal/store"
	"stockpos/internal/xid"
)

const ReceiptDateLayout = "02/01/2006 15:04"

type Line struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Request struct {
	ShopID         string
	TerminalID     string
	Type           domain.MovementType
	DocNo          string
	Lines          []Line
	MemberID       string
	PointsToRedeem int64
	Note           string
	ReceivedCents  int64
	Actor          string
}

// Notifier is the change feed seen by the recorder.
type Notifier interface {
	Notify(ctx context.Context, shopID string, collection string)
}

type Recorder struct {
	repo       store.Repository
	receipts   cache.ReceiptCache
	receiptTTL time.Duration
	notifier   Notifier
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
	location   *time.Location
}

type Option func(*Recorder)

func WithReceiptCache(c cache.ReceiptCache, ttl time.Duration) Option {
	return func(r *Recorder) {
		r.receipts = c
		r.receiptTTL = ttl
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Recorder) { r.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.log = l.With().Str("component", "recorder").Logger() }
}

// WithLocation sets the zone receipt dates are formatted in.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) { r.location = loc }
}

func New(repo store.Repository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:     repo,
		receipts: cache.NoopReceiptCache{},
		log:      zerolog.Nop(),
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record validates the request, commits it atomically and returns the receipt.
// On any error nothing has been persisted.
func (r *Recorder) Record(ctx context.Context, req Request) (domain.Receipt, error) {
	plan, err := r.plan(ctx, req)
	if err != nil {
		r.observe(req.Type, err, 0)
		return domain.Receipt{}, err
	}

	start := time.Now()
	result, err := r.repo.CommitMovement(ctx, plan)
	r.observe(req.Type, err, time.Since(start))
	if err != nil {
		r.log.Warn().Err(err).
			Str("shop_id", req.ShopID).
			Str("terminal_id", req.TerminalID).
			Str("doc_no", plan.Movement.DocNo).
			Msg("commit rejected")
		return domain.Receipt{}, err
	}

	receipt := r.receipt(result, req.TerminalID)
	if err := r.receipts.Set(ctx, receiptKey(req.ShopID, req.TerminalID), &receipt, r.receiptTTL); err != nil {
		r.log.Warn().Err(err).Str("terminal_id", req.TerminalID).Msg("failed to cache receipt")
	}
	if r.metrics != nil && result.Movement.Type == domain.MovementOut {
		r.metrics.AddPoints(result.Movement.PointsEarned, result.Movement.PointsRedeemed)
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, req.ShopID, domain.CollectionProducts)
		r.notifier.Notify(ctx, req.ShopID, domain.CollectionMovements)
		if result.Member != nil {
			r.notifier.Notify(ctx, req.ShopID, domain.CollectionCustomers)
		}
	}

	r.log.Info().
		Str("shop_id", req.ShopID).
		Str("terminal_id", req.TerminalID).
		Str("doc_no", result.Movement.DocNo).
		Str("type", string(result.Movement.Type)).
		Int64("final_cents", result.Movement.FinalCents).
		Msg("movement committed")
	return receipt, nil
}

// LastReceipt returns the cached receipt of a shop's terminal, if any.
func (r *Recorder) LastReceipt(ctx context.Context, shopID string, terminalID string) (*domain.Receipt, bool, error) {
	return r.receipts.Get(ctx, receiptKey(shopID, terminalID))
}

// receiptKey scopes terminal ids per shop; terminal ids are only unique within one.
func receiptKey(shopID string, terminalID string) string {
	return shopID + "/" + terminalID
}

func (r *Recorder) plan(ctx context.Context, req Request) (domain.CommitPlan, error) {
	if req.ShopID == "" || !req.Type.Valid() || len(req.Lines) == 0 {
		return domain.CommitPlan{}, store.ErrInvalidTransaction
	}
	if req.Type != domain.MovementOut && (req.MemberID != "" || req.PointsToRedeem != 0 || req.ReceivedCents != 0) {
		return domain.CommitPlan{}, fmt.Errorf("%w: members, points and cash apply to sales only", store.ErrInvalidTransaction)
	}
	if req.PointsToRedeem != 0 && req.MemberID == "" {
		return domain.CommitPlan{}, fmt.Errorf("%w: redemption needs a member", store.ErrInvalidTransaction)
	}

	now := r.now().UTC()
	movement := domain.Movement{
		ID:        xid.New("mov"),
		ShopID:    req.ShopID,
		Type:      req.Type,
		DocNo:     req.DocNo,
		Note:      req.Note,
		MemberID:  req.MemberID,
		CreatedBy: req.Actor,
		CreatedAt: now,
	}
	if movement.DocNo == "" {
		movement.DocNo = xid.DocNo(req.Type, now.In(r.location))
	}

	sign := 1
	if req.Type == domain.MovementOut {
		sign = -1
	}

	deltas := make([]domain.StockDelta, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Qty < 1 || line.UnitPriceCents < 0 || line.ProductID == "" {
			return domain.CommitPlan{}, store.ErrInvalidTransaction
		}
		product, err := r.repo.GetProduct(ctx, line.ProductID)
		if err != nil {
			return domain.CommitPlan{}, err
		}
		if product.ShopID != req.ShopID {
			return domain.CommitPlan{}, store.ErrNotFound
		}
		item := domain.LineItem{
			ProductID:      product.ID,
			Code:           product.Code,
			Name:           product.Name,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: int64(line.Qty) * line.UnitPriceCents,
			Unit:           product.Unit,
		}
		movement.Items = append(movement.Items, item)
		movement.TotalCents += item.LineTotalCents
		deltas = append(deltas, domain.StockDelta{ProductID: product.ID, Delta: sign * line.Qty})
	}

	plan := domain.CommitPlan{StockDeltas: deltas}
	movement.FinalCents = movement.TotalCents

	if req.MemberID != "" {
		member, err := r.repo.GetCustomer(ctx, req.MemberID)
		if err != nil {
			return domain.CommitPlan{}, err
		}
		if member.ShopID != req.ShopID {
			return domain.CommitPlan{}, store.ErrNotFound
		}
		settings, err := r.repo.GetSettings(ctx, req.ShopID)
		if err != nil {
			return domain.CommitPlan{}, err
		}
		quote, err := loyalty.QuoteSale(movement.TotalCents, member.Points, req.PointsToRedeem, settings.BahtPerPoint)
		if err != nil {
			return domain.CommitPlan{}, err
		}
		movement.PointsRedeemed = quote.Redeemed
		movement.PointsEarned = quote.Earned
		movement.FinalCents = quote.FinalCents
		plan.MemberID = member.ID
		plan.PointsDelta = quote.Delta
	}

	if req.Type == domain.MovementOut {
		received := req.ReceivedCents
		if received == 0 {
			received = movement.FinalCents
		}
		if received < movement.FinalCents {
			return domain.CommitPlan{}, fmt.Errorf("%w: received %d is less than payable %d", store.ErrInvalidTransaction, received, movement.FinalCents)
		}
		movement.ReceivedCents = received
		movement.ChangeCents = received - movement.FinalCents
	}

	plan.Movement = movement
	return plan, nil
}

func (r *Recorder) receipt(result *domain.CommitResult, terminalID string) domain.Receipt {
	receipt := domain.Receipt{
		Movement:      result.Movement,
		FormattedDate: result.Movement.CreatedAt.In(r.location).Format(ReceiptDateLayout),
		TerminalID:    terminalID,
	}
	if result.Member != nil {
		receipt.MemberName = result.Member.Name
		receipt.MemberPhone = result.Member.Phone
		receipt.MemberBalance = result.Member.Points
	}
	return receipt
}

func (r *Recorder) observe(kind domain.MovementType, err error, took time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveCommit(string(kind), Outcome(err), took)
}

// Outcome classifies a commit error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, loyalty.ErrRedemptionOutOfRange):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
