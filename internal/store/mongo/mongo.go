// Package mongo is the document-store backend. Movement documents embed their
// lines; the atomic commit runs inside a multi-document transaction, so the
// server must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"stockpos/internal/domain"
	"stockpos/internal/store"
	"stockpos/internal/xid"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func New(ctx context.Context, uri string, database string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(30)

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	if database == "" {
		database = "stockpos"
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Migrate creates the indexes the store relies on for uniqueness and range scans.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		domain.CollectionProducts: {{
			Keys:    bson.D{{Key: "shop_id", Value: 1}, {Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		domain.CollectionCustomers: {{
			Keys:    bson.D{{Key: "shop_id", Value: 1}, {Key: "phone", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		domain.CollectionUsers: {{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		domain.CollectionMovements: {{
			Keys: bson.D{{Key: "shop_id", Value: 1}, {Key: "created_at", Value: 1}},
		}},
	}
	for collection, models := range indexes {
		if _, err := s.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", collection, err)
		}
	}
	return nil
}

func (s *Store) products() *mongo.Collection  { return s.db.Collection(domain.CollectionProducts) }
func (s *Store) customers() *mongo.Collection { return s.db.Collection(domain.CollectionCustomers) }
func (s *Store) movements() *mongo.Collection { return s.db.Collection(domain.CollectionMovements) }
func (s *Store) users() *mongo.Collection     { return s.db.Collection(domain.CollectionUsers) }
func (s *Store) settings() *mongo.Collection  { return s.db.Collection(domain.CollectionSettings) }

func (s *Store) ListProducts(ctx context.Context, shopID string) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "code", Value: 1}})
	if err := findAll(ctx, s.products(), bson.M{"shop_id": shopID}, opts, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	if err := s.products().FindOne(ctx, bson.M{"_id": id}).Decode(&product); err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

func (s *Store) GetProductByCode(ctx context.Context, shopID string, code string) (*domain.Product, error) {
	var product domain.Product
	if err := s.products().FindOne(ctx, bson.M{"shop_id": shopID, "code": code}).Decode(&product); err != nil {
		return nil, mapError(err)
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
	now := time.Now().UTC().Truncate(time.Millisecond)
	product.Stock = 0
	product.CreatedAt = now
	product.UpdatedAt = now

	if _, err := s.products().InsertOne(ctx, product); err != nil {
		return nil, mapError(err)
	}
	created := product
	return &created, nil
}

// UpdateProduct never touches the stock field.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" || product.SellPriceCents < 0 || product.BuyPriceCents < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	update := bson.M{"$set": bson.M{
		"code":             product.Code,
		"name":             product.Name,
		"unit":             product.Unit,
		"sell_price_cents": product.SellPriceCents,
		"buy_price_cents":  product.BuyPriceCents,
		"min_stock":        product.MinStock,
		"updated_at":       time.Now().UTC(),
	}}
	var updated domain.Product
	err := s.products().FindOneAndUpdate(ctx, bson.M{"_id": product.ID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		return nil, mapError(err)
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return deleteOne(ctx, s.products(), id)
}

func (s *Store) ListCustomers(ctx context.Context, shopID string) ([]domain.Customer, error) {
	customers := make([]domain.Customer, 0, 64)
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "phone", Value: 1}})
	if err := findAll(ctx, s.customers(), bson.M{"shop_id": shopID}, opts, &customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	if err := s.customers().FindOne(ctx, bson.M{"_id": id}).Decode(&customer); err != nil {
		return nil, mapError(err)
	}
	return &customer, nil
}

func (s *Store) GetCustomerByPhone(ctx context.Context, shopID string, phone string) (*domain.Customer, error) {
	var customer domain.Customer
	if err := s.customers().FindOne(ctx, bson.M{"shop_id": shopID, "phone": phone}).Decode(&customer); err != nil {
		return nil, mapError(err)
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
	now := time.Now().UTC().Truncate(time.Millisecond)
	customer.CreatedAt = now
	customer.UpdatedAt = now

	if _, err := s.customers().InsertOne(ctx, customer); err != nil {
		return nil, mapError(err)
	}
	created := customer
	return &created, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidTransaction
	}

	update := bson.M{"$set": bson.M{
		"name":       customer.Name,
		"phone":      customer.Phone,
		"points":     customer.Points,
		"updated_at": time.Now().UTC(),
	}}
	var updated domain.Customer
	err := s.customers().FindOneAndUpdate(ctx, bson.M{"_id": customer.ID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		return nil, mapError(err)
	}
	return &updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	return deleteOne(ctx, s.customers(), id)
}

func (s *Store) ListMovements(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Movement, error) {
	filter := bson.M{"shop_id": shopID}
	created := bson.M{}
	if !from.IsZero() {
		created["$gte"] = from
	}
	if !to.IsZero() {
		created["$lt"] = to
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	movements := make([]domain.Movement, 0, 128)
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := findAll(ctx, s.movements(), filter, opts, &movements); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) GetMovement(ctx context.Context, id string) (*domain.Movement, error) {
	var movement domain.Movement
	if err := s.movements().FindOne(ctx, bson.M{"_id": id}).Decode(&movement); err != nil {
		return nil, mapError(err)
	}
	return &movement, nil
}

// CommitMovement applies the plan inside one transaction. Every stock decrement
// is a conditional $inc that only matches while enough stock remains, which is
// the live re-check; the member point decrement works the same way.
func (s *Store) CommitMovement(ctx context.Context, plan domain.CommitPlan) (*domain.CommitResult, error) {
	m := plan.Movement
	if !m.Type.Valid() || len(m.Items) == 0 || len(plan.StockDeltas) == 0 || m.ShopID == "" {
		return nil, store.ErrInvalidTransaction
	}

	net := make(map[string]int, len(plan.StockDeltas))
	order := make([]string, 0, len(plan.StockDeltas))
	for _, d := range plan.StockDeltas {
		if d.Delta == 0 || (m.Type == domain.MovementOut) != (d.Delta < 0) {
			return nil, store.ErrInvalidTransaction
		}
		if _, seen := net[d.ProductID]; !seen {
			order = append(order, d.ProductID)
		}
		net[d.ProductID] += d.Delta
	}
	if plan.MemberID != "" && m.Type != domain.MovementOut {
		return nil, store.ErrInvalidTransaction
	}
	if plan.MemberID == "" && (m.PointsRedeemed != 0 || plan.PointsDelta != 0) {
		return nil, store.ErrInvalidTransaction
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.MemberID = plan.MemberID

	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	// One attempt only: a write conflict surfaces as store.ErrConflict and
	// the caller decides whether to resubmit.
	if err := sess.StartTransaction(txnOpts); err != nil {
		return nil, err
	}
	sc := mongo.NewSessionContext(ctx, sess)
	result, err := s.applyPlan(sc, plan, m, order, net, now)
	if err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		return nil, mapError(err)
	}
	if err := sess.CommitTransaction(sc); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (s *Store) applyPlan(sc mongo.SessionContext, plan domain.CommitPlan, m domain.Movement, order []string, net map[string]int, now time.Time) (*domain.CommitResult, error) {
	for _, id := range order {
		delta := net[id]
		filter := bson.M{"_id": id, "shop_id": m.ShopID}
		if delta < 0 {
			filter["stock"] = bson.M{"$gte": -delta}
		}
		res, err := s.products().UpdateOne(sc, filter, bson.M{
			"$inc": bson.M{"stock": delta},
			"$set": bson.M{"updated_at": now},
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, s.missOrShort(sc, s.products(), id, m.ShopID, store.ErrInsufficientStock)
		}
	}

	if _, err := s.movements().InsertOne(sc, m); err != nil {
		return nil, err
	}

	result := &domain.CommitResult{Movement: m}
	if plan.MemberID == "" {
		return result, nil
	}

	need := m.PointsRedeemed
	if -plan.PointsDelta > need {
		need = -plan.PointsDelta
	}
	var member domain.Customer
	err := s.customers().FindOneAndUpdate(sc,
		bson.M{"_id": plan.MemberID, "shop_id": m.ShopID, "points": bson.M{"$gte": need}},
		bson.M{"$inc": bson.M{"points": plan.PointsDelta}, "$set": bson.M{"updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&member)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missOrShort(sc, s.customers(), plan.MemberID, m.ShopID, store.ErrInsufficientPoints)
	}
	if err != nil {
		return nil, err
	}
	result.Member = &member
	return result, nil
}

// missOrShort tells a missing document apart from a failed conditional update.
func (s *Store) missOrShort(ctx context.Context, coll *mongo.Collection, id string, shopID string, short error) error {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id, "shop_id": shopID})
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return short
}

func (s *Store) ListUsers(ctx context.Context, shopID string) ([]domain.User, error) {
	users := make([]domain.User, 0, 8)
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}})
	if err := findAll(ctx, s.users(), bson.M{"shop_id": shopID}, opts, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := s.users().FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := s.users().FindOne(ctx, bson.M{"username": username}).Decode(&user); err != nil {
		return nil, mapError(err)
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
		user.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	if _, err := s.users().InsertOne(ctx, user); err != nil {
		return nil, mapError(err)
	}
	created := user
	return &created, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidTransaction
	}

	update := bson.M{"$set": bson.M{
		"name":          user.Name,
		"username":      user.Username,
		"password_hash": user.PasswordHash,
		"role":          user.Role,
		"owner_email":   user.OwnerEmail,
		"active":        user.Active,
	}}
	var updated domain.User
	err := s.users().FindOneAndUpdate(ctx, bson.M{"_id": user.ID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		return nil, mapError(err)
	}
	return &updated, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return deleteOne(ctx, s.users(), id)
}

// settingsDoc keeps the earn rate as a decimal string; BSON has no encoder for
// shopspring decimals.
type settingsDoc struct {
	ShopID           string    `bson:"_id"`
	BahtPerPoint     string    `bson:"baht_per_point"`
	PointsExpiryDays int       `bson:"points_expiry_days"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func (d settingsDoc) toDomain() (domain.Settings, error) {
	rate, err := decimal.NewFromString(d.BahtPerPoint)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("settings %s: bad baht_per_point %q: %w", d.ShopID, d.BahtPerPoint, err)
	}
	return domain.Settings{
		ShopID:           d.ShopID,
		BahtPerPoint:     rate,
		PointsExpiryDays: d.PointsExpiryDays,
		UpdatedAt:        d.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) GetSettings(ctx context.Context, shopID string) (domain.Settings, error) {
	var doc settingsDoc
	err := s.settings().FindOne(ctx, bson.M{"_id": shopID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DefaultSettings(shopID), nil
	}
	if err != nil {
		return domain.Settings{}, err
	}
	return doc.toDomain()
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	if settings.ShopID == "" {
		return domain.Settings{}, store.ErrInvalidTransaction
	}

	doc := settingsDoc{
		ShopID:           settings.ShopID,
		BahtPerPoint:     settings.BahtPerPoint.String(),
		PointsExpiryDays: settings.PointsExpiryDays,
		UpdatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.settings().ReplaceOne(ctx, bson.M{"_id": doc.ShopID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return domain.Settings{}, mapError(err)
	}
	return doc.toDomain()
}

func (s *Store) RepairStock(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	res, err := s.products().UpdateOne(ctx, bson.M{"_id": productID}, bson.M{"$set": bson.M{
		"stock":      qty,
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func findAll(ctx context.Context, coll *mongo.Collection, filter any, opts *options.FindOptions, out any) error {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func deleteOne(ctx context.Context, coll *mongo.Collection, id string) error {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// writeConflictCode is the server's WriteConflict error code.
const writeConflictCode = 112

func mapError(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return store.ErrDuplicate
	}
	var server mongo.ServerError
	if errors.As(err, &server) && (server.HasErrorCode(writeConflictCode) ||
		server.HasErrorLabel("TransientTransactionError") ||
		server.HasErrorLabel("UnknownTransactionCommitResult")) {
		return store.ErrConflict
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return store.ErrConflict
	}
	return err
}
