package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"kasirflow/backend/internal/cache"
	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/inventory"
	"kasirflow/backend/internal/recorder"
	"kasirflow/backend/internal/store"
)

const RoleAdmin = "admin"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context, action string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != RoleAdmin {
		return fmt.Errorf("%s requires admin role: %w", action, ErrForbidden)
	}
	return nil
}

// Notifier receives post-commit events. Implementations live in
// internal/notify; tests substitute recording or failing fakes.
type Notifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

type Config struct {
	CommitTimeout time.Duration
	CacheTTL      time.Duration
}

type Service struct {
	repo     store.Repository
	ledger   *inventory.Ledger
	checker  *inventory.Checker
	recorder *recorder.Recorder
	notifier Notifier
	txCache  cache.TransactionCache
	reads    singleflight.Group
	cfg      Config
}

func New(repo store.Repository, notifier Notifier, txCache cache.TransactionCache, cfg Config) *Service {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if txCache == nil {
		txCache = cache.NoopTransactionCache{}
	}

	return &Service{
		repo:     repo,
		ledger:   inventory.NewLedger(),
		checker:  inventory.NewChecker(repo),
		recorder: recorder.New(repo),
		notifier: notifier,
		txCache:  txCache,
		cfg:      cfg,
	}
}

// withinCommit runs fn as one unit bounded by the configured commit timeout.
func (s *Service) withinCommit(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()
	return s.repo.WithinTx(commitCtx, fn)
}

// publish hands events to the notifier after a commit. Errors and panics are
// logged and dropped; the caller's result never depends on delivery.
func (s *Service) publish(ctx context.Context, events ...domain.Event) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, event := range events {
		s.publishOne(ctx, event)
	}
}

func (s *Service) publishOne(ctx context.Context, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[notify] WARN: notifier panicked channel=%s type=%s: %v", event.Channel, event.Type, r)
		}
	}()
	if err := s.notifier.Publish(ctx, event); err != nil {
		log.Printf("[notify] WARN: publish failed channel=%s type=%s: %v", event.Channel, event.Type, err)
	}
}

func inventoryEvents(movements []domain.StockMovement) []domain.Event {
	events := make([]domain.Event, 0, len(movements))
	for _, m := range movements {
		events = append(events, domain.NewInventoryEvent(m, m.CreatedAt))
	}
	return events
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

// CreateProduct registers a catalog entry. Opening stock goes through the
// ledger like any other quantity change.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx, "create product"); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	verr := &domain.ValidationError{}
	if req.SKU == "" {
		verr.Add("sku", "is required")
	}
	if req.Name == "" {
		verr.Add("name", "is required")
	}
	if req.Price.IsNegative() {
		verr.Add("price", "must not be negative")
	}
	if req.InitialQuantity < 0 {
		verr.Add("initial_quantity", "must not be negative")
	}
	if err := verr.Err(); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{SKU: req.SKU, Name: req.Name, Price: req.Price.Round(2)})
	if err != nil {
		return domain.Product{}, err
	}
	if req.InitialQuantity == 0 {
		return *created, nil
	}

	actor := actorOrSystem(ctx)
	var movement domain.StockMovement
	err = s.withinCommit(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		movement, err = s.ledger.Increment(ctx, tx, inventory.Change{
			ProductID: created.ID,
			Quantity:  req.InitialQuantity,
			Cause:     domain.MovementManualAdd,
			Reason:    "initial stock",
			Actor:     actor.Username,
		})
		return err
	})
	if err != nil {
		return domain.Product{}, classifyCommitError(err)
	}
	created.Quantity = movement.NewQuantity
	log.Printf("[catalog] product created id=%s sku=%s stock=%d by=%s", created.ID, created.SKU, created.Quantity, actor.Username)
	s.publish(ctx, inventoryEvents([]domain.StockMovement{movement})...)
	return *created, nil
}

// UpdateProduct edits catalog fields. Quantity is not part of the request.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx, "update product"); err != nil {
		return domain.Product{}, err
	}

	verr := &domain.ValidationError{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			verr.Add("name", "must not be empty")
		}
		req.Name = &name
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			verr.Add("price", "must not be negative")
		}
		price := req.Price.Round(2)
		req.Price = &price
	}
	if req.Name == nil && req.Price == nil && req.Active == nil {
		verr.Add("body", "nothing to update")
	}
	if err := verr.Err(); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req, time.Now().UTC())
	if err != nil {
		return domain.Product{}, err
	}
	return *updated, nil
}

// CheckAvailability runs the advisory stock check on its own, for terminals
// that want to validate a cart before submitting it.
func (s *Service) CheckAvailability(ctx context.Context, req domain.AvailabilityRequest) (domain.AvailabilityResponse, error) {
	verr := &domain.ValidationError{}
	if len(req.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, line := range req.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			verr.Add(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if line.Quantity <= 0 {
			verr.Add(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
	}
	if err := verr.Err(); err != nil {
		return domain.AvailabilityResponse{}, err
	}

	results, err := s.checker.Check(ctx, req.Items)
	if err != nil {
		return domain.AvailabilityResponse{}, err
	}
	return domain.AvailabilityResponse{Available: inventory.AllAvailable(results), Items: results}, nil
}
