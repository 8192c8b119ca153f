package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/api/internal/payments"
	"github.com/threadline/api/internal/platform/config"
	"github.com/threadline/api/internal/platform/idempotency"
	"github.com/threadline/api/internal/platform/jobs"
	"github.com/threadline/api/internal/platform/storage"
	"github.com/threadline/api/internal/repositories"
	"github.com/threadline/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled in NewContainer.
type Services struct {
	Snapshot services.SnapshotService
	Checkout services.CheckoutService
	Orders   services.OrderService
	Counters services.CounterService
	System   services.SystemService
}

// Dependencies carries infrastructure collaborators the container cannot
// construct on its own. Tests supply stubs; every nil optional field falls
// back to a config-driven default.
type Dependencies struct {
	Registry repositories.Registry

	// Gateway defaults to a Stripe-backed payments manager built from the
	// payments config.
	Gateway  *payments.Manager
	Verifier services.PaymentVerifier
	// Events and Archiver are optional side channels; the order service
	// tolerates their absence.
	Events   services.OrderEventPublisher
	Archiver services.ReceiptArchiver
	// Idempotency defaults to the in-memory store.
	Idempotency idempotency.Store

	Clock  func() time.Time
	Logger *zap.Logger
	Build  services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for
// runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Gateway      *payments.Manager
	Idempotency  idempotency.Store
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	reg := deps.Registry
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway := deps.Gateway
	if gateway == nil {
		built, err := buildGateway(cfg.Payments)
		if err != nil {
			return nil, err
		}
		gateway = built
	}

	verifier := deps.Verifier
	if verifier == nil {
		built, err := payments.NewVerifier(cfg.Payments.VerificationSecret)
		if err != nil {
			return nil, fmt.Errorf("build payment verifier: %w", err)
		}
		verifier = built
	}

	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	svc, err := buildServices(cfg, reg, gateway, verifier, deps, clock, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Gateway:      gateway,
		Idempotency:  store,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildGateway(cfg config.PaymentsConfig) (*payments.Manager, error) {
	stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.StripeAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe provider: %w", err)
	}
	manager, err := payments.NewManager(
		map[string]payments.Provider{"stripe": stripe},
		payments.WithDefaultProvider(cfg.DefaultProvider),
		payments.WithCallTimeout(cfg.GatewayTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("build payments manager: %w", err)
	}
	return manager, nil
}

func buildServices(cfg config.Config, reg repositories.Registry, gateway *payments.Manager, verifier services.PaymentVerifier, deps Dependencies, clock func() time.Time, logger *zap.Logger) (Services, error) {
	var svc Services

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	snapshotSvc, err := services.NewSnapshotService(services.SnapshotServiceDeps{
		Catalog: reg.Catalog(),
		Carts:   reg.Carts(),
		Clock:   clock,
		Logger:  eventLogger(logger),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build snapshot service: %w", err)
	}
	svc.Snapshot = snapshotSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Sessions:   reg.CheckoutSessions(),
		Snapshot:   snapshotSvc,
		Gateway:    gateway,
		Clock:      clock,
		Logger:     eventLogger(logger),
		SessionTTL: cfg.Checkout.SessionTTL,
		BusyLease:  cfg.Checkout.BusyLease,
		SuccessURL: cfg.Checkout.SuccessURL,
		CancelURL:  cfg.Checkout.CancelURL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Inventory:  reg.Inventory(),
		Carts:      reg.Carts(),
		Sessions:   reg.CheckoutSessions(),
		Counters:   counterSvc,
		Verifier:   verifier,
		Gateway:    gateway,
		UnitOfWork: reg,
		Clock:      clock,
		Events:     deps.Events,
		Archiver:   deps.Archiver,
		Logger:     eventLogger(logger),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	build := deps.Build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = clock().UTC()
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func eventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

// NewOrderEventPublisher adapts the Pub/Sub publisher to the order service's
// event port, dropping the message ID the service does not need.
func NewOrderEventPublisher(inner *jobs.PubSubOrderEventPublisher) (services.OrderEventPublisher, error) {
	if inner == nil {
		return nil, errors.New("order event publisher: pubsub publisher is required")
	}
	return pubsubEventPublisher{inner: inner}, nil
}

type pubsubEventPublisher struct {
	inner *jobs.PubSubOrderEventPublisher
}

func (p pubsubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEventMessage) error {
	_, err := p.inner.PublishOrderEvent(ctx, event)
	return err
}

// NewReceiptArchiver adapts the Cloud Storage archiver to the order service's
// receipt port using the receipt object layout.
func NewReceiptArchiver(archiver *storage.Archiver) (services.ReceiptArchiver, error) {
	if archiver == nil {
		return nil, errors.New("receipt archiver: storage archiver is required")
	}
	return receiptArchiver{archiver: archiver}, nil
}

type receiptArchiver struct {
	archiver *storage.Archiver
}

func (r receiptArchiver) ArchiveOrder(ctx context.Context, order services.Order) error {
	object, err := storage.BuildObjectPath(storage.PurposeReceipt, storage.PathParams{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
	})
	if err != nil {
		return err
	}
	return r.archiver.PutJSON(ctx, object, order)
}
