package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Notification is the payload pushed to a device.
type Notification struct {
	Title    string
	Body     string
	Category Category
	Data     map[string]string
}

// Channel hands one notification to a delivery provider.
type Channel interface {
	Deliver(ctx context.Context, token string, n Notification) error
}

type preferenceSource interface {
	DeliveryToken(ctx context.Context, userID string) (string, bool, error)
	NotificationRules(ctx context.Context) (map[string]bool, error)
	UserNotificationSettings(ctx context.Context, userID string) (map[string]bool, error)
}

type Options struct {
	Timeout     time.Duration
	RatePerSec  int
	Concurrency int
}

// Outcome records what happened for one recipient.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeNoChannel Outcome = "no_channel"
	OutcomeOptedOut  Outcome = "opted_out"
	OutcomeFailed    Outcome = "failed"
)

type Dispatcher struct {
	prefs       preferenceSource
	channel     Channel
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
}

func NewDispatcher(prefs preferenceSource, channel Channel, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	logger = logger.Named("notify")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A bad token is the recipient's problem, not the provider's.
			return err == nil || errors.Is(err, ErrDeviceNotRegistered) || errors.Is(err, ErrInvalidToken)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	return &Dispatcher{
		prefs:       prefs,
		channel:     channel,
		breaker:     breaker,
		limiter:     rate.NewLimiter(limit, opts.Concurrency),
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Notify delivers n to every recipient that has a device and wants the
// category. Each recipient's lookups and delivery carry their own timeout, so
// a large batch is bounded per recipient rather than as a whole. Failures are logged per recipient and never returned; the
// result maps each recipient to its outcome.
func (d *Dispatcher) Notify(ctx context.Context, recipients []string, n Notification) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(recipients))
	if len(recipients) == 0 {
		return outcomes
	}

	rulesCtx, cancel := context.WithTimeout(ctx, d.timeout)
	rules, err := d.prefs.NotificationRules(rulesCtx)
	cancel()
	if err != nil {
		d.logger.Warn("load notification rules, using defaults", zap.Error(err))
		rules = nil
	}

	results := make([]Outcome, len(recipients))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)
	for i, userID := range recipients {
		group.Go(func() error {
			results[i] = d.notifyOne(groupCtx, userID, rules, n)
			return nil
		})
	}
	_ = group.Wait()

	for i, userID := range recipients {
		outcomes[userID] = results[i]
	}
	return outcomes
}

func (d *Dispatcher) notifyOne(ctx context.Context, userID string, rules map[string]bool, n Notification) Outcome {
	log := d.logger.With(zap.String("user_id", userID), zap.String("category", string(n.Category)))

	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	token, ok, err := d.prefs.DeliveryToken(lookupCtx, userID)
	if err != nil {
		log.Warn("lookup delivery token", zap.Error(err))
		return OutcomeFailed
	}
	if !ok {
		return OutcomeNoChannel
	}

	settings, err := d.prefs.UserNotificationSettings(lookupCtx, userID)
	if err != nil {
		log.Warn("load user notification settings, using defaults", zap.Error(err))
		settings = nil
	}
	if !Resolve(rules, settings, n.Category) {
		return OutcomeOptedOut
	}

	if err := d.deliver(ctx, token, n); err != nil {
		log.Warn("push delivery failed", zap.Error(err))
		return OutcomeFailed
	}
	return OutcomeDelivered
}

func (d *Dispatcher) deliver(ctx context.Context, token string, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.channel.Deliver(ctx, token, n)
	})
	return err
}
