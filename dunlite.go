package dunlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultGatewayTimeout = 30 * time.Second

// RecoveryEngine orchestrates dunning recoveries: it owns the durable
// store, the success-rate window store, the budget ledger, the backoff
// calculator and the cache mirror, and it leans on two external
// collaborators, the retry scheduler and the payment gateway.
type RecoveryEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	db      Database
	ownsDB  bool
	cache   *MirrorCache
	windows *WindowStore
	ledger  *BudgetLedger
	backoff *BackoffCalculator

	scheduler RetryScheduler
	gateway   PaymentGateway

	logger         Logger
	clock          func() time.Time
	gatewayTimeout time.Duration
}

// New builds a RecoveryEngine. A gateway is required; the default storage
// is an in-memory sqlite instance and the default scheduler is gocron.
func New(ctx context.Context, opts ...engineOption) (*RecoveryEngine, error) {
	cfg := engineConfig{
		thresholds:     DefaultAdaptiveThresholds(),
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.gateway == nil {
		return nil, errors.Join(ErrInvalidInput, errors.New("a payment gateway is required"))
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(slog.LevelInfo, TextFormat)
	}
	if cfg.clock == nil {
		cfg.clock = func() time.Time { return time.Now().UTC() }
	}

	ctx, cancel := context.WithCancel(ctx)

	db := cfg.db
	// only close a database the engine opened itself
	ownsDB := db == nil
	if db == nil {
		var err error
		if db, err = NewSqliteDatabase(ctx, cfg.path); err != nil {
			cancel()
			return nil, err
		}
	}

	cache, err := NewMirrorCache(cfg.mirrorTTL, cfg.clock)
	if err != nil {
		cancel()
		return nil, err
	}

	ledger, err := NewBudgetLedger(db, cfg.logger, cfg.clock)
	if err != nil {
		cancel()
		return nil, err
	}

	scheduler := cfg.scheduler
	if scheduler == nil {
		gs, err := NewGocronScheduler(cfg.clock)
		if err != nil {
			cancel()
			return nil, err
		}
		scheduler = gs
	}

	e := &RecoveryEngine{
		ctx:            ctx,
		cancel:         cancel,
		db:             db,
		ownsDB:         ownsDB,
		cache:          cache,
		windows:        NewWindowStore(db, cfg.windowWidth, cfg.skewHorizon, cfg.clock),
		ledger:         ledger,
		backoff:        NewBackoffCalculator(cfg.thresholds),
		scheduler:      scheduler,
		gateway:        cfg.gateway,
		logger:         cfg.logger,
		clock:          cfg.clock,
		gatewayTimeout: cfg.gatewayTimeout,
	}

	if gs, ok := scheduler.(*GocronScheduler); ok {
		gs.Bind(func(cbCtx context.Context, id RecoveryID) {
			if _, err := e.ExecuteRecoveryWorkflow(cbCtx, id); err != nil {
				e.logger.Error(cbCtx, "scheduled recovery invocation failed", "recovery_id", id, "error", err)
			}
		})
	}

	return e, nil
}

// CreateRecoveryInput describes the first failed collection attempt a
// recovery is opened for.
type CreateRecoveryInput struct {
	MerchantID       string
	PaymentID        string
	AttemptID        string
	ProfileID        string
	BillingAccountID string
	Connector        string
	PaymentMethod    string
	Currency         string
	Policy           RetryPolicy
	// ErrorCode/ErrorMessage are the initial collection failure the record
	// opens with; evaluated on the first workflow invocation.
	ErrorCode    string
	ErrorMessage string
}

func (in CreateRecoveryInput) validate() error {
	switch {
	case in.MerchantID == "":
		return fmt.Errorf("merchant id is required")
	case in.PaymentID == "" || in.AttemptID == "":
		return fmt.Errorf("payment and attempt ids are required")
	case in.ProfileID == "" || in.Connector == "" || in.PaymentMethod == "" || in.Currency == "":
		return fmt.Errorf("routing dimensions (profile, connector, payment method, currency) are required")
	case in.Policy.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive")
	case in.Policy.MaxDelay < in.Policy.BaseDelay:
		return fmt.Errorf("max delay must be at least the base delay")
	case in.Policy.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case in.Policy.RetryCost < 0 || in.Policy.TotalBudget < 0:
		return fmt.Errorf("budget values must not be negative")
	}
	switch in.Policy.AlgorithmType {
	case AlgorithmFixed, AlgorithmExponential, AlgorithmSuccessRateAdaptive:
	default:
		return fmt.Errorf("unknown algorithm %q", in.Policy.AlgorithmType)
	}
	return nil
}

// CreateRecovery opens a recovery for a failed collection attempt. The
// record starts in PendingInitial; the first ExecuteRecoveryWorkflow call
// evaluates the failure it was created with.
func (e *RecoveryEngine) CreateRecovery(ctx context.Context, in CreateRecoveryInput) (*RecoveryRecord, error) {
	if err := in.validate(); err != nil {
		return nil, errors.Join(ErrInvalidInput, err)
	}

	rec := &RecoveryRecord{
		ID:                  RecoveryID(uuid.NewString()),
		MerchantID:          in.MerchantID,
		PaymentID:           in.PaymentID,
		AttemptID:           in.AttemptID,
		ProfileID:           in.ProfileID,
		BillingAccountID:    in.BillingAccountID,
		Connector:           in.Connector,
		PaymentMethod:       in.PaymentMethod,
		Currency:            in.Currency,
		Policy:              in.Policy,
		TotalBudget:         in.Policy.TotalBudget,
		RemainingBudget:     in.Policy.TotalBudget,
		Status:              StatusPendingInitial,
		LastErrorCode:       in.ErrorCode,
		LastErrorMessage:    in.ErrorMessage,
		LastDebitRetryCount: -1,
	}

	if err := e.db.AddRecoveryRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.cache.Put(rec); err != nil {
		e.logger.Warn(ctx, "failed to mirror new recovery record", "recovery_id", rec.ID, "error", err)
	}

	e.logger.Info(ctx, "recovery opened",
		"recovery_id", rec.ID, "merchant_id", rec.MerchantID,
		"connector", rec.Connector, "algorithm", rec.Policy.AlgorithmType,
		"total_budget", rec.TotalBudget)
	return rec, nil
}

// GetRecovery reads the durable record. Terminal recoveries keep their
// last error for audit.
func (e *RecoveryEngine) GetRecovery(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	return e.db.GetRecoveryRecord(ctx, id)
}

// FastSnapshot serves the cache mirror when it is fresh, falling back to
// the durable record (and healing the mirror) when it is not.
func (e *RecoveryEngine) FastSnapshot(ctx context.Context, id RecoveryID) (*RecoverySnapshot, error) {
	if snap, ok := e.cache.Get(id); ok {
		return snap, nil
	}
	rec, err := e.db.GetRecoveryRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(rec); err != nil {
		e.logger.Warn(ctx, "failed to heal recovery mirror", "recovery_id", id, "error", err)
	}
	return snapshotOf(rec), nil
}

// ListRecoveries returns merchant records, optionally filtered by status,
// ordered by creation time.
func (e *RecoveryEngine) ListRecoveries(ctx context.Context, merchantID string, statuses []RecoveryStatus, limit int) ([]*RecoveryRecord, error) {
	return e.db.ListRecoveryRecords(ctx, merchantID, statuses, limit)
}

// ObservedSuccessRatio exposes the rolling success ratio over the trailing
// lookback for one routing dimension. 1.0 when no observations exist.
func (e *RecoveryEngine) ObservedSuccessRatio(ctx context.Context, key WindowKey, lookback time.Duration) (float64, error) {
	now := e.clock()
	return e.windows.SuccessRatio(ctx, key, now.Add(-lookback), now)
}

// RecordOutcome feeds an externally observed attempt outcome into the
// window store, for callers that execute charges outside a recovery.
func (e *RecoveryEngine) RecordOutcome(ctx context.Context, key WindowKey, at time.Time, outcome Outcome) error {
	return e.windows.Record(ctx, key, at, outcome)
}

// ResumeDueRecoveries re-arms after a restart: every AwaitingRetry record
// whose NextRetryAt has passed is executed now; the scheduler lost its
// in-memory jobs with the process.
func (e *RecoveryEngine) ResumeDueRecoveries(ctx context.Context) error {
	due, err := e.db.ListDueRecoveryRecords(ctx, e.clock())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	e.logger.Info(ctx, "resuming due recoveries", "count", len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range due {
		id := rec.ID
		g.Go(func() error {
			if _, err := e.ExecuteRecoveryWorkflow(gctx, id); err != nil {
				e.logger.Error(gctx, "failed to resume recovery", "recovery_id", id, "error", err)
			}
			// a single stuck recovery must not abort the sweep
			return nil
		})
	}
	return g.Wait()
}

// Close shuts the scheduler down and releases the store.
func (e *RecoveryEngine) Close() error {
	e.cancel()
	var errs []error
	if err := e.scheduler.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if e.ownsDB {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
