// Package syncer drives exchange connections through their fetch phases,
// persists cursor state between phases, and schedules reconciliation and
// cost-basis recomputation. It owns the only writer of each connection's
// cursor: at most one job runs per connection at a time.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ledgersync/internal/canonical"
	"ledgersync/internal/connector"
	"ledgersync/internal/costbasis"
	"ledgersync/internal/domain"
	"ledgersync/internal/observability"
	"ledgersync/internal/reconcile"
	"ledgersync/internal/secrets"
	"ledgersync/internal/storage"
)

const (
	defaultWorkers  = 4
	defaultRetries  = 3
	defaultQueueCap = 64
)

type jobKind int

const (
	jobSync jobKind = iota
	jobTaxLots
)

type job struct {
	id           string
	kind         jobKind
	connectionID string
	userID       string
	fullSync     bool
}

// Options configures a Service.
type Options struct {
	Registry *connector.Registry
	Cipher   *secrets.Cipher
	Mapper   *canonical.Mapper

	Connections  storage.ConnectionStore
	Transactions storage.TransactionStore
	Addresses    storage.DepositAddressStore
	Reviews      storage.ReviewItemStore

	Reconciler *reconcile.Engine
	CostBasis  *costbasis.Engine

	// Workers bounds concurrent jobs across connections. Zero means 4.
	Workers int

	// RetryAttempts bounds job-level retries. Cursors make retries
	// incremental, so per-call retry logic is not needed here.
	RetryAttempts uint

	Logger *log.Logger
}

// Service is the sync orchestrator.
type Service struct {
	registry *connector.Registry
	cipher   *secrets.Cipher
	mapper   *canonical.Mapper

	connections  storage.ConnectionStore
	transactions storage.TransactionStore
	addresses    storage.DepositAddressStore
	reviews      storage.ReviewItemStore

	reconciler *reconcile.Engine
	costBasis  *costbasis.Engine

	retries uint
	logger  *log.Logger

	jobs   chan *job
	group  *errgroup.Group
	cancel context.CancelFunc

	// active maps connectionID -> jobID of the running or queued job,
	// enforcing the single-active-job-per-connection invariant.
	active sync.Map
}

func NewService(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Cipher == nil || opts.Connections == nil || opts.Transactions == nil {
		return nil, fmt.Errorf("syncer: registry, cipher and stores are required")
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = canonical.NewMapper(nil)
	}
	retries := opts.RetryAttempts
	if retries == 0 {
		retries = defaultRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Service{
		registry:     opts.Registry,
		cipher:       opts.Cipher,
		mapper:       mapper,
		connections:  opts.Connections,
		transactions: opts.Transactions,
		addresses:    opts.Addresses,
		reviews:      opts.Reviews,
		reconciler:   opts.Reconciler,
		costBasis:    opts.CostBasis,
		retries:      retries,
		logger:       logger,
		jobs:         make(chan *job, defaultQueueCap),
	}, nil
}

// Start launches the worker pool. Jobs queued before Start wait in the
// channel; Stop drains and joins the workers.
func (s *Service) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = defaultWorkers
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		s.group.Go(func() error {
			return s.worker(ctx)
		})
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (s *Service) Stop() error {
	close(s.jobs)
	err := s.group.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

func (s *Service) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-s.jobs:
			if !ok {
				return nil
			}
			s.execute(ctx, j)
		}
	}
}

func (s *Service) execute(ctx context.Context, j *job) {
	switch j.kind {
	case jobSync:
		defer s.active.Delete(j.connectionID)
		s.executeSync(ctx, j)
	case jobTaxLots:
		start := time.Now()
		if err := s.costBasis.ComputeForUser(ctx, j.userID); err != nil {
			s.logger.Printf("job %s: tax lot recompute for user %s failed: %v", j.id, j.userID, err)
			return
		}
		observability.RecordReplay(time.Since(start).Seconds())
	}
}

func (s *Service) executeSync(ctx context.Context, j *job) {
	start := time.Now()
	var exchange string

	op := func() error {
		ex, err := s.runSync(ctx, j)
		exchange = ex
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.retries)), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		s.logger.Printf("job %s: connection %s sync failed: %v", j.id, j.connectionID, err)
		observability.RecordSyncJob(exchange, "failed", time.Since(start).Seconds())
		if uerr := s.connections.UpdateStatus(ctx, j.connectionID, domain.ConnectionError, err.Error()); uerr != nil {
			s.logger.Printf("job %s: status update failed: %v", j.id, uerr)
		}
		return
	}
	observability.RecordSyncJob(exchange, "ok", time.Since(start).Seconds())
	observability.MarkSyncSuccess(exchange, time.Now().Unix())
}

// StartSync queues a sync pass for a connection. Returns the job id of the
// queued pass, or of the already-running one: a connection never has two
// concurrent jobs.
func (s *Service) StartSync(ctx context.Context, connectionID string, fullSync bool) (string, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}

	j := &job{
		id:           uuid.NewString(),
		kind:         jobSync,
		connectionID: conn.ID,
		userID:       conn.UserID,
		fullSync:     fullSync,
	}
	if prev, loaded := s.active.LoadOrStore(conn.ID, j.id); loaded {
		return prev.(string), nil
	}

	select {
	case s.jobs <- j:
		return j.id, nil
	default:
		s.active.Delete(conn.ID)
		return "", fmt.Errorf("syncer: job queue full")
	}
}

// ComputeTaxLots queues a full cost-basis recompute for a user. The replay
// always covers all years; taxYear only scopes subsequent reads.
func (s *Service) ComputeTaxLots(userID string) (string, error) {
	if s.costBasis == nil {
		return "", fmt.Errorf("syncer: cost-basis engine not configured")
	}
	j := &job{id: uuid.NewString(), kind: jobTaxLots, userID: userID}
	select {
	case s.jobs <- j:
		return j.id, nil
	default:
		return "", fmt.Errorf("syncer: job queue full")
	}
}

// TriggerReconciliation runs one reconciliation pass synchronously. Safe to
// re-run: committed links make repeated passes no-ops.
func (s *Service) TriggerReconciliation(ctx context.Context, connectionID string) (*reconcile.Result, error) {
	if s.reconciler == nil {
		return nil, fmt.Errorf("syncer: reconciliation engine not configured")
	}
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	res, err := s.reconciler.Run(ctx, conn)
	if err != nil {
		return nil, err
	}
	observability.RecordReconciliation(res.DirectLinks, res.ScoredLinks, res.OffRamps, res.Reclassified)
	return res, nil
}

// SyncStatus is the user-visible state of a connection's sync.
type SyncStatus struct {
	Overall           domain.ConnectionStatus
	Syncing           bool
	PerPhase          map[int]domain.PhaseStatus
	TotalTransactions int
	LastError         string
	LastSyncAt        *time.Time
}

// Status reports the current sync state of a connection.
func (s *Service) Status(ctx context.Context, connectionID string) (*SyncStatus, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	total, err := s.transactions.CountByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	_, syncing := s.active.Load(connectionID)
	return &SyncStatus{
		Overall:           conn.Status,
		Syncing:           syncing,
		PerPhase:          conn.SyncCursor.PhaseStatuses(),
		TotalTransactions: total,
		LastError:         conn.LastError,
		LastSyncAt:        conn.LastSyncAt,
	}, nil
}
