// ABOUTME: Persistence service facade wiring connection, cache, transactions, and events
// ABOUTME: Owns component lifecycle; all writes invalidate and notify only after commit

package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itehadironstore/ironstore/internal/cache"
	"github.com/itehadironstore/ironstore/internal/config"
	"github.com/itehadironstore/ironstore/internal/events"
	"github.com/itehadironstore/ironstore/internal/observe"
	"github.com/itehadironstore/ironstore/internal/store"
	"github.com/itehadironstore/ironstore/internal/txn"
)

// StoreAccess is the read/write surface the entity helpers build on.
// Embedders that only need raw access can depend on this instead of
// the full Service.
type StoreAccess interface {
	Cached(ctx context.Context, opts CacheOptions, fetch FetchFn) (any, error)
	Execute(ctx context.Context, stmt string, args ...any) (store.ExecResult, error)
	InTransaction(ctx context.Context, label string, fn txn.Fn) error
}

// CacheOptions controls caching for one read. An empty Key disables
// caching for the call.
type CacheOptions struct {
	Key  string
	TTL  time.Duration
	Tags []string
}

// FetchFn loads a value from the store on a cache miss.
type FetchFn func(ctx context.Context) (any, error)

// Service is the facade over the persistence layer. Construct with
// New, share by pointer, and Close on shutdown.
type Service struct {
	conn    *store.Conn
	cache   *cache.Cache
	txns    *txn.Manager
	bus     *events.Bus
	metrics *observe.Metrics
	logger  *slog.Logger

	shutdownGrace time.Duration
}

// New opens the store, applies pending migrations, and wires the
// cache, transaction manager, event bus, and metrics.
func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := store.Open(store.Options{
		Path:               cfg.Store.Path,
		BusyTimeout:        cfg.Store.BusyTimeout,
		SlowQueryThreshold: cfg.Store.SlowQueryThreshold,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	migrator, err := store.NewMigrator(conn, store.Migrations)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("building migrator: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrator.Initialize(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := migrator.Apply(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	qc, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("building cache: %w", err)
	}

	manager := txn.NewManager(conn, txn.Config{
		MaxSlots:       int64(cfg.Txn.MaxSlots),
		MaxRetries:     cfg.Txn.MaxRetries,
		Timeout:        cfg.Txn.Timeout,
		RetryBaseDelay: cfg.Txn.RetryBaseDelay,
		RetryMaxDelay:  cfg.Txn.RetryMaxDelay,
	}, logger)

	return &Service{
		conn:          conn,
		cache:         qc,
		txns:          manager,
		bus:           events.New(logger),
		metrics:       observe.New(),
		logger:        logger.With("component", "service"),
		shutdownGrace: cfg.Txn.ShutdownGrace,
	}, nil
}

// Conn exposes the raw connection for migrations and operator tooling.
func (s *Service) Conn() *store.Conn { return s.conn }

// Events exposes the data change bus for subscribers.
func (s *Service) Events() *events.Bus { return s.bus }

// Cached serves a read through the query cache. On a miss, fetch runs
// and its result is stored under opts.Key with opts.TTL and opts.Tags.
// A fetch error is returned without caching anything.
func (s *Service) Cached(ctx context.Context, opts CacheOptions, fetch FetchFn) (any, error) {
	if opts.Key == "" {
		return fetch(ctx)
	}

	if v, ok := s.cache.Get(opts.Key); ok {
		s.metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	s.metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(opts.Key, v, opts.TTL, opts.Tags...)
	return v, nil
}

// Execute runs a single mutating statement outside any transaction.
func (s *Service) Execute(ctx context.Context, stmt string, args ...any) (store.ExecResult, error) {
	start := time.Now()
	res, err := s.conn.Execute(ctx, stmt, args...)
	s.metrics.QueriesTotal.WithLabelValues("execute").Inc()
	s.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ConnectionErrorsTotal.Inc()
	}
	return res, err
}

// InTransaction runs fn under the transaction manager. Nested calls
// join the surrounding transaction as savepoints.
func (s *Service) InTransaction(ctx context.Context, label string, fn txn.Fn) error {
	before := s.txns.Stats()
	err := s.txns.ExecuteWith(ctx, txn.Options{Label: label}, fn)
	after := s.txns.Stats()

	if d := after.Retried - before.Retried; d > 0 {
		s.metrics.TxRetriesTotal.Add(float64(d))
	}
	if err != nil {
		s.metrics.TxTotal.WithLabelValues("rolled_back").Inc()
		return err
	}
	s.metrics.TxTotal.WithLabelValues("committed").Inc()
	return nil
}

// changed invalidates the affected cache tags and publishes the event.
// Called only after a successful commit; a failed write must leave the
// cache and subscribers untouched.
func (s *Service) changed(ev events.Event, tags ...string) {
	for _, tag := range tags {
		s.cache.Invalidate(tag)
	}
	s.bus.Emit(ev)
	s.metrics.EventsEmittedTotal.Inc()
}

// PagedResult is one page of a paginated query plus the total row
// count of the unpaged query.
type PagedResult struct {
	Rows  []map[string]any
	Total int64
	Page  int
	Size  int
}

// PaginatedQuery runs baseSQL with LIMIT/OFFSET appended and countSQL
// for the total, optionally cached as one unit. Pages are 1-based.
// Rows come back as generic column maps; entity helpers exist for the
// typed shapes.
func (s *Service) PaginatedQuery(ctx context.Context, baseSQL, countSQL string, args []any, page, size int, opts CacheOptions) (PagedResult, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 500 {
		size = 50
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		result := PagedResult{Page: page, Size: size}

		if err := s.conn.QueryRow(ctx, countSQL, args...).Scan(&result.Total); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}

		pagedArgs := append(append([]any{}, args...), size, (page-1)*size)
		rows, err := s.conn.Query(ctx, baseSQL+" LIMIT ? OFFSET ?", pagedArgs...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("scanning page row: %w", err)
			}
			row := make(map[string]any, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			result.Rows = append(result.Rows, row)
		}
		return result, rows.Err()
	})
	if err != nil {
		return PagedResult{}, err
	}
	return v.(PagedResult), nil
}

// Counters is the aggregate snapshot of component counters.
type Counters struct {
	Store  store.Stats
	Cache  cache.Stats
	Txn    txn.Stats
	Events events.Stats
}

// Metrics returns the component counters without probing the store.
func (s *Service) Metrics() Counters {
	return Counters{
		Store:  s.conn.Stats(),
		Cache:  s.cache.Stats(),
		Txn:    s.txns.Stats(),
		Events: s.bus.Stats(),
	}
}

// WarmCache preloads the hot list queries so first paints hit memory.
func (s *Service) WarmCache(ctx context.Context) error {
	if _, err := s.ListCustomers(ctx, "", Page{Limit: 100}); err != nil {
		return fmt.Errorf("warming customers: %w", err)
	}
	if _, err := s.ListProducts(ctx, "", Page{Limit: 100}); err != nil {
		return fmt.Errorf("warming products: %w", err)
	}
	s.logger.Debug("cache warmed")
	return nil
}

// Health is a point-in-time view of the persistence layer.
type Health struct {
	Healthy   bool
	StorePath string
	Store     store.Stats
	Cache     cache.Stats
	Txn       txn.Stats
	Events    events.Stats
}

// HealthCheck probes the store and gathers component counters.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{
		StorePath: s.conn.Path(),
		Store:     s.conn.Stats(),
		Cache:     s.cache.Stats(),
		Txn:       s.txns.Stats(),
		Events:    s.bus.Stats(),
	}
	h.Healthy = s.conn.Ping(ctx) == nil
	return h
}

// MetricsHandler serves the Prometheus exposition endpoint.
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Close shuts the layer down in dependency order: stop accepting
// transactions, drain in-flight ones within the shutdown grace, then
// release the cache and the store handle.
func (s *Service) Close() error {
	grace := s.shutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.txns.Close(ctx); err != nil {
		s.logger.Warn("transactions did not drain before deadline", "error", err)
	}
	s.cache.Close()
	return s.conn.Close()
}
