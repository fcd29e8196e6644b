// ABOUTME: Tests for the service facade
// ABOUTME: Covers cache-aside reads, post-commit invalidation and events, and health

package service

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itehadironstore/ironstore/internal/config"
	"github.com/itehadironstore/ironstore/internal/events"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "service-test.db")
	cfg.Cache.CleanupInterval = time.Hour

	svc, err := New(*cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return svc
}

func TestService_NewMigratesSchema(t *testing.T) {
	svc := setupTestService(t)

	// The built-in migrations seeded the admin user
	var username string
	require.NoError(t, svc.Conn().QueryRow(context.Background(),
		`SELECT username FROM users WHERE role = 'admin'`).Scan(&username))
	assert.Equal(t, "admin", username)
}

func TestService_CachedHitSkipsStore(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, err := svc.CreateProduct(ctx, Product{Name: "rice", Price: 120})
	require.NoError(t, err)

	first, err := svc.ListProducts(ctx, "", Page{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	queriesAfterFirst := svc.Conn().Stats().TotalQueries

	second, err := svc.ListProducts(ctx, "", Page{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The repeat came from cache, not the store
	assert.Equal(t, queriesAfterFirst, svc.Conn().Stats().TotalQueries)
}

func TestService_WriteInvalidatesListCache(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	before, err := svc.ListCustomers(ctx, "", Page{})
	require.NoError(t, err)
	assert.Empty(t, before)

	_, err = svc.CreateCustomer(ctx, Customer{Name: "Ahmed"})
	require.NoError(t, err)

	after, err := svc.ListCustomers(ctx, "", Page{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "Ahmed", after[0].Name)
}

func TestService_CreateCustomerEmitsEvent(t *testing.T) {
	svc := setupTestService(t)

	var got []events.Event
	svc.Events().Subscribe(events.CustomerCreated, func(ev events.Event) {
		got = append(got, ev)
	})

	id, err := svc.CreateCustomer(context.Background(), Customer{Name: "Sara", Phone: "0300"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "customers", got[0].Table)
	assert.Equal(t, id, got[0].EntityID)
}

func TestService_ConcurrentCreatesUnderOneSlot(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "one-slot.db")
	cfg.Cache.CleanupInterval = time.Hour
	cfg.Txn.MaxSlots = 1

	svc, err := New(*cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	ids := make(chan int64, 2)
	var wg sync.WaitGroup
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			id, err := svc.CreateCustomer(ctx, Customer{Name: name})
			assert.NoError(t, err)
			ids <- id
		}(name)
	}
	wg.Wait()
	close(ids)

	a, b := <-ids, <-ids
	assert.NotEqual(t, a, b)

	customers, err := svc.ListCustomers(ctx, "", Page{})
	require.NoError(t, err)
	assert.Len(t, customers, 2)
	assert.Equal(t, int64(2), svc.Metrics().Txn.Committed)
}

func TestService_GetCustomerNotFound(t *testing.T) {
	svc := setupTestService(t)

	_, err := svc.GetCustomer(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdateCustomerRefreshesCache(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	id, err := svc.CreateCustomer(ctx, Customer{Name: "Old Name"})
	require.NoError(t, err)

	cached, err := svc.GetCustomer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Old Name", cached.Name)

	cached.Name = "New Name"
	require.NoError(t, svc.UpdateCustomer(ctx, cached))

	fresh, err := svc.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New Name", fresh.Name)
}

func TestService_AdjustStock(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	id, err := svc.CreateProduct(ctx, Product{Name: "flour", Stock: 10})
	require.NoError(t, err)

	require.NoError(t, svc.AdjustStock(ctx, id, 5, "purchase", "PO-1"))
	require.NoError(t, svc.AdjustStock(ctx, id, -3, "damage", ""))

	p, err := svc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(12), p.Stock)

	movements, err := svc.StockMovements(ctx, id, Page{})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, float64(-3), movements[0].Delta)
}

func TestService_AdjustStockRejectsNegativeResult(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	id, err := svc.CreateProduct(ctx, Product{Name: "sugar", Stock: 2})
	require.NoError(t, err)

	err = svc.AdjustStock(ctx, id, -5, "sale", "")
	assert.ErrorIs(t, err, ErrInsufficientStock)

	p, err := svc.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(2), p.Stock)
}

func TestService_CreateInvoiceFullFlow(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	custID, err := svc.CreateCustomer(ctx, Customer{Name: "Bilal"})
	require.NoError(t, err)
	prodID, err := svc.CreateProduct(ctx, Product{Name: "oil", Price: 500, Stock: 20})
	require.NoError(t, err)

	inv, err := svc.CreateInvoice(ctx, custID, []InvoiceLine{
		{ProductID: prodID, Quantity: 4, UnitPrice: 500},
	}, 1500)
	require.NoError(t, err)

	assert.Equal(t, float64(2000), inv.Total)
	assert.Equal(t, "partial", inv.Status)
	assert.NotEmpty(t, inv.Number)
	require.Len(t, inv.Items, 1)

	// Stock moved and was audited
	p, err := svc.GetProduct(ctx, prodID)
	require.NoError(t, err)
	assert.Equal(t, float64(16), p.Stock)

	movements, err := svc.StockMovements(ctx, prodID, Page{})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, "sale", movements[0].Reason)
	assert.Equal(t, inv.Number, movements[0].Reference)

	// The unpaid remainder was debited to the customer
	c, err := svc.GetCustomer(ctx, custID)
	require.NoError(t, err)
	assert.Equal(t, float64(500), c.Balance)

	ledger, err := svc.CustomerLedger(ctx, custID, Page{})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "debit", ledger[0].EntryType)
	assert.Equal(t, float64(500), ledger[0].Amount)

	loaded, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Number, loaded.Number)
	require.Len(t, loaded.Items, 1)
}

func TestService_FailedInvoiceLeavesNoTrace(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	custID, err := svc.CreateCustomer(ctx, Customer{Name: "Noor"})
	require.NoError(t, err)
	okID, err := svc.CreateProduct(ctx, Product{Name: "tea", Price: 100, Stock: 50})
	require.NoError(t, err)
	lowID, err := svc.CreateProduct(ctx, Product{Name: "ghee", Price: 900, Stock: 1})
	require.NoError(t, err)

	emitted := 0
	svc.Events().Subscribe(events.InvoiceCreated, func(events.Event) { emitted++ })

	// Second line exceeds stock, so the whole sale must roll back
	_, err = svc.CreateInvoice(ctx, custID, []InvoiceLine{
		{ProductID: okID, Quantity: 10, UnitPrice: 100},
		{ProductID: lowID, Quantity: 3, UnitPrice: 900},
	}, 0)
	require.ErrorIs(t, err, ErrInsufficientStock)

	assert.Equal(t, 0, emitted)

	p, err := svc.GetProduct(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, float64(50), p.Stock, "first line's decrement must be rolled back")

	invoices, err := svc.ListInvoices(ctx, Page{})
	require.NoError(t, err)
	assert.Empty(t, invoices)

	c, err := svc.GetCustomer(ctx, custID)
	require.NoError(t, err)
	assert.Zero(t, c.Balance)
}

func TestService_PostLedgerEntry(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	custID, err := svc.CreateCustomer(ctx, Customer{Name: "Zain", Balance: 0})
	require.NoError(t, err)

	_, err = svc.PostLedgerEntry(ctx, LedgerEntry{
		CustomerID: custID, Amount: 800, EntryType: "debit", Note: "old dues",
	})
	require.NoError(t, err)

	_, err = svc.PostLedgerEntry(ctx, LedgerEntry{
		CustomerID: custID, Amount: 300, EntryType: "credit", Note: "cash received",
	})
	require.NoError(t, err)

	c, err := svc.GetCustomer(ctx, custID)
	require.NoError(t, err)
	assert.Equal(t, float64(500), c.Balance)

	entries, err := svc.CustomerLedger(ctx, custID, Page{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = svc.PostLedgerEntry(ctx, LedgerEntry{CustomerID: custID, Amount: 10, EntryType: "refund"})
	assert.Error(t, err)
}

func TestService_WarmCache(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCustomer(ctx, Customer{Name: "warm"})
	require.NoError(t, err)

	require.NoError(t, svc.WarmCache(ctx))

	queriesAfterWarm := svc.Conn().Stats().TotalQueries
	_, err = svc.ListCustomers(ctx, "", Page{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, queriesAfterWarm, svc.Conn().Stats().TotalQueries)
}

func TestService_PaginatedQuery(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := svc.CreateProduct(ctx, Product{Name: name, Price: 10})
		require.NoError(t, err)
	}

	page2, err := svc.PaginatedQuery(ctx,
		`SELECT id, name FROM products ORDER BY name`,
		`SELECT COUNT(*) FROM products`,
		nil, 2, 2, CacheOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), page2.Total)
	assert.Equal(t, 2, page2.Page)
	require.Len(t, page2.Rows, 2)
	assert.Equal(t, "c", page2.Rows[0]["name"])
	assert.Equal(t, "d", page2.Rows[1]["name"])

	// Last page is short
	page3, err := svc.PaginatedQuery(ctx,
		`SELECT id, name FROM products ORDER BY name`,
		`SELECT COUNT(*) FROM products`,
		nil, 3, 2, CacheOptions{})
	require.NoError(t, err)
	require.Len(t, page3.Rows, 1)
	assert.Equal(t, "e", page3.Rows[0]["name"])
}

func TestService_MetricsSnapshot(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCustomer(ctx, Customer{Name: "snap"})
	require.NoError(t, err)

	m := svc.Metrics()
	assert.Equal(t, int64(1), m.Txn.Committed)
	assert.Equal(t, int64(1), m.Events.Emitted)
	assert.Greater(t, m.Store.TotalQueries, int64(0))
}

func TestService_HealthCheck(t *testing.T) {
	svc := setupTestService(t)

	h := svc.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.NotEmpty(t, h.StorePath)
	assert.Greater(t, h.Store.TotalQueries, int64(0))
}

func TestService_MetricsHandler(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCustomer(ctx, Customer{Name: "metric"})
	require.NoError(t, err)
	_, err = svc.ListCustomers(ctx, "", Page{})
	require.NoError(t, err)
	_, err = svc.ListCustomers(ctx, "", Page{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ironstore_transactions_total{outcome="committed"} 1`)
	assert.Contains(t, body, `ironstore_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, body, "ironstore_events_emitted_total 1")
}
