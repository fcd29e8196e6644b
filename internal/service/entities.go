// ABOUTME: Retail entity helpers over the service facade
// ABOUTME: Reads go through the cache; writes commit, then invalidate and notify

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itehadironstore/ironstore/internal/cache"
	"github.com/itehadironstore/ironstore/internal/events"
	"github.com/itehadironstore/ironstore/internal/txn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrInsufficientStock is returned when a sale would take a product's
// stock below zero.
var ErrInsufficientStock = errors.New("insufficient stock")

// Cache tags, one per table. Invalidating a tag drops every cached
// query that read the table.
const (
	tagCustomers = "customers"
	tagProducts  = "products"
	tagInvoices  = "invoices"
	tagStock     = "stock_movements"
	tagLedger    = "customer_ledger"
)

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Customer is one customer account.
type Customer struct {
	ID        int64
	Name      string
	Phone     string
	Address   string
	Balance   float64
	CreatedAt time.Time
}

// Product is one stocked item.
type Product struct {
	ID        int64
	Name      string
	Category  string
	Unit      string
	Price     float64
	Stock     float64
	CreatedAt time.Time
}

// Invoice is one sale, with its line items when loaded individually.
type Invoice struct {
	ID         int64
	Number     string
	CustomerID sql.NullInt64
	Total      float64
	Paid       float64
	Status     string
	CreatedAt  time.Time
	Items      []InvoiceItem
}

// InvoiceItem is one invoice line.
type InvoiceItem struct {
	ID        int64
	ProductID int64
	Quantity  float64
	UnitPrice float64
	LineTotal float64
}

// InvoiceLine is the caller's input for one line of a new invoice.
type InvoiceLine struct {
	ProductID int64
	Quantity  float64
	UnitPrice float64
}

// StockMovement is one audited stock change.
type StockMovement struct {
	ID        int64
	ProductID int64
	Delta     float64
	Reason    string
	Reference string
	CreatedAt time.Time
}

// LedgerEntry is one debit or credit on a customer account.
type LedgerEntry struct {
	ID         int64
	CustomerID int64
	InvoiceID  sql.NullInt64
	Amount     float64
	EntryType  string
	Note       string
	CreatedAt  time.Time
}

// ListCustomers returns customers matching the optional search term,
// newest first. Results are cached per (search, page).
func (s *Service) ListCustomers(ctx context.Context, search string, page Page) ([]Customer, error) {
	page = page.normalize()
	opts := CacheOptions{
		Key:  cache.Key("customers", search, page.Limit, page.Offset),
		Tags: []string{tagCustomers},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		query := `SELECT id, name, phone, address, balance, created_at FROM customers`
		args := []any{}
		if search != "" {
			query += ` WHERE name LIKE ? OR phone LIKE ?`
			like := "%" + search + "%"
			args = append(args, like, like)
		}
		query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)

		rows, err := s.conn.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var customers []Customer
		for rows.Next() {
			var c Customer
			var phone, address sql.NullString
			if err := rows.Scan(&c.ID, &c.Name, &phone, &address, &c.Balance, &c.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning customer: %w", err)
			}
			c.Phone, c.Address = phone.String, address.String
			customers = append(customers, c)
		}
		return customers, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	customers, _ := v.([]Customer)
	return customers, nil
}

// GetCustomer loads one customer by id.
func (s *Service) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	opts := CacheOptions{
		Key:  cache.Key("customer", id),
		Tags: []string{tagCustomers},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		var c Customer
		var phone, address sql.NullString
		err := s.conn.QueryRow(ctx,
			`SELECT id, name, phone, address, balance, created_at FROM customers WHERE id = ?`,
			id).Scan(&c.ID, &c.Name, &phone, &address, &c.Balance, &c.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customer %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		c.Phone, c.Address = phone.String, address.String
		return c, nil
	})
	if err != nil {
		return Customer{}, err
	}
	return v.(Customer), nil
}

// CreateCustomer inserts a customer and returns its id.
func (s *Service) CreateCustomer(ctx context.Context, c Customer) (int64, error) {
	if strings.TrimSpace(c.Name) == "" {
		return 0, errors.New("customer name is required")
	}

	var id int64
	err := s.InTransaction(ctx, "create_customer", func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.Execute(ctx,
			`INSERT INTO customers (name, phone, address, balance) VALUES (?, ?, ?, ?)`,
			c.Name, c.Phone, c.Address, c.Balance)
		if err != nil {
			return err
		}
		id = res.LastID
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.changed(events.Event{Kind: events.CustomerCreated, Table: "customers", EntityID: id}, tagCustomers)
	return id, nil
}

// UpdateCustomer rewrites a customer's contact fields.
func (s *Service) UpdateCustomer(ctx context.Context, c Customer) error {
	err := s.InTransaction(ctx, "update_customer", func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.Execute(ctx,
			`UPDATE customers SET name = ?, phone = ?, address = ? WHERE id = ?`,
			c.Name, c.Phone, c.Address, c.ID)
		if err != nil {
			return err
		}
		if res.Affected == 0 {
			return fmt.Errorf("customer %d: %w", c.ID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.changed(events.Event{Kind: events.CustomerUpdated, Table: "customers", EntityID: c.ID}, tagCustomers)
	return nil
}

// ListProducts returns products matching the optional search term.
func (s *Service) ListProducts(ctx context.Context, search string, page Page) ([]Product, error) {
	page = page.normalize()
	opts := CacheOptions{
		Key:  cache.Key("products", search, page.Limit, page.Offset),
		Tags: []string{tagProducts},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		query := `SELECT id, name, category, unit, price, stock_quantity, created_at FROM products`
		args := []any{}
		if search != "" {
			query += ` WHERE name LIKE ? OR category LIKE ?`
			like := "%" + search + "%"
			args = append(args, like, like)
		}
		query += ` ORDER BY name ASC LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)

		rows, err := s.conn.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var products []Product
		for rows.Next() {
			var p Product
			var category sql.NullString
			if err := rows.Scan(&p.ID, &p.Name, &category, &p.Unit, &p.Price, &p.Stock, &p.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning product: %w", err)
			}
			p.Category = category.String
			products = append(products, p)
		}
		return products, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	products, _ := v.([]Product)
	return products, nil
}

// GetProduct loads one product by id.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	opts := CacheOptions{
		Key:  cache.Key("product", id),
		Tags: []string{tagProducts},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		var p Product
		var category sql.NullString
		err := s.conn.QueryRow(ctx,
			`SELECT id, name, category, unit, price, stock_quantity, created_at FROM products WHERE id = ?`,
			id).Scan(&p.ID, &p.Name, &category, &p.Unit, &p.Price, &p.Stock, &p.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		p.Category = category.String
		return p, nil
	})
	if err != nil {
		return Product{}, err
	}
	return v.(Product), nil
}

// CreateProduct inserts a product and returns its id.
func (s *Service) CreateProduct(ctx context.Context, p Product) (int64, error) {
	if strings.TrimSpace(p.Name) == "" {
		return 0, errors.New("product name is required")
	}
	if p.Unit == "" {
		p.Unit = "kg"
	}

	var id int64
	err := s.InTransaction(ctx, "create_product", func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.Execute(ctx,
			`INSERT INTO products (name, category, unit, price, stock_quantity) VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.Category, p.Unit, p.Price, p.Stock)
		if err != nil {
			return err
		}
		id = res.LastID
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.changed(events.Event{Kind: events.ProductCreated, Table: "products", EntityID: id}, tagProducts)
	return id, nil
}

// UpdateProduct rewrites a product's descriptive fields and price.
// Stock changes go through AdjustStock so every change is audited.
func (s *Service) UpdateProduct(ctx context.Context, p Product) error {
	err := s.InTransaction(ctx, "update_product", func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.Execute(ctx,
			`UPDATE products SET name = ?, category = ?, unit = ?, price = ? WHERE id = ?`,
			p.Name, p.Category, p.Unit, p.Price, p.ID)
		if err != nil {
			return err
		}
		if res.Affected == 0 {
			return fmt.Errorf("product %d: %w", p.ID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.changed(events.Event{Kind: events.ProductUpdated, Table: "products", EntityID: p.ID}, tagProducts)
	return nil
}

// AdjustStock applies a signed stock delta with an audit movement. A
// negative delta that would take stock below zero fails the whole
// transaction with ErrInsufficientStock.
func (s *Service) AdjustStock(ctx context.Context, productID int64, delta float64, reason, reference string) error {
	err := s.InTransaction(ctx, "adjust_stock", func(ctx context.Context, tx *txn.Tx) error {
		if err := adjustStockInTx(ctx, tx, productID, delta); err != nil {
			return err
		}
		_, err := tx.Execute(ctx,
			`INSERT INTO stock_movements (product_id, delta, reason, reference) VALUES (?, ?, ?, ?)`,
			productID, delta, reason, reference)
		return err
	})
	if err != nil {
		return err
	}

	s.changed(events.Event{Kind: events.StockMoved, Table: "products", EntityID: productID},
		tagProducts, tagStock)
	return nil
}

// adjustStockInTx moves a product's stock inside a live transaction.
func adjustStockInTx(ctx context.Context, tx *txn.Tx, productID int64, delta float64) error {
	var stock float64
	err := tx.QueryRow(ctx,
		`SELECT stock_quantity FROM products WHERE id = ?`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if stock+delta < 0 {
		return fmt.Errorf("product %d has %.3f, need %.3f: %w",
			productID, stock, -delta, ErrInsufficientStock)
	}

	_, err = tx.Execute(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + ? WHERE id = ?`,
		delta, productID)
	return err
}

// CreateInvoice records a sale as one transaction: the invoice row,
// its line items, a stock decrement and movement per line, and a
// ledger debit for the unpaid remainder of a customer sale. Any
// failure rolls the whole sale back.
func (s *Service) CreateInvoice(ctx context.Context, customerID int64, lines []InvoiceLine, paid float64) (Invoice, error) {
	if len(lines) == 0 {
		return Invoice{}, errors.New("invoice needs at least one line")
	}

	var total float64
	for _, line := range lines {
		if line.Quantity <= 0 {
			return Invoice{}, fmt.Errorf("product %d: quantity must be positive", line.ProductID)
		}
		total += line.Quantity * line.UnitPrice
	}

	inv := Invoice{
		Number: newInvoiceNumber(),
		Total:  total,
		Paid:   paid,
		Status: invoiceStatus(total, paid),
	}
	if customerID > 0 {
		inv.CustomerID = sql.NullInt64{Int64: customerID, Valid: true}
	}

	err := s.InTransaction(ctx, "create_invoice", func(ctx context.Context, tx *txn.Tx) error {
		res, err := tx.Execute(ctx,
			`INSERT INTO invoices (invoice_number, customer_id, total, paid, status) VALUES (?, ?, ?, ?, ?)`,
			inv.Number, inv.CustomerID, inv.Total, inv.Paid, inv.Status)
		if err != nil {
			return err
		}
		inv.ID = res.LastID

		for _, line := range lines {
			lineTotal := line.Quantity * line.UnitPrice
			itemRes, err := tx.Execute(ctx,
				`INSERT INTO invoice_items (invoice_id, product_id, quantity, unit_price, line_total)
				 VALUES (?, ?, ?, ?, ?)`,
				inv.ID, line.ProductID, line.Quantity, line.UnitPrice, lineTotal)
			if err != nil {
				return err
			}

			if err := adjustStockInTx(ctx, tx, line.ProductID, -line.Quantity); err != nil {
				return err
			}
			if _, err := tx.Execute(ctx,
				`INSERT INTO stock_movements (product_id, delta, reason, reference) VALUES (?, ?, 'sale', ?)`,
				line.ProductID, -line.Quantity, inv.Number); err != nil {
				return err
			}

			inv.Items = append(inv.Items, InvoiceItem{
				ID:        itemRes.LastID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				LineTotal: lineTotal,
			})
		}

		// Credit sales debit the customer account for the remainder
		if remainder := total - paid; inv.CustomerID.Valid && remainder > 0 {
			if err := postLedgerInTx(ctx, tx, LedgerEntry{
				CustomerID: customerID,
				InvoiceID:  sql.NullInt64{Int64: inv.ID, Valid: true},
				Amount:     remainder,
				EntryType:  "debit",
				Note:       "invoice " + inv.Number,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}

	s.changed(events.Event{Kind: events.InvoiceCreated, Table: "invoices", EntityID: inv.ID},
		tagInvoices, tagProducts, tagStock, tagCustomers, tagLedger)
	return inv, nil
}

// newInvoiceNumber builds a unique, roughly chronological number.
func newInvoiceNumber() string {
	return fmt.Sprintf("INV-%s-%s",
		time.Now().Format("20060102"),
		strings.ToUpper(uuid.New().String()[:8]))
}

// invoiceStatus derives the payment status from amounts.
func invoiceStatus(total, paid float64) string {
	switch {
	case paid >= total:
		return "paid"
	case paid > 0:
		return "partial"
	default:
		return "unpaid"
	}
}

// GetInvoice loads one invoice with its line items.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	opts := CacheOptions{
		Key:  cache.Key("invoice", id),
		Tags: []string{tagInvoices},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		var inv Invoice
		err := s.conn.QueryRow(ctx,
			`SELECT id, invoice_number, customer_id, total, paid, status, created_at
			 FROM invoices WHERE id = ?`, id).
			Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.Total, &inv.Paid, &inv.Status, &inv.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("invoice %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}

		rows, err := s.conn.Query(ctx,
			`SELECT id, product_id, quantity, unit_price, line_total
			 FROM invoice_items WHERE invoice_id = ? ORDER BY id`, id)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var item InvoiceItem
			if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
				return nil, fmt.Errorf("scanning invoice item: %w", err)
			}
			inv.Items = append(inv.Items, item)
		}
		return inv, rows.Err()
	})
	if err != nil {
		return Invoice{}, err
	}
	return v.(Invoice), nil
}

// ListInvoices returns invoices newest first, without line items.
func (s *Service) ListInvoices(ctx context.Context, page Page) ([]Invoice, error) {
	page = page.normalize()
	opts := CacheOptions{
		Key:  cache.Key("invoices", page.Limit, page.Offset),
		Tags: []string{tagInvoices},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		rows, err := s.conn.Query(ctx,
			`SELECT id, invoice_number, customer_id, total, paid, status, created_at
			 FROM invoices ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			page.Limit, page.Offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var invoices []Invoice
		for rows.Next() {
			var inv Invoice
			if err := rows.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.Total, &inv.Paid, &inv.Status, &inv.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning invoice: %w", err)
			}
			invoices = append(invoices, inv)
		}
		return invoices, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	invoices, _ := v.([]Invoice)
	return invoices, nil
}

// PostLedgerEntry records a debit or credit and moves the customer
// balance accordingly.
func (s *Service) PostLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error) {
	if entry.EntryType != "debit" && entry.EntryType != "credit" {
		return 0, fmt.Errorf("entry type must be debit or credit, got %q", entry.EntryType)
	}
	if entry.Amount <= 0 {
		return 0, errors.New("ledger amount must be positive")
	}

	var id int64
	err := s.InTransaction(ctx, "post_ledger_entry", func(ctx context.Context, tx *txn.Tx) error {
		if err := postLedgerInTx(ctx, tx, entry); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT last_insert_rowid()`).Scan(&id)
	})
	if err != nil {
		return 0, err
	}

	s.changed(events.Event{Kind: events.LedgerPosted, Table: "customer_ledger", EntityID: id},
		tagLedger, tagCustomers)
	return id, nil
}

// postLedgerInTx writes a ledger row and adjusts the customer balance
// inside a live transaction. Debits raise what the customer owes.
func postLedgerInTx(ctx context.Context, tx *txn.Tx, entry LedgerEntry) error {
	res, err := tx.Execute(ctx,
		`UPDATE customers SET balance = balance + ? WHERE id = ?`,
		signedAmount(entry), entry.CustomerID)
	if err != nil {
		return err
	}
	if res.Affected == 0 {
		return fmt.Errorf("customer %d: %w", entry.CustomerID, ErrNotFound)
	}

	_, err = tx.Execute(ctx,
		`INSERT INTO customer_ledger (customer_id, invoice_id, amount, entry_type, note)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.CustomerID, entry.InvoiceID, entry.Amount, entry.EntryType, entry.Note)
	return err
}

func signedAmount(entry LedgerEntry) float64 {
	if entry.EntryType == "credit" {
		return -entry.Amount
	}
	return entry.Amount
}

// CustomerLedger returns a customer's ledger entries, newest first.
func (s *Service) CustomerLedger(ctx context.Context, customerID int64, page Page) ([]LedgerEntry, error) {
	page = page.normalize()
	opts := CacheOptions{
		Key:  cache.Key("ledger", customerID, page.Limit, page.Offset),
		Tags: []string{tagLedger},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		rows, err := s.conn.Query(ctx,
			`SELECT id, customer_id, invoice_id, amount, entry_type, note, created_at
			 FROM customer_ledger WHERE customer_id = ?
			 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			customerID, page.Limit, page.Offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []LedgerEntry
		for rows.Next() {
			var e LedgerEntry
			var note sql.NullString
			if err := rows.Scan(&e.ID, &e.CustomerID, &e.InvoiceID, &e.Amount, &e.EntryType, &note, &e.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning ledger entry: %w", err)
			}
			e.Note = note.String
			entries = append(entries, e)
		}
		return entries, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	entries, _ := v.([]LedgerEntry)
	return entries, nil
}

// StockMovements returns a product's audit trail, newest first.
func (s *Service) StockMovements(ctx context.Context, productID int64, page Page) ([]StockMovement, error) {
	page = page.normalize()
	opts := CacheOptions{
		Key:  cache.Key("stock_movements", productID, page.Limit, page.Offset),
		Tags: []string{tagStock},
	}

	v, err := s.Cached(ctx, opts, func(ctx context.Context) (any, error) {
		rows, err := s.conn.Query(ctx,
			`SELECT id, product_id, delta, reason, reference, created_at
			 FROM stock_movements WHERE product_id = ?
			 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			productID, page.Limit, page.Offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var movements []StockMovement
		for rows.Next() {
			var m StockMovement
			var reference sql.NullString
			if err := rows.Scan(&m.ID, &m.ProductID, &m.Delta, &m.Reason, &reference, &m.CreatedAt); err != nil {
				return nil, fmt.Errorf("scanning stock movement: %w", err)
			}
			m.Reference = reference.String
			movements = append(movements, m)
		}
		return movements, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	movements, _ := v.([]StockMovement)
	return movements, nil
}
