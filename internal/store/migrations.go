// ABOUTME: Built-in schema migration set for the retail store database
// ABOUTME: Versions are append-only; never edit a shipped migration

package store

// Migrations is the built-in, ordered schema history. New schema work
// is appended as a new version; shipped versions are immutable.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "create_users_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				password TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'worker',
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version:     2,
		Description: "insert_default_admin",
		DDL: `
			INSERT OR IGNORE INTO users (username, password, role)
			VALUES ('admin', 'admin123', 'admin');
		`,
	},
	{
		Version:     3,
		Description: "create_customers_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS customers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				phone TEXT,
				address TEXT,
				balance REAL NOT NULL DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_customers_name ON customers(name);
		`,
	},
	{
		Version:     4,
		Description: "create_products_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS products (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				category TEXT,
				unit TEXT NOT NULL DEFAULT 'kg',
				price REAL NOT NULL DEFAULT 0,
				stock_quantity REAL NOT NULL DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
			CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
		`,
	},
	{
		Version:     5,
		Description: "create_invoices_tables",
		DDL: `
			CREATE TABLE IF NOT EXISTS invoices (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				invoice_number TEXT NOT NULL UNIQUE,
				customer_id INTEGER REFERENCES customers(id),
				total REAL NOT NULL DEFAULT 0,
				paid REAL NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'unpaid'
					CHECK (status IN ('unpaid', 'partial', 'paid')),
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_invoices_customer ON invoices(customer_id);
			CREATE INDEX IF NOT EXISTS idx_invoices_created ON invoices(created_at);

			CREATE TABLE IF NOT EXISTS invoice_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				invoice_id INTEGER NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
				product_id INTEGER NOT NULL REFERENCES products(id),
				quantity REAL NOT NULL,
				unit_price REAL NOT NULL,
				line_total REAL NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id);
		`,
	},
	{
		Version:     6,
		Description: "create_stock_movements_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS stock_movements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				product_id INTEGER NOT NULL REFERENCES products(id),
				delta REAL NOT NULL,
				reason TEXT NOT NULL,
				reference TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(product_id);
			CREATE INDEX IF NOT EXISTS idx_stock_movements_created ON stock_movements(created_at);
		`,
	},
	{
		Version:     7,
		Description: "create_customer_ledger_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS customer_ledger (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				customer_id INTEGER NOT NULL REFERENCES customers(id),
				invoice_id INTEGER REFERENCES invoices(id),
				amount REAL NOT NULL,
				entry_type TEXT NOT NULL CHECK (entry_type IN ('debit', 'credit')),
				note TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_customer_ledger_customer ON customer_ledger(customer_id);
			CREATE INDEX IF NOT EXISTS idx_customer_ledger_invoice ON customer_ledger(invoice_id);
		`,
	},
	{
		Version:     8,
		Description: "create_app_settings_table",
		DDL: `
			CREATE TABLE IF NOT EXISTS app_settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			INSERT OR IGNORE INTO app_settings (key, value) VALUES ('schema_seeded', '1');
		`,
	},
}
