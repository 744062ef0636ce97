// Package dbtest opens throwaway SQLite databases shaped like the Postgres
// schema so repositories can be exercised without a server.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var schema = []string{
	`CREATE TABLE vinyl_records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		artist_names TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 1,
		sold BOOLEAN NOT NULL DEFAULT 0,
		catalog_version INTEGER NOT NULL DEFAULT 0,
		reserved_by TEXT,
		updated_at DATETIME
	)`,
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		checkout_reference TEXT NOT NULL UNIQUE,
		payment_id TEXT,
		payment_provider TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		customer_phone TEXT,
		shipping_line1 TEXT NOT NULL,
		shipping_line2 TEXT,
		shipping_city TEXT NOT NULL,
		shipping_postcode TEXT NOT NULL,
		shipping_country TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		status_history TEXT NOT NULL DEFAULT '[]',
		confirmation_email_sent BOOLEAN NOT NULL DEFAULT 0,
		fulfilled_at DATETIME,
		fulfillment_retry_attempts INTEGER NOT NULL DEFAULT 0,
		last_fulfillment_attempt_at DATETIME,
		reservation_released_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		checkout_reference TEXT NOT NULL,
		vinyl_record_id TEXT NOT NULL,
		artist_names TEXT NOT NULL,
		title TEXT NOT NULL,
		price TEXT NOT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE order_logs (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		checkout_reference TEXT,
		message TEXT,
		metadata TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// Open returns an isolated in-memory database with every table created.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	// one connection keeps concurrent tests from tripping shared-cache table locks
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}
