package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testModel struct {
	ID   int
	Name string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := Wrap(db)

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestWithTxReplaysContention(t *testing.T) {
	db := newTestDB(t)
	client := Wrap(db)
	ctx := context.Background()

	calls := 0
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("reserve: %w", &pgconn.PgError{Code: "40001"})
		}
		return tx.Create(&testModel{Name: "replayed"}).Error
	})
	if err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}

	calls = 0
	deadlock := &pq.Error{Code: "40P01"}
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		calls++
		return deadlock
	})
	if !errors.Is(err, deadlock) || calls != txAttempts {
		t.Fatalf("expected %d attempts ending in deadlock, got %d: %v", txAttempts, calls, err)
	}

	calls = 0
	_ = client.WithTx(ctx, func(tx *gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	if calls != 1 {
		t.Fatalf("unique violations must not be replayed, got %d attempts", calls)
	}
}

func TestPing(t *testing.T) {
	client := Wrap(newTestDB(t))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(&testModel{Name: "dup"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := db.Create(&testModel{Name: "dup"}).Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected sqlite unique failure to be detected, got %v", err)
	}

	pgErr := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "orders_checkout_reference_key"})
	if !IsUniqueViolation(pgErr, "orders_checkout_reference_key") {
		t.Fatalf("expected pgconn violation to match constraint")
	}
	if IsUniqueViolation(pgErr, "other_constraint") {
		t.Fatalf("expected constraint mismatch to be rejected")
	}

	pqErr := &pq.Error{Code: "23505", Constraint: "vinyl_records_pkey"}
	if !IsUniqueViolation(pqErr, "") {
		t.Fatalf("expected pq violation to be detected")
	}

	if IsUniqueViolation(errors.New("connection reset"), "") {
		t.Fatalf("unrelated errors are not violations")
	}
	if IsUniqueViolation(nil, "") {
		t.Fatalf("nil is not a violation")
	}
}

func TestIsNotFound(t *testing.T) {
	db := newTestDB(t)
	var row testModel
	err := db.Where("name = ?", "missing").First(&row).Error
	if !IsNotFound(err) {
		t.Fatalf("expected record not found, got %v", err)
	}
}
