package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")
	ctx = log.WithCheckoutReference(ctx, "20260101-rec1-1700000000000")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte("\"request_id\"")) {
		t.Fatalf("expected request_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\"checkout_reference\":\"20260101-rec1-1700000000000\"")) {
		t.Fatalf("expected checkout_reference field; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("expected stack when warn stack enabled")
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("did not expect stack when warn stack disabled")
	}
}

func TestLoggerFieldsDoNotLeakAcrossContexts(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	base := context.Background()
	_ = log.WithJob(base, "reconcile-pending-orders")
	log.Info(base, "plain")

	if bytes.Contains(buf.Bytes(), []byte("\"job\"")) {
		t.Fatalf("expected parent context to stay untouched; entry=%s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestLoggerDebugRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})
	log.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug entry to be filtered at info level; entry=%s", buf.String())
	}

	verbose := New(Options{ServiceName: "test", Level: zerolog.DebugLevel, Output: buf})
	verbose.Debug(context.Background(), "shown")
	if !bytes.Contains(buf.Bytes(), []byte("\"shown\"")) {
		t.Fatalf("expected debug entry; entry=%s", buf.String())
	}
}

func TestLoggerErrorTagsTypedCode(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	err := fmt.Errorf("checkout: %w", pkgerrors.New(pkgerrors.CodeStateConflict, "records unavailable"))
	log.Error(context.Background(), "checkout failed", err)

	if !bytes.Contains(buf.Bytes(), []byte("\"error_code\":\"STATE_CONFLICT\"")) {
		t.Fatalf("expected error_code field; entry=%s", buf.String())
	}
}

func TestLoggerConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Format: "console", Output: buf})
	log.Info(log.WithCheckoutReference(context.Background(), "ref-1"), "order paid")

	if bytes.HasPrefix(bytes.TrimSpace(buf.Bytes()), []byte("{")) {
		t.Fatalf("console format should not emit JSON; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("order paid")) || !bytes.Contains(buf.Bytes(), []byte("ref-1")) {
		t.Fatalf("expected message and reference; entry=%s", buf.String())
	}
}
