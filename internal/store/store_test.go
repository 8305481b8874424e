package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteFromURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	backend, err := Open(context.Background(), "sqlite://"+path, Options{})
	if err != nil {
		t.Fatalf("open sqlite backend failed: %v", err)
	}
	defer backend.Close()
	if backend.Name() != "sqlite" {
		t.Fatalf("expected sqlite backend, got %q", backend.Name())
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	if _, err := Open(context.Background(), "redis://localhost:6379", Options{}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := Open(context.Background(), "mysql://localhost/vault", Options{}); err == nil {
		t.Fatalf("expected not implemented error for mysql backend")
	} else if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql backend, got %v", err)
	}
}

func TestOpenEmptyURI(t *testing.T) {
	if _, err := Open(context.Background(), "  ", Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestDSNPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "..", "vault.db")
	backend, err := Open(context.Background(), "sqlite://"+filepath.Clean(path), Options{})
	if err != nil {
		t.Fatalf("open sqlite with cleaned path failed: %v", err)
	}
	defer backend.Close()
}
