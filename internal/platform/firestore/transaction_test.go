package firestore

import (
	"context"
	"testing"
	"time"
)

func TestNewTxConfig(t *testing.T) {
	cfg := newTxConfig(nil)
	if cfg.attempts != defaultTxAttempts || cfg.timeout != defaultTxTimeout {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg = newTxConfig([]TxOption{WithTxAttempts(2), WithTxTimeout(3 * time.Second), nil})
	if cfg.attempts != 2 || cfg.timeout != 3*time.Second {
		t.Fatalf("options not applied %+v", cfg)
	}

	cfg = newTxConfig([]TxOption{WithTxAttempts(0), WithTxTimeout(-time.Second)})
	if cfg.attempts != defaultTxAttempts || cfg.timeout != defaultTxTimeout {
		t.Fatalf("non-positive values should keep defaults %+v", cfg)
	}
}

func TestRunTransactionRequiresClient(t *testing.T) {
	err := RunTransaction(context.Background(), nil, nil)
	if err == nil {
		t.Fatalf("expected error without client")
	}
}
