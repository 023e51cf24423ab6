package dbpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MaxConns != 20 || o.MinConns != 2 || o.ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", o)
	}

	custom := Options{MaxConns: 5, MinConns: 1, ConnectTimeout: 3 * time.Second}.withDefaults()
	if custom.MaxConns != 5 || custom.MinConns != 1 || custom.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected explicit options to survive withDefaults, got %+v", custom)
	}
}

func TestGetFailsWithoutAnyURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	r := New(Options{}, nil)
	_, err := r.Get(context.Background(), "")
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.Configuration {
		t.Fatalf("expected Configuration error, got %v", err)
	}
}

func TestGetFailsOnUnparseableURL(t *testing.T) {
	r := New(Options{}, nil)
	_, err := r.Get(context.Background(), "not a valid url")
	var pe *pgmlerr.Error
	if !errors.As(err, &pe) || pe.Kind != pgmlerr.Configuration {
		t.Fatalf("expected Configuration error for unparseable URL, got %v", err)
	}
}

func TestCloseIsSafeOnEmptyRegistry(t *testing.T) {
	r := New(Options{}, nil)
	r.Close() // must not panic with no pools created
}
