package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/vtu"
)

func newCatalogServer(t *testing.T) *VTU {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/plans":
			_, _ = w.Write([]byte(`{"status":true,"data":[
				{"plan_code":"MTN-1GB","plan_name":"1GB 30 days","network":"MTN","price":"299.6"},
				{"plan_code":"GLO-2GB","plan_name":"2GB","network":"glo","price":500,"status":"disabled"}]}`))
		case "/api/balance":
			_, _ = w.Write([]byte(`{"status":true,"data":{"balance":"15200.50"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return NewVTU(vtu.New(vtu.Config{BaseURL: srv.URL}, logging.Discard(), nil, nil), "vtu")
}

func TestVTUCatalog(t *testing.T) {
	c := newCatalogServer(t)
	ctx := context.Background()

	plans, err := c.Plans(ctx, "data")
	if err != nil {
		t.Fatalf("plans: %v", err)
	}
	if len(plans) != 2 || plans[0].Price != 300 || !plans[0].Available || plans[1].Available {
		t.Fatalf("unexpected plans %+v", plans)
	}
	if _, err := c.Plan(ctx, "data", "AIRTEL-1GB"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
	float, err := c.Float(ctx)
	if err != nil || float != 15200.50 {
		t.Fatalf("unexpected float %v %v", float, err)
	}
}

type brokenCatalog struct{}

func (brokenCatalog) Plans(context.Context, string) ([]Plan, error) { return nil, errors.New("dial tcp: refused") }
func (brokenCatalog) Plan(context.Context, string, string) (Plan, error) {
	return Plan{}, errors.New("dial tcp: refused")
}
func (brokenCatalog) Float(context.Context) (float64, error) { return 0, errors.New("dial tcp: refused") }

func TestCheckPrice(t *testing.T) {
	c := newCatalogServer(t)
	ctx := context.Background()

	if err := CheckPrice(ctx, c, "data", "mtn-1gb", 300); err != nil {
		t.Fatalf("listed price must pass: %v", err)
	}
	if err := CheckPrice(ctx, c, "data", "MTN-1GB", 100); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for wrong amount, got %v", err)
	}
	if err := CheckPrice(ctx, c, "data", "GLO-2GB", 500); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for withdrawn plan, got %v", err)
	}
	if err := CheckPrice(ctx, c, "data", "NOPE", 500); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown plan, got %v", err)
	}
	if err := CheckPrice(ctx, brokenCatalog{}, "data", "MTN-1GB", 300); !errors.Is(err, apperr.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable when the list cannot be read, got %v", err)
	}
	if err := CheckPrice(ctx, nil, "data", "MTN-1GB", 1); err != nil {
		t.Fatalf("nil catalog must not check: %v", err)
	}
	if err := CheckPrice(ctx, c, "airtime", "", 100); err != nil {
		t.Fatalf("requests without product code must not check: %v", err)
	}
}
