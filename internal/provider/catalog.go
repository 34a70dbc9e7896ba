package provider

import (
	"context"
	"errors"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/repo"
)

// ErrUnknownPlan is returned by a Catalog that has no plan under the code.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a listed product. Price is in wallet units.
type Plan struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Network   string `json:"network,omitempty"`
	Validity  string `json:"validity,omitempty"`
	Price     int64  `json:"price"`
	Available bool   `json:"available"`
}

// Catalog exposes the provider's price list and reseller float.
type Catalog interface {
	Plans(ctx context.Context, service string) ([]Plan, error)
	Plan(ctx context.Context, service, code string) (Plan, error)
	Float(ctx context.Context) (float64, error)
}

// CheckPrice rejects a product purchase whose amount differs from the listed
// price, or whose product is unknown or withdrawn. Requests without a product
// code, and a nil catalog, pass unchecked.
func CheckPrice(ctx context.Context, c Catalog, service repo.TransactionType, code string, amount int64) error {
	if c == nil || code == "" {
		return nil
	}
	p, err := c.Plan(ctx, string(service), code)
	if err != nil {
		if errors.Is(err, ErrUnknownPlan) {
			return apperr.Newf(apperr.KindValidation, "unknown product %s", code)
		}
		return apperr.Wrap(apperr.KindProviderUnavailable, "price list unavailable, please try again later", err)
	}
	if !p.Available {
		return apperr.Newf(apperr.KindValidation, "product %s is not available", code)
	}
	if p.Price > 0 && p.Price != amount {
		return apperr.Newf(apperr.KindValidation, "amount %d does not match the price %d of %s", amount, p.Price, code)
	}
	return nil
}
