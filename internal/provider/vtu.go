package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"vtu-engine/internal/repo"
	"vtu-engine/internal/vtu"
)

// VTU adapts the VTU HTTP client to Provider.
type VTU struct {
	client *vtu.Client
	name   string
}

// NewVTU wraps client under the given provider name.
func NewVTU(client *vtu.Client, name string) *VTU {
	if name == "" {
		name = "vtu"
	}
	return &VTU{client: client, name: name}
}

func (p *VTU) Name() string {
	return p.name
}

func (p *VTU) Purchase(ctx context.Context, req Request) (Response, error) {
	var (
		resp *vtu.TransactionResponse
		err  error
	)
	switch req.Service {
	case repo.TxCable, repo.TxElectricity:
		resp, err = p.client.PayBill(ctx, vtu.BillRequest{
			Service:    string(req.Service),
			Biller:     req.Network,
			CustomerID: req.Target,
			PlanCode:   req.ProductCode,
			Amount:     req.Amount,
			Reference:  req.Reference,
		})
	default:
		resp, err = p.client.Purchase(ctx, vtu.PurchaseRequest{
			Service:   string(req.Service),
			Network:   req.Network,
			Phone:     req.Target,
			PlanCode:  req.ProductCode,
			Amount:    req.Amount,
			Reference: req.Reference,
		})
	}
	return toResponse(resp, err)
}

func (p *VTU) Status(ctx context.Context, reference string) (Response, error) {
	return toResponse(p.client.TransactionStatus(ctx, reference))
}

func toResponse(resp *vtu.TransactionResponse, err error) (Response, error) {
	if err != nil {
		var upstream *vtu.UpstreamError
		if errors.As(err, &upstream) {
			return Response{Status: StatusFailed, Message: upstream.Message}, nil
		}
		return Response{}, err
	}
	status := resp.Status
	switch status {
	case vtu.StatusSuccess:
		status = StatusSuccess
	case vtu.StatusFailed:
		status = StatusFailed
	default:
		status = StatusPending
	}
	return Response{
		Status:            status,
		ProviderReference: strings.TrimSpace(resp.ProviderReference),
		Message:           resp.Message,
	}, nil
}

func (p *VTU) Plans(ctx context.Context, service string) ([]Plan, error) {
	plans, err := p.client.PriceList(ctx, service, false)
	if err != nil {
		return nil, fmt.Errorf("price list: %w", err)
	}
	out := make([]Plan, 0, len(plans))
	for i := range plans {
		out = append(out, toPlan(plans[i]))
	}
	return out, nil
}

func (p *VTU) Plan(ctx context.Context, service, code string) (Plan, error) {
	plan, err := p.client.FindPlan(ctx, service, code)
	if err != nil {
		if errors.Is(err, vtu.ErrPlanNotFound) {
			return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, code)
		}
		return Plan{}, fmt.Errorf("find plan: %w", err)
	}
	return toPlan(*plan), nil
}

func (p *VTU) Float(ctx context.Context) (float64, error) {
	return p.client.Balance(ctx)
}

func toPlan(v vtu.Plan) Plan {
	return Plan{
		Code:      v.Code,
		Name:      v.Name,
		Network:   v.Network,
		Validity:  v.Validity,
		Price:     int64(math.Round(v.Price)),
		Available: v.Status == "available",
	}
}
