package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vtu-engine/internal/apperr"
	"vtu-engine/internal/breaker"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/repo"
	"vtu-engine/internal/vtu"
)

type fakeProvider struct {
	calls int32
	resp  Response
	err   error
	delay time.Duration
	panic bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Purchase(ctx context.Context, _ Request) (Response, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return f.resp, f.err
}

func (f *fakeProvider) Status(ctx context.Context, ref string) (Response, error) {
	return f.Purchase(ctx, Request{Reference: ref})
}

func newGateway(p Provider, timeout time.Duration) *Gateway {
	reg := breaker.NewRegistry(breaker.Config{Threshold: 5, Cooldown: time.Hour}, nil, nil, logging.Discard())
	return New(p, reg, Config{Timeout: timeout}, nil, logging.Discard())
}

func TestClassifiesResponses(t *testing.T) {
	cases := []struct {
		resp Response
		want Outcome
	}{
		{Response{Status: StatusSuccess, ProviderReference: "P1"}, OutcomeSuccess},
		{Response{Status: StatusPending}, OutcomeProcessing},
		{Response{Status: "weird"}, OutcomeProcessing},
		{Response{Status: StatusFailed, Message: "invalid number"}, OutcomeFailed},
	}
	for _, tc := range cases {
		g := newGateway(&fakeProvider{resp: tc.resp}, time.Second)
		res := g.Purchase(context.Background(), Request{Reference: "R"})
		if res.Outcome != tc.want {
			t.Fatalf("%+v: expected %s, got %s", tc.resp, tc.want, res.Outcome)
		}
	}
}

func TestTimeoutIsFailure(t *testing.T) {
	g := newGateway(&fakeProvider{delay: time.Second, resp: Response{Status: StatusSuccess}}, 20*time.Millisecond)
	res := g.Purchase(context.Background(), Request{Reference: "R"})
	if res.Outcome != OutcomeFailed || res.Message != genericFailure {
		t.Fatalf("expected generic failure, got %+v", res)
	}
	if !errors.Is(res.Err(), apperr.ErrProviderFailed) {
		t.Fatalf("expected provider failed error, got %v", res.Err())
	}
}

func TestPanicIsFailure(t *testing.T) {
	g := newGateway(&fakeProvider{panic: true}, time.Second)
	if res := g.Purchase(context.Background(), Request{}); res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection reset")}
	g := newGateway(p, time.Second)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if res := g.Purchase(ctx, Request{}); res.Outcome != OutcomeFailed {
			t.Fatalf("call %d: expected failed, got %s", i, res.Outcome)
		}
	}
	res := g.Purchase(ctx, Request{})
	if res.Outcome != OutcomeUnavailable {
		t.Fatalf("expected unavailable once open, got %s", res.Outcome)
	}
	if p.calls != 5 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", p.calls)
	}
	if !errors.Is(res.Err(), apperr.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable error, got %v", res.Err())
	}
}

func TestExplicitRejectionDoesNotTripBreaker(t *testing.T) {
	p := &fakeProvider{resp: Response{Status: StatusFailed, Message: "invalid number"}}
	g := newGateway(p, time.Second)
	for i := 0; i < 8; i++ {
		if res := g.Purchase(context.Background(), Request{}); res.Outcome != OutcomeFailed {
			t.Fatalf("expected failed, got %s", res.Outcome)
		}
	}
	if p.calls != 8 {
		t.Fatalf("expected every call to reach provider, got %d", p.calls)
	}
}

func TestVTUAdapterMapsUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/airtime":
			_, _ = w.Write([]byte(`{"status":false,"message":"invalid phone number"}`))
		default:
			_, _ = w.Write([]byte(`{"status":true,"data":{"request_id":"R2","transaction_id":"T2","status":"processing"}}`))
		}
	}))
	defer srv.Close()

	client := vtu.New(vtu.Config{BaseURL: srv.URL}, logging.Discard(), nil, nil)
	g := newGateway(NewVTU(client, ""), time.Second)
	ctx := context.Background()

	res := g.Purchase(ctx, Request{Reference: "R1", Service: repo.TxAirtime, Network: "mtn", Target: "08030000000", Amount: 100})
	if res.Outcome != OutcomeFailed || res.Message != "invalid phone number" {
		t.Fatalf("expected upstream rejection, got %+v", res)
	}
	res = g.Purchase(ctx, Request{Reference: "R2", Service: repo.TxCable, Network: "dstv", Target: "1234567890", Amount: 5000})
	if res.Outcome != OutcomeProcessing || res.Reference != "T2" {
		t.Fatalf("expected processing bill payment, got %+v", res)
	}
}
