package vtu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vtu-engine/internal/logging"
)

type memoryPlanCache struct {
	items map[string][]byte
}

func (m *memoryPlanCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	raw, ok := m.items[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memoryPlanCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.items[key] = raw
	return nil
}

func TestPurchaseParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("api_key") != "secret" || r.Form.Get("plan") != "MTN-1GB" || r.Form.Get("request_id") != "REF-1" {
			t.Errorf("unexpected form %v", r.Form)
		}
		_, _ = w.Write([]byte(`{"status":"true","message":"ok","data":{"request_id":"REF-1","transaction_id":98765,"status":"Successful"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret"}, logging.Discard(), nil, nil)
	resp, err := c.Purchase(context.Background(), PurchaseRequest{Service: "data", Network: "MTN", Phone: "08031234567", PlanCode: "MTN-1GB", Reference: "REF-1"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if resp.Status != StatusSuccess || resp.ProviderReference != "98765" || resp.Reference != "REF-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestBusinessRejectionIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"code":"42","message":"invalid phone number"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil, nil)
	_, err := c.Purchase(context.Background(), PurchaseRequest{Service: "airtime", Network: "glo", Phone: "1", Amount: 100, Reference: "R"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Code != 42 || upstream.Message != "invalid phone number" {
		t.Fatalf("unexpected upstream error %+v", upstream)
	}
}

func TestHTTPErrorsAreClassified(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil, nil)
	if _, err := c.TransactionStatus(context.Background(), "R"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	atomic.StoreInt32(&status, http.StatusBadGateway)
	_, err := c.TransactionStatus(context.Background(), "R")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
}

func TestPriceListUsesPlanCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"status":true,"data":{"MTN":[{"plan_code":"MTN-1GB","plan_name":"1GB 30 days","price":"300"}]}}`))
	}))
	defer srv.Close()

	plans := &memoryPlanCache{items: map[string][]byte{}}
	c := New(Config{BaseURL: srv.URL}, logging.Discard(), nil, plans)
	ctx := context.Background()

	first, err := c.PriceList(ctx, "data", false)
	if err != nil {
		t.Fatalf("price list: %v", err)
	}
	if len(first) != 1 || first[0].Code != "MTN-1GB" || first[0].Network != "mtn" || first[0].Price != 300 {
		t.Fatalf("unexpected plans %+v", first)
	}
	plan, err := c.FindPlan(ctx, "data", "mtn-1gb")
	if err != nil {
		t.Fatalf("find plan: %v", err)
	}
	if plan.Name != "1GB 30 days" {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
	if _, err := c.PriceList(ctx, "data", true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected forced refresh to hit upstream, got %d calls", calls)
	}
}

func TestNormalizeTransactionStatus(t *testing.T) {
	cases := map[string]string{
		"Successful": StatusSuccess,
		" pending ":  StatusPending,
		"REVERSED":   StatusFailed,
		"":           StatusUnknown,
	}
	for in, want := range cases {
		if got := NormalizeTransactionStatus(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

type recordingProcessor struct {
	got []Callback
}

func (p *recordingProcessor) HandleStatusCallback(_ context.Context, cb Callback) error {
	p.got = append(p.got, cb)
	return nil
}

func TestWebhookVerifiesCredentials(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewWebhookHandler(logging.Discard(), nil, md5Hex("hook-user"), md5Hex("hook-pass"), proc)
	body := `{"data":{"request_id":"REF-9","status":"delivered","transaction_id":"T1"}}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/vtu", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/vtu", strings.NewReader(body))
	req.SetBasicAuth("hook-user", "hook-pass")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(proc.got) != 1 || proc.got[0].Reference != "REF-9" || proc.got[0].Status != StatusSuccess {
		t.Fatalf("unexpected callbacks %+v", proc.got)
	}
}
