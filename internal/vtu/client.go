package vtu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vtu-engine/internal/metrics"
)

const (
	defaultPlanCacheTTL = 10 * time.Minute
	formContentType     = "application/x-www-form-urlencoded"
)

var (
	// ErrInvalidCredential indicates the upstream rejected the API key.
	ErrInvalidCredential = errors.New("vtu invalid credential")
	// ErrInsufficientFloat indicates the reseller float at the upstream is too low.
	ErrInsufficientFloat = errors.New("vtu insufficient float")
	// ErrPlanNotFound indicates the price list has no plan with the requested code.
	ErrPlanNotFound = errors.New("vtu plan not found")
)

// Normalized transaction statuses.
const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// UpstreamError is a business rejection reported inside a well-formed response.
type UpstreamError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("vtu %s error: %s (code=%d)", e.Endpoint, e.Message, e.Code)
	}
	return fmt.Sprintf("vtu %s error: %s", e.Endpoint, e.Message)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("vtu http error: status=%d body=%s", e.StatusCode, e.Body)
}

// PlanCache stores plan lists between calls. *cache.Redis satisfies it.
type PlanCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Client provides typed access to the VTU reseller API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
	plans   PlanCache
	planTTL time.Duration
}

// Config holds VTU client configuration.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PlanCacheTTL time.Duration
	HTTPClient   *http.Client
}

// responseEnvelope mirrors the upstream response shape. Fields arrive with loose types.
type responseEnvelope struct {
	Status  bool
	Message string
	Code    int
	Data    json.RawMessage
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Code    json.RawMessage `json:"code"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(stringTrimQuotes(a.Message))
	r.Data = a.Data
	if len(a.Status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(a.Status, &boolVal); err == nil {
			r.Status = boolVal
		} else {
			str := strings.TrimSpace(stringTrimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	if len(a.Code) != 0 {
		var intVal int
		if err := json.Unmarshal(a.Code, &intVal); err == nil {
			r.Code = intVal
		} else if parsed, err := strconv.Atoi(strings.TrimSpace(stringTrimQuotes(a.Code))); err == nil {
			r.Code = parsed
		}
	}
	return nil
}

// New creates a VTU client. plans may be nil to disable caching.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, plans PlanCache) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ttl := cfg.PlanCacheTTL
	if ttl <= 0 {
		ttl = defaultPlanCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		logger:  logger.With("component", "vtu"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		metrics: m,
		plans:   plans,
		planTTL: ttl,
	}
}

// Plan is a purchasable data bundle or bill product.
type Plan struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Network  string  `json:"network"`
	Category string  `json:"category"`
	Validity string  `json:"validity,omitempty"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`
}

// UnmarshalJSON accepts the alternative field names used by the upstream.
func (p *Plan) UnmarshalJSON(data []byte) error {
	tmp := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	p.Code = readStringRaw(tmp, "code", "plan_code", "variation_code", "product_code")
	p.Name = readStringRaw(tmp, "name", "plan_name", "description")
	p.Network = strings.ToLower(readStringRaw(tmp, "network", "operator", "provider"))
	p.Category = strings.ToLower(readStringRaw(tmp, "category", "type"))
	p.Validity = readStringRaw(tmp, "validity", "duration")
	p.Price = readFloatRaw(tmp, "price", "amount", "variation_amount")
	p.Status = normalizeAvailabilityStatus(readStringRaw(tmp, "status", "availability"))
	return nil
}

// PriceList returns the plans for a service, served from the plan cache when fresh.
func (c *Client) PriceList(ctx context.Context, service string, forceRefresh bool) ([]Plan, error) {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		service = "data"
	}
	cacheKey := "plans:" + service
	if c.plans != nil && !forceRefresh {
		var cached []Plan
		ok, err := c.plans.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read plan cache failed", "error", err)
		} else if ok {
			return cached, nil
		}
	}

	form := url.Values{}
	form.Set("service", service)
	env, err := c.postForm(ctx, "/api/plans", form)
	if err != nil {
		return nil, err
	}
	plans, err := parsePlans(env.Data)
	if err != nil {
		return nil, fmt.Errorf("parse plans: %w", err)
	}

	if c.plans != nil {
		if err := c.plans.SetJSON(ctx, cacheKey, plans, c.planTTL); err != nil {
			c.logger.Warn("set plan cache failed", "error", err)
		}
	}
	return plans, nil
}

// FindPlan looks up a plan by code.
func (c *Client) FindPlan(ctx context.Context, service, code string) (*Plan, error) {
	plans, err := c.PriceList(ctx, service, false)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if strings.EqualFold(plans[i].Code, code) {
			return &plans[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrPlanNotFound, code, service)
}

// PurchaseRequest holds parameters for prepaid airtime or data top-ups.
type PurchaseRequest struct {
	Service   string `json:"service"`
	Network   string `json:"network"`
	Phone     string `json:"phone"`
	PlanCode  string `json:"plan_code,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Reference string `json:"reference"`
}

// TransactionResponse captures the upstream transaction outcome.
type TransactionResponse struct {
	Reference         string         `json:"reference"`
	ProviderReference string         `json:"provider_reference"`
	Status            string         `json:"status"`
	Message           string         `json:"message"`
	Token             string         `json:"token,omitempty"`
	Raw               map[string]any `json:"raw"`
}

// Purchase triggers an airtime or data top-up.
func (c *Client) Purchase(ctx context.Context, req PurchaseRequest) (*TransactionResponse, error) {
	form := url.Values{}
	form.Set("network", strings.ToLower(req.Network))
	form.Set("phone", req.Phone)
	form.Set("request_id", req.Reference)
	endpoint := "/api/airtime"
	if strings.EqualFold(req.Service, "data") {
		endpoint = "/api/data"
		form.Set("plan", req.PlanCode)
	}
	if req.Amount > 0 {
		form.Set("amount", strconv.FormatInt(req.Amount, 10))
	}

	env, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	return parseTransactionResponse(env)
}

// BillRequest pays a cable subscription or electricity token.
type BillRequest struct {
	Service    string `json:"service"`
	Biller     string `json:"biller"`
	CustomerID string `json:"customer_id"`
	PlanCode   string `json:"plan_code,omitempty"`
	Amount     int64  `json:"amount"`
	Phone      string `json:"phone,omitempty"`
	Reference  string `json:"reference"`
}

// PayBill pays a postpaid or utility bill.
func (c *Client) PayBill(ctx context.Context, req BillRequest) (*TransactionResponse, error) {
	form := url.Values{}
	form.Set("service", strings.ToLower(req.Service))
	form.Set("biller", strings.ToLower(req.Biller))
	form.Set("customer_id", req.CustomerID)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("request_id", req.Reference)
	if req.PlanCode != "" {
		form.Set("plan", req.PlanCode)
	}
	if req.Phone != "" {
		form.Set("phone", req.Phone)
	}
	env, err := c.postForm(ctx, "/api/bills/pay", form)
	if err != nil {
		return nil, err
	}
	return parseTransactionResponse(env)
}

// TransactionStatus fetches the current status of a transaction by our reference.
func (c *Client) TransactionStatus(ctx context.Context, reference string) (*TransactionResponse, error) {
	form := url.Values{}
	form.Set("request_id", reference)
	env, err := c.postForm(ctx, "/api/transactions/status", form)
	if err != nil {
		return nil, err
	}
	return parseTransactionResponse(env)
}

// Balance returns the reseller float held at the upstream.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	env, err := c.postForm(ctx, "/api/balance", url.Values{})
	if err != nil {
		return 0, err
	}
	data, err := decodeMap(env.Data)
	if err != nil {
		return 0, err
	}
	return firstFloat(data, "balance", "wallet", "float"), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	if c.apiKey != "" && values.Get("api_key") == "" {
		values.Set("api_key", c.apiKey)
	}
	var env responseEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()), formContentType, &env); err != nil {
		return nil, err
	}
	if !env.Status {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = "vtu operation failed"
		}
		return nil, &UpstreamError{Endpoint: endpoint, Code: env.Code, Message: message}
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vtu-engine/client")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VTURequests.WithLabelValues(endpoint, "error").Inc()
		}
		return fmt.Errorf("vtu request: %w", err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.VTURequests.WithLabelValues(endpoint, statusLabel).Inc()
		c.metrics.VTULatency.WithLabelValues(endpoint, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	lower := strings.ToLower(snippet)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "invalid credential"):
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	case strings.Contains(lower, "insufficient balance") || strings.Contains(lower, "insufficient funds") ||
		strings.Contains(lower, "low wallet"):
		return fmt.Errorf("%w: %s", ErrInsufficientFloat, snippet)
	}
	return &HTTPError{StatusCode: status, Body: snippet}
}

func parsePlans(data json.RawMessage) ([]Plan, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var direct []Plan
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}
	// Some responses group plans per network.
	grouped := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &grouped); err != nil {
		return nil, err
	}
	plans := make([]Plan, 0, len(grouped))
	for network, raw := range grouped {
		var subset []Plan
		if err := json.Unmarshal(raw, &subset); err != nil {
			return nil, err
		}
		for i := range subset {
			if subset[i].Network == "" {
				subset[i].Network = strings.ToLower(network)
			}
		}
		plans = append(plans, subset...)
	}
	return plans, nil
}

func parseTransactionResponse(env *responseEnvelope) (*TransactionResponse, error) {
	data, err := decodeMap(env.Data)
	if err != nil {
		return nil, err
	}
	resp := &TransactionResponse{
		Reference:         firstString(data, "request_id", "reference", "ref"),
		ProviderReference: firstString(data, "transaction_id", "provider_reference", "order_id"),
		Status:            NormalizeTransactionStatus(firstString(data, "status", "state")),
		Message:           firstString(data, "message", "remark", "description"),
		Token:             firstString(data, "token", "pin", "serial"),
		Raw:               data,
	}
	if resp.Message == "" {
		resp.Message = strings.TrimSpace(env.Message)
	}
	return resp, nil
}

// NormalizeTransactionStatus maps upstream status words to success, pending, failed or unknown.
func NormalizeTransactionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "null":
		return StatusUnknown
	case "success", "successful", "delivered", "completed", "complete", "done", "ok":
		return StatusSuccess
	case "pending", "processing", "process", "initiated", "queued", "in_progress":
		return StatusPending
	case "failed", "fail", "reversed", "refunded", "cancelled", "canceled", "rejected", "timeout", "error":
		return StatusFailed
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}

func normalizeAvailabilityStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "null", "available", "active", "enabled", "1", "true":
		return "available"
	default:
		return "unavailable"
	}
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if str := toString(val); str != "" {
				return str
			}
		}
	}
	return ""
}

func firstFloat(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if f := toFloat(val); f != 0 {
				return f
			}
		}
	}
	return 0
}

func readStringRaw(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		var decoded string
		if err := json.Unmarshal(val, &decoded); err == nil {
			if decoded = strings.TrimSpace(decoded); decoded != "" {
				return decoded
			}
			continue
		}
		var number float64
		if err := json.Unmarshal(val, &number); err == nil && number != 0 {
			return strconv.FormatFloat(number, 'f', -1, 64)
		}
	}
	return ""
}

func readFloatRaw(raw map[string]json.RawMessage, keys ...string) float64 {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		var decoded float64
		if err := json.Unmarshal(val, &decoded); err == nil {
			return decoded
		}
		var str string
		if err := json.Unmarshal(val, &str); err == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func toFloat(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func stringTrimQuotes(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
