package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/models"
	"github.com/referral-distributor/internal/storage"
	"github.com/referral-distributor/internal/types"
)

const (
	alice = "ALICEALICEALICEALICEALICEALICEAA"
	bob   = "BOBBOBBOBBOBBOBBOBBOBBOBBOBBOBBB"
	carol = "CAROLCAROLCAROLCAROLCAROLCAROLCC"
)

type mockDistributions struct {
	distributions []*models.Distribution
	balances      map[int64][]models.BalanceSnapshot
	rewards       map[int64][]models.RewardEntry
	err           error
}

func (m *mockDistributions) GetByID(ctx context.Context, id int64) (*models.Distribution, error) {
	for _, d := range m.distributions {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, apperrors.NewNotFoundError("distribution", "x")
}

func (m *mockDistributions) GetLatest(ctx context.Context) (*models.Distribution, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.distributions) == 0 {
		return nil, nil
	}
	return m.distributions[len(m.distributions)-1], nil
}

func (m *mockDistributions) GetLatestCompleted(ctx context.Context) (*models.Distribution, error) {
	for i := len(m.distributions) - 1; i >= 0; i-- {
		if m.distributions[i].IsCompleted {
			return m.distributions[i], nil
		}
	}
	return nil, nil
}

func (m *mockDistributions) Balances(ctx context.Context, id int64) ([]models.BalanceSnapshot, error) {
	return m.balances[id], nil
}

func (m *mockDistributions) Rewards(ctx context.Context, id int64) ([]models.RewardEntry, error) {
	return m.rewards[id], nil
}

func (m *mockDistributions) Reward(ctx context.Context, id int64, address string) (*models.RewardEntry, error) {
	for _, rw := range m.rewards[id] {
		if rw.Address == address {
			rw := rw
			return &rw, nil
		}
	}
	return nil, nil
}

type mockHolders struct {
	holders   []models.Holder
	views     map[string]models.HolderView
	referrals map[string][]models.HolderView
}

func (m *mockHolders) List(ctx context.Context) ([]models.Holder, error) {
	return m.holders, nil
}

func (m *mockHolders) View(ctx context.Context, distributionID int64, address string) (*models.HolderView, error) {
	v, ok := m.views[address]
	if !ok {
		return nil, apperrors.NewNotFoundError("holder", address)
	}
	return &v, nil
}

func (m *mockHolders) Referrals(ctx context.Context, distributionID int64, referrer string) ([]models.HolderView, error) {
	return m.referrals[referrer], nil
}

type mockPrices struct {
	table *types.PriceTable
}

func (m *mockPrices) Prices() (*types.PriceTable, error) {
	if m.table == nil {
		return nil, apperrors.NewNotReadyError("prices")
	}
	return m.table, nil
}

type mockHistory struct {
	asset string
	limit int
}

func (m *mockHistory) History(ctx context.Context, asset string, since time.Time, limit int) ([]storage.PricePoint, error) {
	m.asset = asset
	m.limit = limit
	return []storage.PricePoint{{Asset: asset, Version: 3, DisplayPrice: 1.5}}, nil
}

func ptr[T any](v T) *T { return &v }

func testDeps() Deps {
	due := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	snap := time.Date(2026, 1, 8, 0, 5, 0, 0, time.UTC)
	return Deps{
		Distributions: &mockDistributions{
			distributions: []*models.Distribution{
				{ID: 1, DistributionDate: due, SnapshotTime: &snap, IsFrozen: true, IsCompleted: true, TotalRewards: 15},
				{ID: 2, DistributionDate: due.Add(7 * 24 * time.Hour)},
			},
			balances: map[int64][]models.BalanceSnapshot{
				1: {{DistributionID: 1, Address: bob, USDBalance: 100}},
			},
			rewards: map[int64][]models.RewardEntry{
				1: {
					{DistributionID: 1, Address: alice, USDReward: 10, Share: 0.1, RewardInSmallestUnits: 100000, PaymentUnit: ptr("PAY")},
					{DistributionID: 1, Address: bob, USDReward: 5, Share: 0.05, RewardInSmallestUnits: 50000},
				},
				2: {
					{DistributionID: 2, Address: carol, USDReward: 2, Share: 0.1, RewardInSmallestUnits: 20000},
				},
			},
		},
		Holders: &mockHolders{
			holders: []models.Holder{{Address: bob, ReferrerAddress: ptr(alice), FirstUnit: "U1"}},
			views: map[string]models.HolderView{
				bob: {Address: bob, ReferrerAddress: ptr(alice), USDBalance: ptr(100.0), USDReward: ptr(5.0)},
			},
			referrals: map[string][]models.HolderView{
				alice: {{Address: bob, ReferrerAddress: ptr(alice), USDBalance: ptr(100.0)}},
			},
		},
		Prices: &mockPrices{},
	}
}

func createTestServer(deps Deps) *Server {
	return NewServer(&ServerConfig{Host: "127.0.0.1", Port: "0"}, deps)
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func get(t *testing.T, s *Server, path string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode response for %s: %v", path, err)
	}
	return w.Code, env
}

func TestHealthEndpoint(t *testing.T) {
	deps := testDeps()
	deps.Checks = map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	}
	server := createTestServer(deps)

	code, env := get(t, server, "/health")
	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if env.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", env.Status)
	}
}

func TestHealthEndpoint_FailingCheck(t *testing.T) {
	deps := testDeps()
	deps.Checks = map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}
	server := createTestServer(deps)

	code, env := get(t, server, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
	if env.Status != "unhealthy" {
		t.Errorf("Expected status 'unhealthy', got '%s'", env.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(testDeps())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("Expected Prometheus exposition format")
	}
}

func TestGetDistribution(t *testing.T) {
	server := createTestServer(testDeps())

	tests := []struct {
		path   string
		wantID int64
	}{
		{"/api/distributions/1", 1},
		{"/api/distributions/latest", 1},
		{"/api/distributions/next", 2},
	}
	for _, tt := range tests {
		code, env := get(t, server, tt.path)
		if code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", tt.path, code)
			continue
		}
		var resp DistributionResponse
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			t.Fatalf("%s: failed to decode data: %v", tt.path, err)
		}
		if resp.DistributionID != tt.wantID {
			t.Errorf("%s: expected distribution %d, got %d", tt.path, tt.wantID, resp.DistributionID)
		}
	}

	_, env := get(t, server, "/api/distributions/1")
	var resp DistributionResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if len(resp.Rewards) != 2 || resp.Rewards[0].Address != alice {
		t.Errorf("Expected rewards in stored order, got %+v", resp.Rewards)
	}
	if resp.Rewards[0].PaymentUnit == nil || *resp.Rewards[0].PaymentUnit != "PAY" {
		t.Errorf("Expected payment unit PAY")
	}
	if len(resp.Balances) != 1 || resp.Balances[0].USDBalance != 100 {
		t.Errorf("Unexpected balances: %+v", resp.Balances)
	}
}

func TestGetDistribution_Errors(t *testing.T) {
	server := createTestServer(testDeps())

	code, env := get(t, server, "/api/distributions/abc")
	if code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", code)
	}
	if env.Status != "error" || !strings.Contains(env.Error, "invalid distribution_id") {
		t.Errorf("Unexpected error envelope: %+v", env)
	}

	code, _ = get(t, server, "/api/distributions/99")
	if code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}

	empty := testDeps()
	empty.Distributions = &mockDistributions{}
	code, _ = get(t, createTestServer(empty), "/api/distributions/latest")
	if code != http.StatusNotFound {
		t.Errorf("Expected status 404 with no completed distribution, got %d", code)
	}
}

func TestGetReferrals(t *testing.T) {
	server := createTestServer(testDeps())

	code, env := get(t, server, "/api/referrals/"+alice)
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	var resp ReferralsResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if resp.DistributionID != 2 {
		t.Errorf("Expected the newest distribution, got %d", resp.DistributionID)
	}
	if resp.MyInfo != nil {
		t.Errorf("Alice is neither a holder nor rewarded in distribution 2, got %+v", resp.MyInfo)
	}
	if len(resp.Referrals) != 1 || resp.Referrals[0].Address != bob {
		t.Errorf("Expected bob as referral, got %+v", resp.Referrals)
	}

	_, env = get(t, server, "/api/referrals/"+bob)
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if resp.MyInfo == nil || resp.MyInfo.USDBalance == nil || *resp.MyInfo.USDBalance != 100 {
		t.Errorf("Expected bob's holder view, got %+v", resp.MyInfo)
	}
}

func TestGetReferrals_RewardOnlyAddress(t *testing.T) {
	server := createTestServer(testDeps())

	_, env := get(t, server, "/api/referrals/"+carol)
	var resp ReferralsResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if resp.MyInfo == nil || resp.MyInfo.RewardInSmallestUnits == nil || *resp.MyInfo.RewardInSmallestUnits != 20000 {
		t.Errorf("Expected carol's reward row, got %+v", resp.MyInfo)
	}
	if resp.MyInfo.USDBalance != nil {
		t.Errorf("Expected no balance for a reward-only address")
	}
}

func TestGetReferrals_InvalidAddress(t *testing.T) {
	server := createTestServer(testDeps())

	code, env := get(t, server, "/api/referrals/not-an-address")
	if code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", code)
	}
	if !strings.Contains(env.Error, "invalid user address") {
		t.Errorf("Unexpected error: %s", env.Error)
	}
}

func TestGetReferrals_DatabaseErrorIsHidden(t *testing.T) {
	deps := testDeps()
	deps.Distributions = &mockDistributions{err: apperrors.NewDatabaseError("get distribution", errors.New("password authentication failed"))}
	server := createTestServer(deps)

	code, env := get(t, server, "/api/referrals/"+alice)
	if code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", code)
	}
	if strings.Contains(env.Error, "password") {
		t.Errorf("Internal cause leaked: %s", env.Error)
	}
}

func TestListUsers(t *testing.T) {
	server := createTestServer(testDeps())

	code, env := get(t, server, "/api/users")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	var data struct {
		Users []UserItem `json:"users"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if len(data.Users) != 1 || data.Users[0].FirstUnit != "U1" || *data.Users[0].ReferrerAddress != alice {
		t.Errorf("Unexpected users: %+v", data.Users)
	}
}

func TestGetPrices(t *testing.T) {
	deps := testDeps()
	server := createTestServer(deps)

	code, _ := get(t, server, "/api/prices")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 before the first price cycle, got %d", code)
	}

	deps.Prices.(*mockPrices).table = &types.PriceTable{
		Version: 7,
		Rate:    20,
		Fiat:    map[string]types.PriceEntry{types.BaseAsset: {NativeUnitPrice: 2e-8, DisplayPrice: 20}},
	}
	code, env := get(t, server, "/api/prices")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if !strings.Contains(string(env.Data), `"version":7`) {
		t.Errorf("Expected version 7 in %s", env.Data)
	}
}

func TestGetPriceHistory(t *testing.T) {
	withoutHistory := createTestServer(testDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/prices/history?asset=base", nil)
	w := httptest.NewRecorder()
	withoutHistory.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a history store, got %d", w.Code)
	}

	history := &mockHistory{}
	deps := testDeps()
	deps.History = history
	server := createTestServer(deps)

	code, _ := get(t, server, "/api/prices/history")
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 without asset, got %d", code)
	}
	code, _ = get(t, server, "/api/prices/history?asset=base&since=yesterday")
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad since, got %d", code)
	}

	code, env := get(t, server, "/api/prices/history?asset=base&limit=5")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if history.asset != "base" || history.limit != 5 {
		t.Errorf("Unexpected query: asset=%s limit=%d", history.asset, history.limit)
	}
	if !strings.Contains(string(env.Data), `"displayPrice":1.5`) {
		t.Errorf("Unexpected data: %s", env.Data)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	server := NewServer(&ServerConfig{RequestsPerSecond: 1, Burst: 2}, testDeps())

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after the burst, got %d", last)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := createTestServer(testDeps())

	req := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected CORS header, got %q", got)
	}
}
