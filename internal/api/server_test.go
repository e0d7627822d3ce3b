package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"examrelay/internal/hub"
	"examrelay/internal/metrics"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

type fakePublisher struct {
	mu          sync.Mutex
	assignments []types.ExamAssignment
	changes     []types.ExamStatusChange
	groups      []string
	err         error
}

func (p *fakePublisher) PushExamAssignment(ctx context.Context, group string, a types.ExamAssignment) (interfaces.DeliveryReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return interfaces.DeliveryReport{}, p.err
	}
	p.assignments = append(p.assignments, a)
	p.groups = append(p.groups, group)
	return interfaces.DeliveryReport{Targeted: 2, Delivered: 2}, nil
}

func (p *fakePublisher) PushExamStatusChange(ctx context.Context, group string, c types.ExamStatusChange) (interfaces.DeliveryReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return interfaces.DeliveryReport{}, p.err
	}
	p.changes = append(p.changes, c)
	p.groups = append(p.groups, group)
	return interfaces.DeliveryReport{Targeted: 1, Delivered: 0, Failed: 1}, nil
}

type fakeAnnouncer struct {
	last types.Announcement
	err  error
}

func (a *fakeAnnouncer) Broadcast(ctx context.Context, announcement types.Announcement) (interfaces.DeliveryReport, error) {
	if a.err != nil {
		return interfaces.DeliveryReport{}, a.err
	}
	if err := types.ValidateAnnouncement(announcement); err != nil {
		return interfaces.DeliveryReport{}, err
	}
	a.last = announcement
	return interfaces.DeliveryReport{Targeted: 3, Delivered: 3}, nil
}

type fakeTokens struct {
	issuedFor string
	ttl       time.Duration
	revoked   []string
}

func (f *fakeTokens) Issue(ctx context.Context, principalID, displayName string, ttl time.Duration) (string, *interfaces.AccessToken, error) {
	f.issuedFor = principalID
	f.ttl = ttl
	return "raw-token", &interfaces.AccessToken{ID: "tok-1", PrincipalID: principalID, DisplayName: displayName, TokenHash: "secret-hash"}, nil
}

func (f *fakeTokens) Revoke(ctx context.Context, id string) error {
	if id != "tok-1" {
		return interfaces.ErrTokenNotFound
	}
	f.revoked = append(f.revoked, id)
	return nil
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(ctx context.Context) error { return h.err }

type fakeStats map[string]interface{}

func (s fakeStats) GetStats() map[string]interface{} { return s }

type fixture struct {
	server    *Server
	publisher *fakePublisher
	announcer *fakeAnnouncer
	tokens    *fakeTokens
}

func newFixture(apiKey string) *fixture {
	f := &fixture{
		publisher: &fakePublisher{},
		announcer: &fakeAnnouncer{},
		tokens:    &fakeTokens{},
	}
	f.server = NewServer(Options{
		Exams:     f.publisher,
		Announcer: f.announcer,
		Tokens:    f.tokens,
		Health:    fakeHealth{},
		Channels: map[string]StatsProvider{
			types.ChannelExam: fakeStats{"running": true, "total_connections": 4},
		},
		Metrics: metrics.New().Handler(),
		APIKey:  apiKey,
	})
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decodeReport(t *testing.T, w *httptest.ResponseRecorder) interfaces.DeliveryReport {
	t.Helper()
	var report interfaces.DeliveryReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return report
}

// FUNCTIONAL VALIDATION TEST: POST /api/exams/assignments
func TestServer_PushAssignment(t *testing.T) {
	f := newFixture("")

	w := f.do("POST", "/api/exams/assignments", `{"examId":"e1","classGroup":"ClassX","title":"Quiz 1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if report := decodeReport(t, w); report.Delivered != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(f.publisher.groups) != 1 || f.publisher.groups[0] != "ClassX" {
		t.Errorf("expected push to ClassX, got %v", f.publisher.groups)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}
}

// FUNCTIONAL VALIDATION TEST: POST /api/exams/status reports partial delivery
func TestServer_PushStatus(t *testing.T) {
	f := newFixture("")

	w := f.do("POST", "/api/exams/status", `{"examId":"e1","classGroup":"ClassX","status":"closed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if report := decodeReport(t, w); report.Failed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}

// ERROR HANDLING VALIDATION TEST: Push errors map to status codes
func TestServer_PushErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrInvalidGroupName, http.StatusBadRequest},
		{types.ErrMissingExamID, http.StatusBadRequest},
		{types.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{hub.ErrHubNotRunning, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture("")
			f.publisher.err = tt.err
			w := f.do("POST", "/api/exams/assignments", `{"examId":"e1","classGroup":"ClassX"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	f := newFixture("")

	w := f.do("POST", "/api/exams/assignments", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var resp ErrorResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Code != http.StatusBadRequest || resp.Message != "Invalid JSON" {
		t.Errorf("unexpected error body %+v", resp)
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	f := newFixture("")

	big := `{"examId":"e1","classGroup":"ClassX","detail":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	w := f.do("POST", "/api/exams/assignments", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status %d, got %d", http.StatusRequestEntityTooLarge, w.Code)
	}
}

// FUNCTIONAL VALIDATION TEST: POST /api/announcements accepts any JSON value
func TestServer_Announce(t *testing.T) {
	f := newFixture("")

	w := f.do("POST", "/api/announcements", `"exam room changed"`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if string(f.announcer.last) != `"exam room changed"` {
		t.Errorf("announcement = %s", f.announcer.last)
	}
	if report := decodeReport(t, w); report.Targeted != 3 {
		t.Errorf("unexpected report %+v", report)
	}
}

// FUNCTIONAL VALIDATION TEST: token issue and revoke
func TestServer_Tokens(t *testing.T) {
	f := newFixture("")

	w := f.do("POST", "/api/tokens", `{"principal_id":"student-1","display_name":"Sam","ttl":"24h"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "secret-hash") {
		t.Error("token hash must never be serialized")
	}

	var resp IssueTokenResponse
	json.Unmarshal([]byte(body), &resp)
	if resp.Token != "raw-token" || resp.AccessToken.ID != "tok-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if f.tokens.issuedFor != "student-1" || f.tokens.ttl != 24*time.Hour {
		t.Errorf("issue called with %s / %v", f.tokens.issuedFor, f.tokens.ttl)
	}

	if w := f.do("POST", "/api/tokens", `{"display_name":"nobody"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing principal: status %d", w.Code)
	}
	if w := f.do("POST", "/api/tokens", `{"principal_id":"p","ttl":"soon"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad ttl: status %d", w.Code)
	}

	if w := f.do("DELETE", "/api/tokens/tok-1", ""); w.Code != http.StatusOK {
		t.Errorf("revoke: status %d", w.Code)
	}
	if w := f.do("DELETE", "/api/tokens/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("revoke unknown: status %d", w.Code)
	}
}

// ERROR HANDLING VALIDATION TEST: API key guards /api but not /health
func TestServer_APIKey(t *testing.T) {
	f := newFixture("s3cret")

	if w := f.do("POST", "/api/announcements", `"hi"`); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d", w.Code)
	}
	if w := f.do("POST", "/api/announcements", `"hi"`, APIKeyHeader, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d", w.Code)
	}
	if w := f.do("POST", "/api/announcements", `"hi"`, APIKeyHeader, "s3cret"); w.Code != http.StatusOK {
		t.Errorf("correct key: status %d", w.Code)
	}
	if w := f.do("GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should stay open: status %d", w.Code)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture("")

	if w := f.do("GET", "/api/exams/assignments", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// FUNCTIONAL VALIDATION TEST: CORS preflight
func TestServer_CORS(t *testing.T) {
	f := newFixture("s3cret")

	w := f.do("OPTIONS", "/api/exams/assignments", "")
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader) {
		t.Error("preflight must allow the API key header")
	}
}

// FUNCTIONAL VALIDATION TEST: GET /health
func TestServer_Health(t *testing.T) {
	f := newFixture("")

	w := f.do("GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Database != "healthy" {
		t.Errorf("unexpected health %+v", resp)
	}
	if resp.Channels[types.ChannelExam]["total_connections"].(float64) != 4 {
		t.Errorf("channel stats missing: %+v", resp.Channels)
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	server := NewServer(Options{
		Exams:     &fakePublisher{},
		Announcer: &fakeAnnouncer{},
		Health:    fakeHealth{err: errors.New("disk full")},
	})
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("db failure: status %d", w.Code)
	}

	server = NewServer(Options{
		Exams:     &fakePublisher{},
		Announcer: &fakeAnnouncer{},
		Channels:  map[string]StatsProvider{"exam": fakeStats{"running": false}},
	})
	w = httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped hub: status %d", w.Code)
	}
}

// TECHNICAL VALIDATION TEST: /metrics serves Prometheus text
func TestServer_Metrics(t *testing.T) {
	f := newFixture("")

	w := f.do("GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected runtime collectors in /metrics output")
	}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		t.Error("metrics should not be served as JSON")
	}
}

func TestServer_TokenRoutesDisabledWithoutIssuer(t *testing.T) {
	server := NewServer(Options{Exams: &fakePublisher{}, Announcer: &fakeAnnouncer{}})
	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest("POST", "/api/tokens", strings.NewReader(`{}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
