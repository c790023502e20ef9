package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"potion-flow-monitor/internal/annotate"
	"potion-flow-monitor/internal/cache"
	"potion-flow-monitor/internal/model"
)

type fakeBackend struct {
	lastForce bool
	lastLimit int
	lastFrom  time.Time
	lastTo    time.Time
	err       error
	panicOn   string
	levels    []model.LevelObservation
}

func (f *fakeBackend) Cauldrons(ctx context.Context, force bool) ([]model.Cauldron, error) {
	f.lastForce = force
	if f.panicOn == "cauldrons" {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return []model.Cauldron{{ID: "cauldron_001", Name: "Crimson Brew", MaxVolume: 1000}}, nil
}

func (f *fakeBackend) Market(ctx context.Context, force bool) (model.Market, error) {
	f.lastForce = force
	if f.err != nil {
		return model.Market{}, f.err
	}
	return model.Market{ID: "market_001", Name: "Enchanted Market"}, nil
}

func (f *fakeBackend) Couriers(ctx context.Context, force bool) ([]model.Courier, error) {
	f.lastForce = force
	return nil, f.err
}

func (f *fakeBackend) Levels(ctx context.Context, force bool, limit int) ([]model.LevelObservation, error) {
	f.lastForce, f.lastLimit = force, limit
	return f.levels, f.err
}

func (f *fakeBackend) LevelsBetween(ctx context.Context, force bool, from, to time.Time) ([]model.LevelObservation, error) {
	f.lastForce, f.lastFrom, f.lastTo = force, from, to
	return f.levels, f.err
}

func (f *fakeBackend) Tickets(ctx context.Context, force bool) (model.TicketsSnapshot, error) {
	f.lastForce = force
	if f.err != nil {
		return model.TicketsSnapshot{}, f.err
	}
	return model.TicketsSnapshot{
		Metadata: model.TicketMetadata{TotalTickets: 1},
		TransportTickets: []model.TransportTicket{
			{TicketID: "T1", CauldronID: "cauldron_001", CourierID: "courier_1", AmountCollected: 10, Date: time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)},
		},
	}, nil
}

func (f *fakeBackend) AnnotatedTickets(ctx context.Context, force bool) (annotate.Result, error) {
	f.lastForce = force
	if f.err != nil {
		return annotate.Result{}, f.err
	}
	return annotate.Result{Dropped: 2}, nil
}

func (f *fakeBackend) CacheStatus() []cache.Status {
	return []cache.Status{{Resource: "cauldrons", State: cache.StateFresh, Version: 3}}
}

func (f *fakeBackend) RefreshResource(ctx context.Context, name string) (cache.Status, error) {
	if name != "cauldrons" {
		return cache.Status{}, fmt.Errorf("%w: %q", cache.ErrUnknownResource, name)
	}
	return cache.Status{Resource: name, State: cache.StateFresh, Version: 4}, nil
}

func newTestServer(backend Backend) *httptest.Server {
	srv := NewServer(Options{CORSOrigin: "http://localhost:5173"}, backend, zerolog.Nop())
	return httptest.NewServer(srv.Handler())
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestCauldronsAndForceRefresh(t *testing.T) {
	backend := &fakeBackend{}
	ts := newTestServer(backend)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/Information/cauldrons?forceRefresh=true")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if !backend.lastForce {
		t.Fatal("forceRefresh=true should reach backend")
	}
	var cauldrons []model.Cauldron
	if err := json.Unmarshal(body, &cauldrons); err != nil || len(cauldrons) != 1 {
		t.Fatalf("decode: %v %s", err, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}

	get(t, ts.URL+"/api/Information/cauldrons")
	if backend.lastForce {
		t.Fatal("absent forceRefresh means false")
	}
}

func TestInvalidForceRefresh(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/Information/market?forceRefresh=maybe")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || !strings.Contains(eb.Error, "forceRefresh") {
		t.Fatalf("error body %s", body)
	}
}

func TestUpstreamErrorMapsTo502(t *testing.T) {
	backend := &fakeBackend{err: &cache.UpstreamError{Resource: "tickets", Err: errors.New("timeout")}}
	ts := newTestServer(backend)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/Tickets")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Resource != "tickets" {
		t.Fatalf("error body %s", body)
	}
}

func TestOtherErrorMapsTo500(t *testing.T) {
	ts := newTestServer(&fakeBackend{err: errors.New("unexpected")})
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/api/analyze/annotated-tickets")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLevelsLimitAndEmptyArray(t *testing.T) {
	backend := &fakeBackend{}
	ts := newTestServer(backend)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/Data?limit=25")
	if resp.StatusCode != http.StatusOK || backend.lastLimit != 25 {
		t.Fatalf("status=%d limit=%d", resp.StatusCode, backend.lastLimit)
	}
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty history should encode as [], got %s", body)
	}

	resp, _ = get(t, ts.URL+"/api/Data?limit=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", resp.StatusCode)
	}
}

func TestLevelsRange(t *testing.T) {
	day := time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)
	backend := &fakeBackend{levels: []model.LevelObservation{
		{Timestamp: day, CauldronLevels: map[string]float64{"cauldron_001": 1}},
		{Timestamp: day.Add(time.Minute), CauldronLevels: map[string]float64{"cauldron_001": 2}},
		{Timestamp: day.Add(2 * time.Minute), CauldronLevels: map[string]float64{"cauldron_001": 3}},
	}}
	ts := newTestServer(backend)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/Data?from=2025-10-30T00:00:00Z&to=2025-10-31T00:00:00Z&limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if !backend.lastFrom.Equal(day) || !backend.lastTo.Equal(day.Add(24*time.Hour)) {
		t.Fatalf("range not forwarded: %s .. %s", backend.lastFrom, backend.lastTo)
	}
	var got []model.LevelObservation
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Timestamp.Equal(day.Add(time.Minute)) {
		t.Fatalf("limit should keep the most recent of the range: %+v", got)
	}

	backend.lastTo = time.Time{}
	if resp, _ := get(t, ts.URL+"/api/Data?from=2025-10-30T00:00:00Z"); resp.StatusCode != http.StatusOK || !backend.lastTo.IsZero() {
		t.Fatalf("open-ended range: status=%d to=%s", resp.StatusCode, backend.lastTo)
	}

	for _, query := range []string{"from=yesterday", "to=2025-13-01", "from=2025-10-31T00:00:00Z&to=2025-10-30T00:00:00Z"} {
		if resp, _ := get(t, ts.URL+"/api/Data?"+query); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", query, resp.StatusCode)
		}
	}
}

func TestTicketsEnvelope(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	_, body := get(t, ts.URL+"/api/Tickets")
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["transport_tickets"]; !ok {
		t.Fatalf("transport_tickets missing: %s", body)
	}
	if _, ok := payload["metadata"]; !ok {
		t.Fatalf("metadata missing: %s", body)
	}
}

func TestAnnotatedTicketsShape(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	_, body := get(t, ts.URL+"/api/analyze/annotated-tickets")
	var payload struct {
		Tickets        []model.AnnotatedTicket `json:"tickets"`
		MalformedCount int                     `json:"malformed_count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Tickets == nil || payload.MalformedCount != 2 {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestCacheEndpoints(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/cache")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"state":"fresh"`) {
		t.Fatalf("cache status: %d %s", resp.StatusCode, body)
	}

	post := func(path string) *http.Response {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}
	if resp := post("/api/cache/cauldrons/refresh"); resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh known resource: %d", resp.StatusCode)
	}
	if resp := post("/api/cache/potions/refresh"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("refresh unknown resource: %d", resp.StatusCode)
	}
	if resp := post("/api/Data"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST on GET route: %d", resp.StatusCode)
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	ts := newTestServer(&fakeBackend{})
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/healthz")
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatal("request id should be minted")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("cors origin %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.Header.Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("client request id should be echoed, got %q", resp2.Header.Get(RequestIDHeader))
	}

	preflight, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/Data", nil)
	preflight.Header.Set("Origin", "http://localhost:5173")
	preflight.Header.Set("Access-Control-Request-Method", "GET")
	resp3, err := http.DefaultClient.Do(preflight)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d", resp3.StatusCode)
	}
}

func TestPanicRecovered(t *testing.T) {
	ts := newTestServer(&fakeBackend{panicOn: "cauldrons"})
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/api/Information/cauldrons")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, &fakeBackend{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
