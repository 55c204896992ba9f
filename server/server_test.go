package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/metrics"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/testutil"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource map[string]*journey.Planner

func (f fakeSource) Current(source string) (*journey.Planner, error) {
	if source == "broken" {
		return nil, errors.New("disk on fire")
	}
	p, found := f[source]
	if !found {
		return nil, journey.ErrNoIndex
	}
	return p, nil
}

func testPlanner(opts ...journey.PlannerOption) *journey.Planner {
	var records []model.StopTimeRecord
	records = append(records, testutil.StopTimes("T1",
		[3]string{"A", "08:00:00", "08:00:00"},
		[3]string{"B", "08:10:00", "08:10:30"},
		[3]string{"C", "08:20:00", "08:20:00"},
	)...)
	records = append(records, testutil.StopTimes("T2",
		[3]string{"C2", "08:25:00", "08:25:00"},
		[3]string{"D", "08:40:00", "08:40:00"},
	)...)
	schedule, _ := journey.BuildSchedule(records, quietLogger)
	transfers := journey.NewTransferTable([]model.TransferRule{
		{FromStopID: "C", ToStopID: "C2", MinWaitSec: 120},
	})
	return journey.NewPlanner(schedule, transfers, opts...)
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	source := fakeSource{"feed": testPlanner()}
	if cfg.Feeds == nil {
		cfg.Feeds = []string{"feed"}
	}
	cfg.Logger = quietLogger
	server := httptest.NewServer(New(source, cfg).Handler())
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string, response interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(response))
	return resp.StatusCode
}

func TestDirect(t *testing.T) {
	server := newTestServer(t, Config{})

	response := ItineraryResponse{}
	status := get(t, server.URL+"/v1/direct?from=A&to=C&at=08:00:00", &response)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "feed", response.Feed)
	assert.Equal(t, QueryResponse{From: "A", To: "C", At: "08:00:00", Mode: "direct"}, response.Query)
	require.NotNil(t, response.Itinerary)
	assert.Equal(t, []model.Segment{{
		TripID:         "T1",
		BoardStopID:    "A",
		BoardPosition:  0,
		AlightStopID:   "C",
		AlightPosition: 2,
		DepartureTime:  "08:00:00",
		ArrivalTime:    "08:20:00",
		DepartureSec:   28800,
		ArrivalSec:     30000,
		StopCount:      3,
	}}, response.Itinerary.Legs)
	assert.Nil(t, response.Itinerary.Transfer)

	// Seconds work too
	response = ItineraryResponse{}
	status = get(t, server.URL+"/v1/direct?from=A&to=C&at=28800", &response)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, response.Itinerary)
}

func TestNoItinerary(t *testing.T) {
	server := newTestServer(t, Config{})

	resp, err := http.Get(server.URL + "/v1/direct?from=A&to=C&at=08:00:01")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw := map[string]json.RawMessage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "null", string(raw["itinerary"]))

	// Unknown stop is no itinerary, not an error
	response := ItineraryResponse{}
	status := get(t, server.URL+"/v1/transfer?from=nowhere&to=D", &response)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, response.Itinerary)
}

func TestTransfer(t *testing.T) {
	server := newTestServer(t, Config{})

	response := ItineraryResponse{}
	status := get(t, server.URL+"/v1/transfer?from=A&to=D&at=07:00:00", &response)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, response.Itinerary)
	require.Equal(t, 2, len(response.Itinerary.Legs))
	assert.Equal(t, "T1", response.Itinerary.Legs[0].TripID)
	assert.Equal(t, "T2", response.Itinerary.Legs[1].TripID)
	assert.Equal(t, &model.TransferRule{FromStopID: "C", ToStopID: "C2", MinWaitSec: 120}, response.Itinerary.Transfer)
}

func TestPlan(t *testing.T) {
	server := newTestServer(t, Config{})

	for _, tc := range []struct {
		query string
		mode  string
		legs  int
	}{
		{"from=A&to=C", "best", 1},
		{"from=A&to=D", "best", 2},
		{"from=A&to=D&mode=best", "best", 2},
		{"from=A&to=D&mode=direct", "direct", 0},
		{"from=A&to=D&mode=transfer", "transfer", 2},
		{"from=A&to=B&mode=DIRECT", "direct", 1},
	} {
		t.Run(tc.query, func(t *testing.T) {
			response := ItineraryResponse{}
			status := get(t, server.URL+"/v1/plan?"+tc.query, &response)
			require.Equal(t, http.StatusOK, status)
			assert.Equal(t, tc.mode, response.Query.Mode)
			if tc.legs == 0 {
				assert.Nil(t, response.Itinerary)
				return
			}
			require.NotNil(t, response.Itinerary)
			assert.Equal(t, tc.legs, len(response.Itinerary.Legs))
		})
	}
}

func TestBadRequests(t *testing.T) {
	server := newTestServer(t, Config{Feeds: []string{"feed", "empty", "broken"}})

	for _, tc := range []struct {
		path   string
		status int
	}{
		{"/v1/direct?to=C", http.StatusBadRequest},
		{"/v1/direct?from=A", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=8am", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=08:61:00", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=-5", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=%2B08:00:00", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=9223372036854775807:00:00", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&at=9223372036854775807", http.StatusBadRequest},
		{"/v1/plan?from=A&to=C&mode=teleport", http.StatusBadRequest},
		{"/v1/direct?from=A&to=C&feed=other", http.StatusNotFound},
		{"/v1/direct?from=A&to=C&feed=empty", http.StatusServiceUnavailable},
		{"/v1/direct?from=A&to=C&feed=broken", http.StatusInternalServerError},
	} {
		t.Run(tc.path, func(t *testing.T) {
			response := ErrorResponse{}
			status := get(t, server.URL+tc.path, &response)
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, response.Error)
		})
	}

	resp, err := http.Post(server.URL+"/v1/direct?from=A&to=C", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestLogger(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	source := fakeSource{"feed": testPlanner()}
	server := httptest.NewServer(New(source, Config{
		Feeds:  []string{"feed", "broken"},
		Logger: logger,
	}).Handler())
	defer server.Close()

	response := ItineraryResponse{}
	require.Equal(t, http.StatusOK, get(t, server.URL+"/v1/direct?from=A&to=C", &response))
	errResponse := ErrorResponse{}
	require.Equal(t, http.StatusInternalServerError, get(t, server.URL+"/v1/transfer?from=A&to=C&feed=broken", &errResponse))

	out := logs.String()
	assert.Contains(t, out, `"msg":"query"`)
	assert.Contains(t, out, `"path":"/v1/direct"`)
	assert.Contains(t, out, `"msg":"getting planner"`)
	assert.Contains(t, out, `"path":"/v1/transfer"`)
	assert.Contains(t, out, `"error":"disk on fire"`)
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, Config{})
	response := map[string]map[string]string{}
	status := get(t, server.URL+"/healthz", &response)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]string{"feed": "ok"}, response["feeds"])

	server = newTestServer(t, Config{Feeds: []string{"feed", "empty"}})
	response = map[string]map[string]string{}
	status = get(t, server.URL+"/healthz", &response)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "ok", response["feeds"]["feed"])
	assert.Equal(t, journey.ErrNoIndex.Error(), response["feeds"]["empty"])
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector()
	source := fakeSource{"feed": testPlanner(journey.WithMetrics(collector))}
	server := httptest.NewServer(New(source, Config{
		Feeds:   []string{"feed"},
		Metrics: collector.Handler(),
		Logger:  quietLogger,
	}).Handler())
	defer server.Close()

	response := ItineraryResponse{}
	get(t, server.URL+"/v1/plan?from=A&to=D", &response)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `journey_queries_total{kind="direct",result="miss"} 1`)
	assert.Contains(t, string(body), `journey_queries_total{kind="transfer",result="found"} 1`)

	// Not served unless configured
	server = newTestServer(t, Config{})
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	server := newTestServer(t, Config{RateLimit: 2})

	statuses := []int{}
	for i := 0; i < 4; i++ {
		resp, err := http.Get(server.URL + "/v1/direct?from=A&to=C")
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Contains(t, statuses[2:], http.StatusTooManyRequests)

	// Health checks are exempt
	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompression(t *testing.T) {
	server := newTestServer(t, Config{})

	// Echoed stop ID makes the response big enough to compress
	to := strings.Repeat("x", 4000)

	req, err := http.NewRequest("GET", server.URL+"/v1/direct?from=A&to="+to, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	// Disable transparent decompression
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	response := ItineraryResponse{}
	require.NoError(t, json.NewDecoder(gz).Decode(&response))
	assert.Equal(t, to, response.Query.To)
	assert.Nil(t, response.Itinerary)
}
