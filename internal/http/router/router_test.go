package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/http/handler"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type testStack struct {
	server *httptest.Server
	svc    *service.SessionService
}

func newStackForTest(t *testing.T, createRPM int) *testStack {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Session{}, &domain.Member{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	redisServer := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() {
		_ = redisClient.Close()
		redisServer.Close()
	})

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	changeFeed := feed.NewRedisFeed(redisClient, quiet, 16)
	svc := service.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewMemberRepository(db),
		changeFeed,
		quiet,
	)

	h := NewRouter(Dependencies{
		SessionHandler: handler.NewSessionHandler(svc, quiet),
		FeedHandler:    handler.NewFeedHandler(svc, changeFeed, quiet),
		CreateRPM:      createRPM,
		BodyLimit:      1 << 20,
	})
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	return &testStack{server: server, svc: svc}
}

func (s *testStack) request(t *testing.T, method, path, deviceID string, body any) (*http.Response, apiEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope for %s %s: %v", method, path, err)
	}
	return resp, env
}

func (s *testStack) createSession(t *testing.T, username, deviceID string) *service.JoinResult {
	t.Helper()
	resp, env := s.request(t, http.MethodPost, "/api/v1/sessions", deviceID, map[string]string{"username": username})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d, envelope %+v", resp.StatusCode, env)
	}
	var result service.JoinResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode join result: %v", err)
	}
	return &result
}

func TestHealthEndpoints(t *testing.T) {
	s := newStackForTest(t, 30)

	resp, env := s.request(t, http.MethodGet, "/health/live", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("live: status %d, envelope %+v", resp.StatusCode, env)
	}
	if env.Meta.RequestID == "" {
		t.Fatal("request id missing from response meta")
	}
	resp, env = s.request(t, http.MethodGet, "/health/ready", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("ready: status %d, envelope %+v", resp.StatusCode, env)
	}
}

func TestReadyCheckFailureReports503(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRouter(Dependencies{
		SessionHandler: handler.NewSessionHandler(nil, quiet),
		FeedHandler:    handler.NewFeedHandler(nil, nil, quiet),
		CreateRPM:      1,
		ReadyCheck:     func(context.Context) error { return errors.New("redis: connection refused") },
	})
	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL + "/health/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
}

func TestDeviceIDHeaderRequired(t *testing.T) {
	s := newStackForTest(t, 30)

	resp, env := s.request(t, http.MethodPost, "/api/v1/sessions", "", map[string]string{"username": "anna"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	if env.Success || env.Error == nil || env.Error.Code != "VALIDATION" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	long := strings.Repeat("x", 65)
	resp, _ = s.request(t, http.MethodPost, "/api/v1/sessions", long, map[string]string{"username": "anna"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized device id: status %d, want 400", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s := newStackForTest(t, 30)

	created := s.createSession(t, "anna", "dev-anna")
	if created.Session.Code == "" || created.Member.Username != "anna" {
		t.Fatalf("unexpected create result: %+v", created)
	}

	// Join with the code lower-cased; codes are case-insensitive on input.
	resp, env := s.request(t, http.MethodPost,
		"/api/v1/sessions/"+strings.ToLower(created.Session.Code)+"/members",
		"dev-ben", map[string]string{"username": "ben"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join: status %d, envelope %+v", resp.StatusCode, env)
	}
	var joined service.JoinResult
	if err := json.Unmarshal(env.Data, &joined); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if len(joined.Members) != 2 {
		t.Fatalf("joiner sees %d members, want 2", len(joined.Members))
	}

	resp, env = s.request(t, http.MethodGet, "/api/v1/sessions/"+created.Session.ID+"/members", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("members: status %d", resp.StatusCode)
	}
	var members []domain.Member
	if err := json.Unmarshal(env.Data, &members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("listed %d members, want 2", len(members))
	}

	// Only the owning device may move the member.
	body := map[string]float64{"latitude": 51.3, "longitude": -117.5}
	resp, env = s.request(t, http.MethodPatch, "/api/v1/members/"+joined.Member.ID+"/location", "dev-intruder", body)
	if resp.StatusCode != http.StatusNotFound || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Fatalf("foreign location write: status %d, envelope %+v", resp.StatusCode, env)
	}

	resp, env = s.request(t, http.MethodPatch, "/api/v1/members/"+joined.Member.ID+"/location", "dev-ben", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("location write: status %d, envelope %+v", resp.StatusCode, env)
	}
	var moved domain.Member
	if err := json.Unmarshal(env.Data, &moved); err != nil {
		t.Fatalf("decode member: %v", err)
	}
	if !moved.HasLocation() || *moved.Latitude != 51.3 {
		t.Fatalf("location not committed: %+v", moved)
	}

	resp, _ = s.request(t, http.MethodDelete, "/api/v1/members/"+joined.Member.ID, "dev-ben", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave: status %d", resp.StatusCode)
	}
	// Leaving twice is fine.
	resp, _ = s.request(t, http.MethodDelete, "/api/v1/members/"+joined.Member.ID, "dev-ben", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat leave: status %d", resp.StatusCode)
	}
}

func TestJoinValidationOverHTTP(t *testing.T) {
	s := newStackForTest(t, 30)

	resp, env := s.request(t, http.MethodPost, "/api/v1/sessions/ZZZZ/members", "dev-1", map[string]string{"username": "anna"})
	if resp.StatusCode != http.StatusNotFound || env.Error.Message != "session not found" {
		t.Fatalf("unknown code: status %d, envelope %+v", resp.StatusCode, env)
	}

	resp, env = s.request(t, http.MethodPost, "/api/v1/sessions/NOPE12/members", "dev-1", map[string]string{"username": "anna"})
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "VALIDATION" {
		t.Fatalf("malformed code: status %d, envelope %+v", resp.StatusCode, env)
	}
}

func TestLocationValidationOverHTTP(t *testing.T) {
	s := newStackForTest(t, 30)
	created := s.createSession(t, "anna", "dev-anna")

	resp, env := s.request(t, http.MethodPatch, "/api/v1/members/"+created.Member.ID+"/location",
		"dev-anna", map[string]float64{"latitude": 51.3})
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "VALIDATION" {
		t.Fatalf("missing longitude: status %d, envelope %+v", resp.StatusCode, env)
	}

	resp, env = s.request(t, http.MethodPatch, "/api/v1/members/"+created.Member.ID+"/location",
		"dev-anna", map[string]float64{"latitude": 123, "longitude": 0})
	if resp.StatusCode != http.StatusBadRequest || env.Error.Code != "VALIDATION" {
		t.Fatalf("out-of-range latitude: status %d, envelope %+v", resp.StatusCode, env)
	}
}

func TestCreateRateLimited(t *testing.T) {
	s := newStackForTest(t, 2)

	for i := 0; i < 2; i++ {
		resp, env := s.request(t, http.MethodPost, "/api/v1/sessions", "dev-1", map[string]string{"username": "anna"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status %d, envelope %+v", i, resp.StatusCode, env)
		}
	}
	resp, env := s.request(t, http.MethodPost, "/api/v1/sessions", "dev-1", map[string]string{"username": "anna"})
	if resp.StatusCode != http.StatusTooManyRequests || env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("third create: status %d, envelope %+v", resp.StatusCode, env)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}

func TestCleanupEndpoint(t *testing.T) {
	s := newStackForTest(t, 30)

	resp, env := s.request(t, http.MethodPost, "/internal/cleanup", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: status %d", resp.StatusCode)
	}
	var result map[string]int64
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode cleanup result: %v", err)
	}
	if result["cleaned"] != 0 {
		t.Fatalf("fresh store must sweep nothing, got %d", result["cleaned"])
	}
}

func TestFeedWebsocketStreamsDeltas(t *testing.T) {
	s := newStackForTest(t, 30)
	created := s.createSession(t, "anna", "dev-anna")

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") +
		"/api/v1/sessions/" + created.Session.ID + "/feed"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v (resp %+v)", err, resp)
	}
	defer conn.Close()

	if _, err := s.svc.ReportLocation(context.Background(), created.Member.ID, "dev-anna", 51.3, -117.5); err != nil {
		t.Fatalf("report location: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var delta feed.MemberDelta
	if err := conn.ReadJSON(&delta); err != nil {
		t.Fatalf("read delta frame: %v", err)
	}
	if delta.Type != feed.DeltaUpdated || delta.MemberID != created.Member.ID {
		t.Fatalf("unexpected delta: %+v", delta)
	}
	if delta.Member == nil || *delta.Member.Latitude != 51.3 {
		t.Fatalf("delta payload lost: %+v", delta.Member)
	}
}

func TestFeedRejectsUnknownSession(t *testing.T) {
	s := newStackForTest(t, 30)

	resp, err := http.Get(s.server.URL + "/api/v1/sessions/no-such-session/feed")
	if err != nil {
		t.Fatalf("feed request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}
