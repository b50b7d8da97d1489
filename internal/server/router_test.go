package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/auth"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store/storetest"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ownerSet map[string]bool

func (o ownerSet) IsOwner(userID string) bool { return o[userID] }

type stubAudits struct {
	mu       sync.Mutex
	started  []audit.Job
	startErr error
	running  audit.Job
}

func (s *stubAudits) Start(kind audit.Kind, invokerID, channelID string) (audit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.running, s.startErr
	}
	job := audit.Job{ID: "job-1", Kind: kind, InvokerID: invokerID, ChannelID: channelID, State: audit.StateRunning}
	s.started = append(s.started, job)
	return job, nil
}

func (s *stubAudits) Cancel(id string) error {
	if id != "job-1" {
		return audit.ErrNotFound
	}
	return nil
}

func (s *stubAudits) List() []audit.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Job(nil), s.started...)
}

type apiFixture struct {
	handler http.Handler
	store   *store.Store
	audits  *stubAudits
	issuer  *auth.TokenIssuer
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	moderationStore := storetest.New(t)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-signing-secret")})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	audits := &stubAudits{}
	handler, err := NewHTTPHandler(Dependencies{
		Store:        moderationStore,
		Audits:       audits,
		TokenManager: issuer,
		Owners:       ownerSet{"owner-1": true},
		Feed:         NewDecisionFeed(),
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return apiFixture{handler: handler, store: moderationStore, audits: audits, issuer: issuer}
}

func (f apiFixture) do(t *testing.T, method, target, subject string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, http.NoBody)
	if subject != "" {
		token, _, err := f.issuer.Issue(subject)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func seedUser(t *testing.T, moderationStore *store.Store, userID, name string, sent, deleted uint64) {
	t.Helper()
	ctx := context.Background()
	if _, err := moderationStore.UpsertUser(ctx, userID, name); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if err := moderationStore.SetMessagesSent(ctx, userID, sent); err != nil {
		t.Fatalf("failed to seed sent count: %v", err)
	}
	if err := moderationStore.SetMessagesDeleted(ctx, userID, deleted); err != nil {
		t.Fatalf("failed to seed deleted count: %v", err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingStore {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestHealthReportsStoreState(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy store, got %d", recorder.Code)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
}

func TestLeaderboardOrdersByCounter(t *testing.T) {
	fixture := newAPIFixture(t)
	seedUser(t, fixture.store, "a", "alice", 5, 1)
	seedUser(t, fixture.store, "b", "bob", 9, 0)
	seedUser(t, fixture.store, "c", "carol", 5, 4)

	recorder := fixture.do(t, http.MethodGet, "/leaderboard?type=sent&limit=2", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Type    string                    `json:"type"`
		Entries []leaderboardEntryPayload `json:"entries"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode leaderboard: %v", err)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	if payload.Entries[0].UserID != "b" || payload.Entries[1].UserID != "a" {
		t.Fatalf("unexpected order: %#v", payload.Entries)
	}
	if payload.Entries[1].Rank != 2 || payload.Entries[1].Value != 5 {
		t.Fatalf("unexpected second entry: %#v", payload.Entries[1])
	}

	if recorder := fixture.do(t, http.MethodGet, "/leaderboard?type=reactions", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown counter, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/leaderboard?limit=many", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for malformed limit, got %d", recorder.Code)
	}
}

func TestUserStatsIncludesRanks(t *testing.T) {
	fixture := newAPIFixture(t)
	seedUser(t, fixture.store, "a", "alice", 5, 1)
	seedUser(t, fixture.store, "b", "bob", 9, 0)

	recorder := fixture.do(t, http.MethodGet, "/users/a/stats", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload userStatsPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if payload.SentRank != 2 || payload.DeletedRank != 1 || payload.DisplayName != "alice" {
		t.Fatalf("unexpected stats: %#v", payload)
	}

	if recorder := fixture.do(t, http.MethodGet, "/users/missing/stats", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestAuditRoutesRequireOwnerToken(t *testing.T) {
	fixture := newAPIFixture(t)

	if recorder := fixture.do(t, http.MethodGet, "/audits", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/audits", "member-1"); recorder.Code != http.StatusOK {
		t.Fatalf("expected any operator to list audits, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/audits/messages", "member-1"); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-owner, got %d", recorder.Code)
	}

	recorder := fixture.do(t, http.MethodPost, "/audits/messages?channel=ops", "owner-1")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", recorder.Code)
	}
	var job audit.Job
	if err := json.Unmarshal(recorder.Body.Bytes(), &job); err != nil {
		t.Fatalf("failed to decode job: %v", err)
	}
	if job.InvokerID != "owner-1" || job.ChannelID != "ops" || job.Kind != audit.KindMessages {
		t.Fatalf("unexpected job: %#v", job)
	}

	if recorder := fixture.do(t, http.MethodPost, "/audits/everything", "owner-1"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown kind, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodDelete, "/audits/job-1", "owner-1"); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected no content on cancel, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodDelete, "/audits/job-2", "owner-1"); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found for unknown job, got %d", recorder.Code)
	}
}

func TestStartAuditReportsConflict(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.audits.startErr = audit.ErrConflict
	fixture.audits.running = audit.Job{ID: "job-0", Kind: audit.KindMessages, State: audit.StateRunning}

	recorder := fixture.do(t, http.MethodPost, "/audits/messages", "owner-1")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}
}
