package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/ai"
	"github.com/dztow/backend/internal/config"
	"github.com/dztow/backend/internal/db"
	"github.com/dztow/backend/internal/events"
	"github.com/dztow/backend/internal/http/middleware"
	"github.com/dztow/backend/internal/messaging"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/notify"
	"github.com/dztow/backend/internal/presence"
	"github.com/dztow/backend/internal/pubsub"
	"github.com/dztow/backend/internal/ratelimit"
	"github.com/dztow/backend/internal/service"
)

type testAPI struct {
	router *gin.Engine
	events *events.Recorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zerolog.Nop()

	store := db.NewMemoryStore()
	t.Cleanup(store.Close)
	for _, op := range []models.Operator{
		{Profile: models.Profile{ID: "O1"}, TruckCategory: models.TruckFlatbed, IsAvailable: true, Position: models.Position{Lat: 36.36, Lng: 6.61}},
		{Profile: models.Profile{ID: "O2"}, TruckCategory: models.TruckWheelLift, IsAvailable: false, Position: models.Position{Lat: 36.75, Lng: 3.06}},
	} {
		if _, err := store.UpsertOperator(ctx, op); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	model := presence.NewModel(store, logger, time.Millisecond)
	ops, _ := store.ListOperators(ctx)
	model.Reconcile(ops)

	rec := &events.Recorder{}
	coord := &service.Coordinator{Store: store, Presence: model, Events: rec, Logger: logger, RetryDelay: time.Millisecond}
	channel := &messaging.Channel{Store: store, Events: rec, Logger: logger, RetryDelay: time.Millisecond}
	registry := notify.NewRegistry(pubsub.NewFallback(logger), notify.PermissionGranted)
	support := &service.Support{Assistant: ai.MockAdapter{}, Limiter: ratelimit.NewMemory(2, time.Minute), Logger: logger}

	cfg := config.Config{Env: "dev", CORSAllowed: "*", AdminKey: "adm"}
	return &testAPI{
		router: Router(cfg, store, model, coord, channel, registry, support, logger),
		events: rec,
	}
}

func (a *testAPI) do(t *testing.T, method, path, actorID string, role models.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set(middleware.ActorIDHeader, actorID)
		req.Header.Set(middleware.ActorRoleHeader, string(role))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}](t, w)
	return body.Error.Code
}

const (
	seeker   = models.RoleSeeker
	operator = models.RoleOperator
)

var here = map[string]any{"position": map[string]float64{"lat": 36.36, "lng": 6.61}}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/requests", "S", seeker, here)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	req := decode[models.AssistanceRequest](t, w)
	if len(req.NotifiedOperators) != 1 || req.NotifiedOperators[0] != "O1" {
		t.Fatalf("expected affected set {O1}, got %v", req.NotifiedOperators)
	}

	w = api.do(t, http.MethodPost, "/api/requests", "S", seeker, here)
	if w.Code != http.StatusConflict || errorCode(t, w) != "INVALID_TRANSITION" {
		t.Fatalf("second create: expected 409 INVALID_TRANSITION, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/requests/active", "S", seeker, nil)
	if w.Code != http.StatusOK || decode[models.AssistanceRequest](t, w).ID != req.ID {
		t.Fatalf("active: unexpected %d %s", w.Code, w.Body.String())
	}

	base := "/api/requests/" + req.ID
	if w = api.do(t, http.MethodPost, base+"/accept", "O1", operator, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w = api.do(t, http.MethodPost, base+"/accept", "O2", operator, nil); w.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", w.Code)
	}
	if w = api.do(t, http.MethodPost, base+"/arrive", "S", seeker, nil); w.Code != http.StatusForbidden {
		t.Fatalf("arrive by seeker: expected 403, got %d", w.Code)
	}
	if w = api.do(t, http.MethodPost, base+"/arrive", "O1", operator, map[string]string{"notes": "blue van"}); w.Code != http.StatusOK {
		t.Fatalf("arrive: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = api.do(t, http.MethodPost, base+"/complete", "O1", operator, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", w.Code)
	}
	done := decode[models.AssistanceRequest](t, w)
	if done.Status != models.StatusCompleted || done.OperatorNotes != "blue van" {
		t.Fatalf("unexpected final request %+v", done)
	}
	if w = api.do(t, http.MethodPost, base+"/cancel", "S", seeker, nil); w.Code != http.StatusConflict {
		t.Fatalf("cancel after complete: expected 409, got %d", w.Code)
	}
	if n := len(api.events.Events); n != 4 {
		t.Fatalf("expected 4 events, got %v", api.events.Types())
	}
}

func TestRequestErrors(t *testing.T) {
	api := newTestAPI(t)

	if w := api.do(t, http.MethodPost, "/api/requests", "", "", here); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/requests", "O1", operator, here); w.Code != http.StatusForbidden {
		t.Fatalf("operator create: expected 403, got %d", w.Code)
	}
	bad := map[string]any{"position": map[string]float64{"lat": 120, "lng": 6}}
	if w := api.do(t, http.MethodPost, "/api/requests", "S", seeker, bad); w.Code != http.StatusBadRequest {
		t.Fatalf("bad latitude: expected 400, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, "/api/requests/missing", "S", seeker, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/requests/missing/accept", "O1", operator, nil); w.Code != http.StatusConflict {
		t.Fatalf("accept missing: expected 409, got %d", w.Code)
	}
}

func TestOperatorFindsAndAcceptsPendingRequest(t *testing.T) {
	api := newTestAPI(t)
	created := decode[models.AssistanceRequest](t, api.do(t, http.MethodPost, "/api/requests", "S", seeker, here))

	w := api.do(t, http.MethodGet, "/api/requests?status=PENDING", "O1", operator, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	inbox := decode[[]models.AssistanceRequest](t, w)
	if len(inbox) != 1 || inbox[0].ID != created.ID {
		t.Fatalf("expected O1 to see %s, got %+v", created.ID, inbox)
	}
	if w = api.do(t, http.MethodPost, "/api/requests/"+inbox[0].ID+"/accept", "O1", operator, nil); w.Code != http.StatusOK {
		t.Fatalf("accept from list: expected 200, got %d", w.Code)
	}
	if left := decode[[]models.AssistanceRequest](t, api.do(t, http.MethodGet, "/api/requests?status=PENDING", "O1", operator, nil)); len(left) != 0 {
		t.Fatalf("accepted request still pending: %+v", left)
	}

	if other := decode[[]models.AssistanceRequest](t, api.do(t, http.MethodGet, "/api/requests", "O2", operator, nil)); len(other) != 0 {
		t.Fatalf("O2 was never notified, got %+v", other)
	}
	if w = api.do(t, http.MethodGet, "/api/requests?status=LOST", "O1", operator, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status: expected 400, got %d", w.Code)
	}
}

func TestRequestDetailsRestrictedToInvolvedParties(t *testing.T) {
	api := newTestAPI(t)
	created := decode[models.AssistanceRequest](t, api.do(t, http.MethodPost, "/api/requests", "S", seeker, here))
	path := "/api/requests/" + created.ID

	if w := api.do(t, http.MethodGet, path, "S", seeker, nil); w.Code != http.StatusOK {
		t.Fatalf("seeker: expected 200, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, path, "O1", operator, nil); w.Code != http.StatusOK {
		t.Fatalf("notified operator: expected 200, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, path, "S2", seeker, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other seeker: expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, path, "O2", operator, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unnotified operator: expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodGet, path+"/stream", "S2", seeker, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other seeker stream: expected 404, got %d", w.Code)
	}
}

func TestOperatorsEndpoints(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/operators?filter=online", "S", seeker, nil)
	online := decode[struct {
		Items []models.Operator `json:"items"`
	}](t, w)
	if len(online.Items) != 1 || online.Items[0].ID != "O1" {
		t.Fatalf("expected only O1 online, got %+v", online.Items)
	}

	w = api.do(t, http.MethodGet, "/api/operators?lat=36.36&lng=6.61&radius_km=500", "S", seeker, nil)
	near := decode[struct {
		Items    []presence.Nearby `json:"items"`
		RadiusKm float64           `json:"radius_km"`
	}](t, w)
	if near.RadiusKm != presence.MaxRadiusKm || len(near.Items) != 1 {
		t.Fatalf("expected O1 within clamped radius, got %+v", near)
	}

	if w = api.do(t, http.MethodGet, "/api/operators?filter=busy", "S", seeker, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter: expected 400, got %d", w.Code)
	}

	off := map[string]bool{"is_available": false}
	if w = api.do(t, http.MethodPut, "/api/operators/O1/availability", "O2", operator, off); w.Code != http.StatusForbidden {
		t.Fatalf("foreign availability: expected 403, got %d", w.Code)
	}
	w = api.do(t, http.MethodPut, "/api/operators/O1/availability", "O1", operator, off)
	if w.Code != http.StatusOK || decode[models.Operator](t, w).IsAvailable {
		t.Fatalf("own availability: unexpected %d %s", w.Code, w.Body.String())
	}
	if w = api.do(t, http.MethodPut, "/api/operators/O1/availability", "O1", operator, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing value: expected 400, got %d", w.Code)
	}
	pos := map[string]any{"position": map[string]float64{"lat": 36.4, "lng": 6.6}}
	if w = api.do(t, http.MethodPut, "/api/operators/O1/position", "O1", operator, pos); w.Code != http.StatusOK {
		t.Fatalf("position: expected 200, got %d", w.Code)
	}
}

func TestRegisterOperatorRequiresAdminKey(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{"truck_category": "flatbed", "company_name": "Sahel Depannage"}

	if w := api.do(t, http.MethodPut, "/api/operators/O9", "", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("without key: expected 401, got %d", w.Code)
	}

	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, "/api/operators/O9", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", "adm")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with key: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMessagingOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/conversations/S/messages", "O1", operator, map[string]string{"body": "on my way"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	msg := decode[models.ChatMessage](t, w)

	if w = api.do(t, http.MethodPost, "/api/conversations/O1/messages/"+msg.ID+"/read", "S", seeker, nil); w.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", w.Code)
	}
	if w = api.do(t, http.MethodPost, "/api/conversations/S/messages/"+msg.ID+"/read", "O1", operator, nil); w.Code != http.StatusForbidden {
		t.Fatalf("sender read: expected 403, got %d", w.Code)
	}

	w = api.do(t, http.MethodPost, "/api/conversations/O1/location", "S", seeker, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("location: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if loc := decode[models.ChatMessage](t, w).Location; loc == nil || !loc.Fallback {
		t.Fatalf("expected tagged fallback location, got %+v", loc)
	}

	w = api.do(t, http.MethodPost, "/api/conversations/O1/block", "S", seeker, nil)
	if w.Code != http.StatusOK || !decode[models.ConversationFlags](t, w).Blocked {
		t.Fatalf("block toggle: unexpected %d %s", w.Code, w.Body.String())
	}
	w = api.do(t, http.MethodPost, "/api/conversations/S/messages", "O1", operator, map[string]string{"body": "hello?"})
	if w.Code != http.StatusForbidden || errorCode(t, w) != "BLOCKED" {
		t.Fatalf("blocked send: expected 403 BLOCKED, got %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/conversations/S/messages", "O1", operator, nil)
	conv := decode[models.Conversation](t, w)
	if len(conv.Messages) != 2 {
		t.Fatalf("history must keep both messages, got %d", len(conv.Messages))
	}

	w = api.do(t, http.MethodPost, "/api/conversations/O1/mute", "S", seeker, map[string]bool{"value": true})
	if !decode[models.ConversationFlags](t, w).Muted {
		t.Fatalf("expected muted")
	}
	w = api.do(t, http.MethodGet, "/api/conversations/O1/flags", "S", seeker, nil)
	if f := decode[models.ConversationFlags](t, w); !f.Muted || !f.Blocked {
		t.Fatalf("unexpected flags %+v", f)
	}
}

func TestConversationListOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/api/conversations/S/messages", "O1", operator, map[string]string{"body": "on my way"})
	api.do(t, http.MethodPost, "/api/conversations/O2/messages", "S", seeker, map[string]string{"body": "are you free?"})

	w := api.do(t, http.MethodGet, "/api/conversations", "S", seeker, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	convs := decode[[]models.ConversationSummary](t, w)
	if len(convs) != 2 || convs[0].ContactID != "O2" || convs[1].ContactID != "O1" {
		t.Fatalf("expected O2 then O1, got %+v", convs)
	}
	if convs[1].LastMessage == nil || convs[1].LastMessage.Body != "on my way" {
		t.Fatalf("expected last message on entry, got %+v", convs[1])
	}
	if mine := decode[[]models.ConversationSummary](t, api.do(t, http.MethodGet, "/api/conversations", "O2", operator, nil)); len(mine) != 1 {
		t.Fatalf("O2 should only see the S conversation, got %+v", mine)
	}
}

func TestSupportAndNotifications(t *testing.T) {
	api := newTestAPI(t)

	for i := 0; i < 2; i++ {
		w := api.do(t, http.MethodPost, "/api/support/chat", "S", seeker, map[string]string{"prompt": "price?", "language": "fr"})
		if w.Code != http.StatusOK || decode[map[string]string](t, w)["text"] == "" {
			t.Fatalf("chat %d: unexpected %d %s", i, w.Code, w.Body.String())
		}
	}
	w := api.do(t, http.MethodPost, "/api/support/chat", "S", seeker, map[string]string{"prompt": "again"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	if w = api.do(t, http.MethodPut, "/api/notifications/permission", "S", seeker, map[string]string{"permission": "denied"}); w.Code != http.StatusOK {
		t.Fatalf("permission: expected 200, got %d", w.Code)
	}
	if w = api.do(t, http.MethodPut, "/api/notifications/permission", "S", seeker, map[string]string{"permission": "maybe"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad permission: expected 400, got %d", w.Code)
	}
}

func TestRequestStreamSendsSnapshots(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/requests", "S", seeker, here)
	req := decode[models.AssistanceRequest](t, w)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/requests/"+req.ID+"/stream", nil)
	httpReq.Header.Set(middleware.ActorIDHeader, "S")
	httpReq.Header.Set(middleware.ActorRoleHeader, "seeker")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var snap models.AssistanceRequest
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.ID != req.ID || snap.Status != models.StatusPending {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		return
	}
	t.Fatalf("no snapshot received: %v", scanner.Err())
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/api/requests", "S", seeker, here)

	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "dztow_") {
		t.Fatalf("expected prometheus output with dztow metrics, got %d", w.Code)
	}
}
