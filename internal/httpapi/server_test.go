package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fitbuddy/internal/activity"
	"github.com/antoniostano/fitbuddy/internal/assistant"
	"github.com/antoniostano/fitbuddy/internal/config"
	"github.com/antoniostano/fitbuddy/internal/notify"
	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
	"github.com/antoniostano/fitbuddy/internal/ratelimit"
	"github.com/antoniostano/fitbuddy/internal/session"
	"github.com/antoniostano/fitbuddy/internal/store"
)

type testEnv struct {
	ts    *httptest.Server
	hub   *notify.Hub
	store store.Store
}

func newTestEnv(t *testing.T, metrics *observability.Metrics) *testEnv {
	t.Helper()
	return newTestEnvWith(t, metrics, nil)
}

func newTestEnvWith(t *testing.T, metrics *observability.Metrics, configure func(*Server)) *testEnv {
	t.Helper()
	cfg := config.Config{InactivityTimeout: 30 * time.Minute, AllowAnyOrigin: true}
	catalog, err := activity.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	st := store.NewInMemoryStore()
	sessions := session.NewStore(cfg.InactivityTimeout, catalog.CaloriesPerMinute, metrics)
	limiter := ratelimit.New(ratelimit.Config{WindowSeconds: 1, MaxEvents: 1000, BlockSeconds: 1})
	svc, err := assistant.New(limiter, sessions, catalog, st, metrics)
	if err != nil {
		t.Fatalf("assistant.New() error = %v", err)
	}
	hub := notify.NewHub(8, metrics)
	srv := New(cfg, svc, st, hub, metrics)
	if configure != nil {
		configure(srv)
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, hub: hub, store: st}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s response: %v", method, url, err)
	}
	return res, payload
}

func firstReply(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	replies, _ := payload["replies"].([]any)
	if len(replies) == 0 {
		t.Fatalf("no replies in %+v", payload)
	}
	reply, _ := replies[0].(map[string]any)
	return reply
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	res, payload := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil)
	if res.StatusCode != http.StatusOK || payload["store_backend"] != "memory" {
		t.Fatalf("GET /healthz = %d %+v", res.StatusCode, payload)
	}
	res, payload = doJSON(t, http.MethodGet, env.ts.URL+"/readyz", nil)
	if res.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("GET /readyz = %d %+v", res.StatusCode, payload)
	}
}

func TestCatalogRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	_, payload := doJSON(t, http.MethodGet, env.ts.URL+"/v1/flows", nil)
	flows, _ := payload["flows"].([]any)
	if len(flows) != 6 {
		t.Fatalf("flows = %d, want 6", len(flows))
	}
	_, payload = doJSON(t, http.MethodGet, env.ts.URL+"/v1/activities", nil)
	activities, _ := payload["activities"].([]any)
	if len(activities) != 4 {
		t.Fatalf("activities = %d, want 4", len(activities))
	}
}

func TestPostEventsActivityFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	url := env.ts.URL + "/v1/users/u1/events"

	res, payload := doJSON(t, http.MethodPost, url, map[string]string{"action": "start_activity", "arg": "strength"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	step := firstReply(t, payload)
	if step["type"] != string(protocol.TypeActivityStep) || step["name"] != "Push-ups" {
		t.Fatalf("start_activity reply = %+v", step)
	}

	_, payload = doJSON(t, http.MethodPost, url, map[string]string{"action": "next_step"})
	if step := firstReply(t, payload); step["name"] != "Squats" {
		t.Fatalf("next_step reply = %+v", step)
	}

	_, payload = doJSON(t, http.MethodGet, env.ts.URL+"/v1/users/u1/state", nil)
	act, _ := payload["activity"].(map[string]any)
	if act == nil || act["cursor"] != float64(1) {
		t.Fatalf("state = %+v", payload)
	}

	_, payload = doJSON(t, http.MethodPost, url, map[string]string{"action": "end_activity"})
	if sum := firstReply(t, payload); sum["type"] != string(protocol.TypeActivitySummary) || sum["saved"] != true {
		t.Fatalf("end_activity reply = %+v", sum)
	}

	_, payload = doJSON(t, http.MethodGet, env.ts.URL+"/v1/users/u1/stats", nil)
	if payload["sessions"] != float64(1) {
		t.Fatalf("stats = %+v", payload)
	}
}

func TestPostEventsRejectsMissingAction(t *testing.T) {
	env := newTestEnv(t, nil)
	res, payload := doJSON(t, http.MethodPost, env.ts.URL+"/v1/users/u1/events", map[string]string{})
	if res.StatusCode != http.StatusBadRequest || payload["code"] != "invalid_event" {
		t.Fatalf("POST events = %d %+v, want 400 invalid_event", res.StatusCode, payload)
	}
}

func TestDialogueHistoryRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	url := env.ts.URL + "/v1/users/u1/events"
	doJSON(t, http.MethodPost, url, map[string]string{"action": "start_flow", "arg": "weight"})
	_, payload := doJSON(t, http.MethodPost, url, map[string]string{"text": "81"})
	if done := firstReply(t, payload); done["type"] != string(protocol.TypeFlowCompleted) {
		t.Fatalf("weight reply = %+v", done)
	}

	_, payload = doJSON(t, http.MethodGet, env.ts.URL+"/v1/users/u1/history?flow=weight", nil)
	results, _ := payload["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("history = %+v", payload)
	}
	answers, _ := results[0].(map[string]any)["answers"].(map[string]any)
	if answers["weight"] != float64(81) {
		t.Fatalf("answers = %+v", answers)
	}

	res, _ := doJSON(t, http.MethodGet, env.ts.URL+"/v1/users/u1/history?limit=0", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want 400", res.StatusCode)
	}
}

func TestReminderRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.ts.URL + "/v1/users/u1/reminders"

	res, payload := doJSON(t, http.MethodPut, base+"/activity", map[string]any{
		"reminders": []map[string]any{{"time_of_day": "07:30", "days": []string{"monday", "wed"}}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PUT activity = %d %+v", res.StatusCode, payload)
	}
	stored, _ := payload["reminders"].([]any)
	if len(stored) != 1 {
		t.Fatalf("stored = %+v", payload)
	}
	rec := stored[0].(map[string]any)
	if rec["time_of_day"] != "07:30" || rec["active"] != true {
		t.Fatalf("record = %+v", rec)
	}

	res, _ = doJSON(t, http.MethodPut, base+"/meal", map[string]any{
		"reminders": []map[string]any{{"slot": 1, "time_of_day": "8:00"}},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("PUT bad time = %d, want 400", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPut, base+"/activity", map[string]any{
		"reminders": []map[string]any{{"time_of_day": "08:00", "days": []string{"someday"}}},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("PUT bad days = %d, want 400", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodGet, base+"/sleep", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("GET unknown kind = %d, want 400", res.StatusCode)
	}

	due, err := env.store.ListActiveReminders(context.Background(), "07:30", "wed")
	if err != nil || len(due) != 1 {
		t.Fatalf("ListActiveReminders() = %+v, %v", due, err)
	}

	_, payload = doJSON(t, http.MethodGet, base, nil)
	if all, _ := payload["reminders"].([]any); len(all) != 1 {
		t.Fatalf("GET reminders = %+v", payload)
	}
	_, payload = doJSON(t, http.MethodDelete, base+"/activity", nil)
	if payload["deleted"] != float64(1) {
		t.Fatalf("DELETE = %+v", payload)
	}
}

func TestPerfLatency(t *testing.T) {
	metrics := observability.NewMetrics("test_httpapi_perf_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	env := newTestEnv(t, metrics)
	doJSON(t, http.MethodPost, env.ts.URL+"/v1/users/u1/events", map[string]string{"action": "help"})

	doJSON(t, http.MethodPost, env.ts.URL+"/v1/users/u1/events", map[string]string{"action": "start_flow", "arg": "weight"})
	doJSON(t, http.MethodPost, env.ts.URL+"/v1/users/u1/events", map[string]string{"action": "text", "text": "5"})
	doJSON(t, http.MethodPost, env.ts.URL+"/v1/users/u1/events", map[string]string{"action": "text", "text": "70"})

	_, payload := doJSON(t, http.MethodGet, env.ts.URL+"/v1/perf/latency", nil)
	stages, _ := payload["stages"].([]any)
	found := map[string]bool{}
	for _, raw := range stages {
		if st, ok := raw.(map[string]any); ok {
			name, _ := st["stage"].(string)
			found[name] = true
		}
	}
	for _, want := range []string{"handle_event", "action:help", "action:text", "flow:weight"} {
		if !found[want] {
			t.Fatalf("stage %q missing from %+v", want, payload)
		}
	}
	events, _ := payload["events"].(map[string]any)
	if events["answer_rejected"] != float64(1) {
		t.Fatalf("events = %+v, want one answer_rejected", events)
	}

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/perf/latency", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/perf/latency error = %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", del.StatusCode)
	}
	_, payload = doJSON(t, http.MethodGet, env.ts.URL+"/v1/perf/latency", nil)
	if stages, _ := payload["stages"].([]any); len(stages) != 0 {
		t.Fatalf("stages after reset = %+v", stages)
	}
}

func TestUserWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/users/u1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"type": "user_event", "action": "start_activity", "arg": "yoga"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var step map[string]any
	if err := conn.ReadJSON(&step); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if step["type"] != string(protocol.TypeActivityStep) || step["kind"] != "yoga" {
		t.Fatalf("reply = %+v", step)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !env.hub.Connected("u1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	err = env.hub.Send(context.Background(), "u1", protocol.ReminderDue{
		Type: protocol.TypeReminderDue, UserID: "u1", Kind: "activity", TimeOfDay: "07:00", Text: "Time to move!",
	})
	if err != nil {
		t.Fatalf("hub.Send() error = %v", err)
	}
	var due map[string]any
	if err := conn.ReadJSON(&due); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if due["type"] != string(protocol.TypeReminderDue) {
		t.Fatalf("notification = %+v", due)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reminder_due"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var errEv map[string]any
	if err := conn.ReadJSON(&errEv); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEv["code"] != "invalid_client_message" {
		t.Fatalf("error reply = %+v", errEv)
	}
}

func TestUserWebsocketPingsIdleClient(t *testing.T) {
	env := newTestEnvWith(t, nil, func(s *Server) { s.pingInterval = 20 * time.Millisecond })

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/users/idle/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("server sent no ping to an idle websocket client")
	}
}
