package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/messaging"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/twiliowhatsapp"
)

func assertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUserStateHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	state := models.NewUserConversationState("5215550001", time.Now())
	state.PrivacyAccepted = true
	state.FlowState = models.FlowStateActiveAgent
	state.DisplayName = "María"
	state.MergeAttributes(map[string]models.Attribute{models.AttributeRole: {Value: "Directora", Confidence: 0.8}})
	if err := st.PutUserState(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	h := NewServer(st).Handler()

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/users/5215550001/state", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "existing user")
	resp := decodeResponse(t, rr)
	result := resp.Result.(map[string]interface{})
	if result["flow_state"] != string(models.FlowStateActiveAgent) || result["display_name"] != "María" {
		t.Errorf("unexpected state view: %v", result)
	}
	if attrs := result["attributes"].(map[string]interface{}); attrs["role"] != "Directora" {
		t.Errorf("unexpected attributes: %v", attrs)
	}

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/users/unknown/state", nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown user")
	if resp := decodeResponse(t, rr); resp.Status != "error" {
		t.Errorf("expected error status, got %s", resp.Status)
	}

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/users/5215550001/state", nil))
	assertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "wrong method")
}

func TestHealthzHandler(t *testing.T) {
	h := NewServer(store.NewInMemoryStore(),
		WithHealthCheck("store", func(ctx context.Context) error { return nil }),
	).Handler()
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "healthy")

	h = NewServer(store.NewInMemoryStore(),
		WithHealthCheck("store", func(ctx context.Context) error { return nil }),
		WithHealthCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") }),
	).Handler()
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "unhealthy")
	resp := decodeResponse(t, rr)
	if result := resp.Result.(map[string]interface{}); result["redis"] != "connection refused" {
		t.Errorf("unexpected health result: %v", result)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(NewServer(store.NewInMemoryStore()).Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected default Go collectors in metrics output")
	}
}

func TestTwilioWebhookRoute(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()
	h := NewServer(store.NewInMemoryStore(), WithTwilioWebhook(svc.TwilioWebhookHandler)).Handler()

	form := url.Values{"From": {"whatsapp:+5215550001"}, "Body": {"Hola"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(h, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")

	select {
	case in := <-svc.Inbound():
		if in.UserID != "5215550001" || in.Text != "Hola" {
			t.Errorf("unexpected inbound: %+v", in)
		}
	default:
		t.Fatal("webhook did not emit an inbound message")
	}
}

func TestWebhookRouteAbsentWithoutTwilio(t *testing.T) {
	rr := serve(NewServer(store.NewInMemoryStore()).Handler(), httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "no webhook configured")
}

func TestServerRunShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(store.NewInMemoryStore(), WithAddr("127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWriteJSONResponseFallsBackOnEncodeError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(func() {}))
	assertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unencodable result")
	if resp := decodeResponse(t, rr); resp.Status != "error" {
		t.Errorf("expected fallback error envelope, got %+v", resp)
	}
}
