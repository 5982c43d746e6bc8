package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/twiliowhatsapp"
)

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioWebhookEmitsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	rec := postForm(svc.TwilioWebhookHandler, url.Values{
		"From":             {"whatsapp:+5215550001"},
		"Body":             {"Hola, vi su anuncio"},
		"MessageSid":       {"SM123"},
		"ReferralSourceId": {"ia-lideres"},
		"ReferralHeadline": {"IA para Líderes"},
		"NumMedia":         {"1"},
		"MediaUrl0":        {"https://api.twilio.com/media/ME1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case in := <-svc.Inbound():
		if in.UserID != "5215550001" || in.ID != "SM123" || in.CampaignTag != "ia-lideres" {
			t.Errorf("unexpected inbound: %+v", in)
		}
		if len(in.MediaURLs) != 1 {
			t.Errorf("expected 1 media url, got %v", in.MediaURLs)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTwilioWebhookRejectsBadForms(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	if rec := postForm(svc.TwilioWebhookHandler, url.Values{"Body": {"hola"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing From: expected 400, got %d", rec.Code)
	}
	if rec := postForm(svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+5215550001"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing Body: expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhookAfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	svc.Stop()
	rec := postForm(svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+5215550001"}, "Body": {"hola"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestTwilioServiceSend(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "whatsapp:+5215550001", "hola"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if err := svc.SendMedia(context.Background(), "5215550001", "Curso", []string{"https://cdn.example.com/a.jpg"}); err != nil {
		t.Fatalf("SendMedia returned error: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 2 || sent[0].To != "5215550001" || len(sent[1].MediaURLs) != 1 {
		t.Errorf("unexpected sends: %+v", sent)
	}
	if _, err := CanonicalizePhone("123"); err == nil {
		t.Error("expected short number to be rejected")
	}
}
