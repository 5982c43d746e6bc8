package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/whatsapp"
)

// Test SendMessage emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "+52 1 555 000 1", "hola"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "5215550001" {
			t.Errorf("expected canonical receipt.To, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
	if sent := mockClient.Messages(); len(sent) != 1 || sent[0].To != "5215550001" {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

func TestWhatsAppService_SendMedia(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	defer svc.Stop()

	msg := models.OutboundMessage{UserID: "5215550001", Text: "Curso", MediaURLs: []string{"https://cdn.example.com/a.jpg"}}
	if err := Deliver(context.Background(), svc, msg); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	sent := mockClient.Messages()
	if len(sent) != 1 || len(sent[0].MediaURLs) != 1 || sent[0].Body != "Curso" {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.SendMessage(context.Background(), "5215550001", "hola"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestInboundFromEvent(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Sender: types.NewJID("5215550001", types.DefaultUserServer)},
		ID:            "3EB0ABC",
		Timestamp:     ts,
	}

	in, ok := inboundFromEvent(&events.Message{Info: info, Message: &waE2E.Message{Conversation: proto.String("Hola")}})
	if !ok {
		t.Fatal("expected text message to convert")
	}
	if in.UserID != "5215550001" || in.ID != "3EB0ABC" || in.Text != "Hola" || !in.Timestamp.Equal(ts) {
		t.Errorf("unexpected inbound: %+v", in)
	}

	ad := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String("Quiero más información"),
		ContextInfo: &waE2E.ContextInfo{
			ExternalAdReply: &waE2E.ContextInfo_ExternalAdReplyInfo{SourceID: proto.String("ia-lideres")},
		},
	}}
	in, ok = inboundFromEvent(&events.Message{Info: info, Message: ad})
	if !ok || in.CampaignTag != "ia-lideres" {
		t.Errorf("expected campaign tag from ad reply, got %+v", in)
	}

	fromMe := info
	fromMe.IsFromMe = true
	if _, ok := inboundFromEvent(&events.Message{Info: fromMe, Message: &waE2E.Message{Conversation: proto.String("x")}}); ok {
		t.Error("own messages must be skipped")
	}
	if _, ok := inboundFromEvent(&events.Message{Info: info, Message: &waE2E.Message{}}); ok {
		t.Error("messages without text must be skipped")
	}
}
