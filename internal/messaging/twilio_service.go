package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	inbound  chan models.InboundMessage
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:   client,
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
}

// Start is a no-op for Twilio; events arrive over HTTP.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	close(s.receipts)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	return s.send(ctx, to, func(to string) error { return s.client.SendMessage(ctx, to, body) })
}

// SendMedia sends attachments via Twilio and emits a receipt
func (s *TwilioService) SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error {
	return s.send(ctx, to, func(to string) error { return s.client.SendMedia(ctx, to, caption, mediaURLs) })
}

func (s *TwilioService) send(ctx context.Context, to string, fn func(to string) error) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to)
	if err != nil {
		slog.Error("TwilioService.send: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := fn(canonicalTo); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Inbound returns the channel of webhook messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

// ParseTwilioForm converts Twilio webhook form fields into an inbound
// message. Click-to-WhatsApp ad referrals carry ReferralSourceId, which
// becomes the campaign tag.
func ParseTwilioForm(r *http.Request) (models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundMessage{}, fmt.Errorf("parse form: %w", err)
	}
	from := strings.TrimPrefix(r.FormValue("From"), twiliowhatsapp.WhatsAppPrefix)
	userID, err := CanonicalizePhone(from)
	if err != nil {
		return models.InboundMessage{}, err
	}
	in := models.InboundMessage{
		ID:          r.FormValue("MessageSid"),
		UserID:      userID,
		Text:        strings.TrimSpace(r.FormValue("Body")),
		CampaignTag: strings.TrimSpace(r.FormValue("ReferralSourceId")),
		Timestamp:   time.Now(),
	}
	if n, err := strconv.Atoi(r.FormValue("NumMedia")); err == nil {
		for i := 0; i < n && i < models.MaxMediaPerMessage; i++ {
			if u := r.FormValue(fmt.Sprintf("MediaUrl%d", i)); u != "" {
				in.MediaURLs = append(in.MediaURLs, u)
			}
		}
	}
	if err := in.Validate(); err != nil {
		return models.InboundMessage{}, err
	}
	return in, nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits the
// parsed message on Inbound(). It answers with empty TwiML; replies are sent
// through the REST API once the message has been processed.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	in, err := ParseTwilioForm(r)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected webhook", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if headline := r.FormValue("ReferralHeadline"); headline != "" {
		slog.Info("TwilioService.TwilioWebhookHandler: ad referral", "userID", in.UserID, "sourceID", in.CampaignTag, "headline", headline)
	}
	if !s.emitInbound(in) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) emitInbound(in models.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService.emitInbound: dropping message, service stopped", "from", in.UserID)
		return false
	}
	select {
	case s.inbound <- in:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emitInbound: inbound channel blocked, dropping message", "from", in.UserID)
		return false
	}
}
