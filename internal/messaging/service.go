// Package messaging connects the flow state machine to a chat transport.
//
// A Service receives inbound messages and delivers replies over one channel
// (WhatsApp via whatsmeow, or Twilio). The Dispatcher consumes a Service's
// inbound stream, serializes each user's messages and delivers the replies in
// order.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound and receipt channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message transport.
type Service interface {
	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends media attachments with an optional caption.
	SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Inbound returns the channel of user messages.
	Inbound() <-chan models.InboundMessage

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt
}

// CanonicalizePhone strips everything but digits from a phone number.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Deliver sends one outbound message through svc: media with the text as
// caption when the message carries media, plain text otherwise.
func Deliver(ctx context.Context, svc Service, msg models.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if len(msg.MediaURLs) > 0 {
		return svc.SendMedia(ctx, msg.UserID, msg.Text, msg.MediaURLs)
	}
	return svc.SendMessage(ctx, msg.UserID, msg.Text)
}
