// Package twiliowhatsapp sends WhatsApp messages through the Twilio REST API.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// WhatsAppPrefix marks a Twilio address as a WhatsApp channel address.
const WhatsAppPrefix = "whatsapp:"

// TwilioWhatsAppSender sends WhatsApp messages through Twilio. Client and
// MockClient implement it.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error
}

// Environment variables consulted when an option is left empty.
const (
	EnvAccountSID = "TWILIO_ACCOUNT_SID"
	EnvAuthToken  = "TWILIO_AUTH_TOKEN"
	EnvFromNumber = "TWILIO_FROM_NUMBER"
)

var (
	ErrMissingCredentials = errors.New("twilio account SID and auth token are required")
	ErrMissingSender      = errors.New("twilio sender number is required")
)

// Opts configures a Client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option mutates Opts.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

func (o *Opts) fillFromEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = util.GetenvDefault(key, "")
		}
	}
	fill(&o.AccountSID, EnvAccountSID)
	fill(&o.AuthToken, EnvAuthToken)
	fill(&o.FromWhats, EnvFromNumber)
}

func (o Opts) check() error {
	switch {
	case o.AccountSID == "" || o.AuthToken == "":
		return ErrMissingCredentials
	case o.FromWhats == "":
		return ErrMissingSender
	}
	return nil
}

// Client sends WhatsApp messages through the Twilio Messages resource.
type Client struct {
	rest *twilio.RestClient
	from string
}

// NewClient builds a Client. Empty options are filled from the TWILIO_*
// environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.fillFromEnv()
	if err := cfg.check(); err != nil {
		return nil, err
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Username: cfg.AccountSID, Password: cfg.AuthToken})
	slog.Debug("twiliowhatsapp.NewClient: ready", "from", Address(cfg.FromWhats))
	return &Client{rest: rest, from: Address(cfg.FromWhats)}, nil
}

// Address returns number as a Twilio WhatsApp address.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return WhatsAppPrefix + number
}

func (c *Client) create(to string, body string, mediaURLs []string) error {
	params := (&twilioApi.CreateMessageParams{}).SetTo(Address(to)).SetFrom(c.from)
	if body != "" {
		params.SetBody(body)
	}
	if len(mediaURLs) > 0 {
		params.SetMediaUrl(mediaURLs)
	}
	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.create: CreateMessage failed", "to", to, "error", err)
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Client.create: accepted", "to", to, "sid", sid, "media", len(mediaURLs))
	return nil
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	return c.create(to, body, nil)
}

// SendMedia sends one message with the media attached and the caption as
// body. Twilio fetches the URLs itself.
func (c *Client) SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error {
	return c.create(to, caption, mediaURLs)
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To        string
	Body      string
	MediaURLs []string
}

// MockClient records sends for tests.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error {
	return m.record(SentMessage{To: to, Body: caption, MediaURLs: append([]string(nil), mediaURLs...)})
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
