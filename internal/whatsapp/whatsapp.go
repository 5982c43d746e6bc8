// Package whatsapp drives a linked WhatsApp device through whatsmeow. It sends
// text and media replies and exposes the raw client for event handlers.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

const (
	// DefaultSQLitePath backs the device session when no DSN is configured.
	DefaultSQLitePath = "/var/lib/brenda/whatsmeow.db"
	// JIDSuffix is the server part of a personal account JID.
	JIDSuffix = "s.whatsapp.net"
	// MaxMediaBytes bounds a single downloaded attachment.
	MaxMediaBytes = 16 << 20
	// DefaultMediaFetchTimeout bounds the download of one attachment.
	DefaultMediaFetchTimeout = 20 * time.Second
)

// WhatsAppSender is satisfied by Client and MockClient.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error
}

// Opts configures NewClient.
type Opts struct {
	DBDSN       string // whatsmeow device store
	QRPath      string // login code destination, stdout when empty
	NumericCode bool   // print the raw pairing code instead of a QR block
	HTTPClient  *http.Client
}

// Option mutates Opts.
type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithHTTPClient sets the client used to download media before upload.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends Brenda's replies over a linked WhatsApp device.
type Client struct {
	waClient *whatsmeow.Client
	http     *http.Client
}

// driverForDSN picks the sql driver whatsmeow's sqlstore should use.
func driverForDSN(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store and connects. A store without a session
// triggers the pairing flow and blocks until it finishes.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultMediaFetchTimeout}
	}

	ctx := context.Background()
	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if wa.Store.ID != nil {
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("connect to whatsapp: %w", err)
		}
	} else if err := pair(ctx, wa, cfg); err != nil {
		return nil, err
	}
	slog.Info("whatsapp.NewClient: connected", "paired", wa.Store.ID != nil)
	return &Client{waClient: wa, http: cfg.HTTPClient}, nil
}

func openDevice(ctx context.Context, dsn string) (*wastore.Device, error) {
	driver := driverForDSN(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.openDevice: sqlite DSN lacks _foreign_keys=on", "dsn", dsn)
	}
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	return device, nil
}

// pair connects an unpaired client and renders each login code until the
// QR channel closes.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.pair: no session stored, waiting for login")
	codes, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open login channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("connect to whatsapp for login: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create login code file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range codes {
		switch {
		case evt.Event != "code":
			slog.Info("whatsapp.pair: login event", "event", evt.Event)
		case cfg.NumericCode:
			fmt.Fprintln(out, evt.Code)
		default:
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

// SendMessage sends a text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// SendMedia downloads each attachment, uploads it to WhatsApp and sends it.
// The caption goes on the first attachment only.
func (c *Client) SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	jid := types.NewJID(to, JIDSuffix)
	for i, u := range mediaURLs {
		data, err := c.fetch(ctx, u)
		if err != nil {
			return err
		}
		text := ""
		if i == 0 {
			text = caption
		}
		msg, err := c.mediaMessage(ctx, data, text)
		if err != nil {
			return err
		}
		if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
			return fmt.Errorf("failed to send media to %s: %w", to, err)
		}
	}
	slog.Debug("Client.SendMedia: sent", "to", to, "count", len(mediaURLs))
	return nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", url, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("media %s exceeds %d bytes", url, MaxMediaBytes)
	}
	return data, nil
}

// mediaMessage uploads data and wraps it as an image or a document message.
func (c *Client) mediaMessage(ctx context.Context, data []byte, caption string) (*waE2E.Message, error) {
	mime := mimetype.Detect(data).String()
	kind := whatsmeow.MediaDocument
	if strings.HasPrefix(mime, "image/") {
		kind = whatsmeow.MediaImage
	}
	up, err := c.waClient.Upload(ctx, data, kind)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	if kind == whatsmeow.MediaImage {
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       optional(caption),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mime),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// GetClient returns the underlying whatsmeow client.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To        string
	Body      string
	MediaURLs []string
}

// MockClient records sends instead of talking to WhatsApp. Use it in tests.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	// Err, when set, is returned by every send.
	Err error
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
	m.Sent = append(m.Sent, msg)
	return nil
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
