// Package classifier maps a user message plus recent context onto a closed set
// of conversational intents using an external JSON-producing model.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/metrics"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// Category is a member of the fixed intent taxonomy.
type Category string

const (
	CategoryExploration     Category = "exploration"
	CategoryBuyingSignal    Category = "buying_signal"
	CategoryPriceObjection  Category = "price_objection"
	CategoryGeneralQuestion Category = "general_question"
	CategoryCourseChange    Category = "course_change"
	CategoryUnclassified    Category = "unclassified"
)

// Categories lists every known category except CategoryUnclassified.
var Categories = []Category{
	CategoryExploration,
	CategoryBuyingSignal,
	CategoryPriceObjection,
	CategoryGeneralQuestion,
	CategoryCourseChange,
}

// ParseCategory coerces any value outside the taxonomy to CategoryUnclassified.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	c = Category(strings.ReplaceAll(string(c), "-", "_"))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	return CategoryUnclassified
}

// ErrClassificationFailed is returned when the external service is unreachable
// or its output cannot be parsed.
var ErrClassificationFailed = errors.New("classification failed")

// Result is a parsed classification.
type Result struct {
	Category   Category                    `json:"category"`
	Confidence float64                     `json:"confidence"`
	Attributes map[string]models.Attribute `json:"attributes,omitempty"`
}

// Unclassified is the fallback result used when classification fails.
func Unclassified() Result {
	return Result{Category: CategoryUnclassified, Confidence: 0}
}

// Resolve turns a Classify outcome into a usable result. Any error yields
// CategoryUnclassified with zero confidence.
func Resolve(r Result, err error) Result {
	if err != nil {
		r = Unclassified()
	}
	metrics.ClassifierCategories.WithLabelValues(string(r.Category)).Inc()
	return r
}

// Completer is the classification service boundary: one request, one JSON
// object back.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Opts configures a Classifier.
type Opts struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// ContextTurns bounds how many recent turns are sent as context.
	ContextTurns int
}

// Option is a functional option for New.
type Option func(*Opts)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int, delay time.Duration) Option {
	return func(o *Opts) {
		o.Retries = n
		o.RetryDelay = delay
	}
}

// WithContextTurns sets the number of recent turns included in the prompt.
func WithContextTurns(n int) Option {
	return func(o *Opts) { o.ContextTurns = n }
}

// Classifier is the IntentClassifier.
type Classifier struct {
	completer Completer
	opts      Opts
}

// New creates a Classifier over completer.
func New(completer Completer, opts ...Option) *Classifier {
	o := Opts{
		Timeout:      8 * time.Second,
		Retries:      1,
		RetryDelay:   500 * time.Millisecond,
		ContextTurns: 6,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Classifier{completer: completer, opts: o}
}

const systemPrompt = `Eres el clasificador de intención de Brenda, asesora comercial de cursos de IA.
Clasifica el último mensaje del usuario usando SOLO una de estas categorías:
{{range .Categories}}- {{.}}
{{end}}
Extrae además los atributos del usuario que aparezcan de forma explícita: name, role, company, team_size, interest.
Responde SOLO con un objeto JSON válido, sin markdown:
{"category":"...","confidence":0.0,"attributes":{"name":{"value":"...","confidence":0.0}}}`

var systemTemplate = template.Must(template.New("classify").Parse(systemPrompt))

func renderSystemPrompt() string {
	var buf bytes.Buffer
	_ = systemTemplate.Execute(&buf, struct{ Categories []Category }{Categories})
	return buf.String()
}

// Classify sends text with the most recent turns to the completer and parses
// the answer. Failures wrap ErrClassificationFailed.
func (c *Classifier) Classify(ctx context.Context, text string, recent []models.ConversationTurn) (Result, error) {
	if c == nil || c.completer == nil {
		return Unclassified(), fmt.Errorf("%w: no completer configured", ErrClassificationFailed)
	}
	system := renderSystemPrompt()
	user := buildUserPrompt(text, recent, c.opts.ContextTurns)

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Unclassified(), fmt.Errorf("%w: %v", ErrClassificationFailed, ctx.Err())
			case <-time.After(delay):
			}
		}
		res, err := c.attempt(ctx, system, user)
		if err == nil {
			return res, nil
		}
		lastErr = err
		slog.Debug("Classifier.Classify: attempt failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	slog.Warn("Classifier.Classify: classification failed", "error", lastErr)
	return Unclassified(), fmt.Errorf("%w: %v", ErrClassificationFailed, lastErr)
}

func (c *Classifier) attempt(ctx context.Context, system, user string) (Result, error) {
	callCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	raw, err := c.completer.CompleteJSON(callCtx, system, user)
	if err != nil {
		return Result{}, err
	}
	return Parse(raw, time.Now())
}

func buildUserPrompt(text string, recent []models.ConversationTurn, window int) string {
	var b strings.Builder
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	if len(recent) > 0 {
		b.WriteString("Contexto reciente:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Mensaje a clasificar:\n")
	b.WriteString(text)
	return b.String()
}

type rawAttribute struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
}

type rawResult struct {
	Category   string                  `json:"category"`
	Confidence float64                 `json:"confidence"`
	Attributes map[string]rawAttribute `json:"attributes"`
}

var knownAttributes = map[string]bool{
	models.AttributeName:     true,
	models.AttributeRole:     true,
	models.AttributeCompany:  true,
	models.AttributeTeamSize: true,
	models.AttributeInterest: true,
}

// Parse decodes a model response into a Result. Unknown categories become
// CategoryUnclassified, confidences are clamped to [0,1] and unknown attribute
// names are dropped. Output that is not a JSON object is an error.
func Parse(raw string, now time.Time) (Result, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return Result{}, fmt.Errorf("no JSON object in response")
	}
	var rr rawResult
	if err := json.Unmarshal([]byte(body), &rr); err != nil {
		return Result{}, fmt.Errorf("decode classification: %w", err)
	}
	res := Result{
		Category:   ParseCategory(rr.Category),
		Confidence: clamp01(rr.Confidence),
	}
	if res.Category == CategoryUnclassified {
		res.Confidence = 0
	}
	for name, attr := range rr.Attributes {
		name = strings.ToLower(strings.TrimSpace(name))
		if !knownAttributes[name] {
			continue
		}
		value := attributeValue(attr.Value)
		if value == "" {
			continue
		}
		if res.Attributes == nil {
			res.Attributes = make(map[string]models.Attribute)
		}
		res.Attributes[name] = models.Attribute{Value: value, Confidence: clamp01(attr.Confidence), UpdatedAt: now}
	}
	return res, nil
}

// attributeValue accepts strings and numbers; anything else is ignored.
func attributeValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// extractJSONObject strips markdown fences and surrounding prose.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
