package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/keylock"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/metrics"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/validation"
)

// Candidate sources, used as the metrics label for validator verdicts.
const (
	SourceTemplate     = "template"
	SourceOrchestrator = "orchestrator"
	SourceCampaign     = "campaign"
)

// DefaultTurnWindow bounds the stored conversation history.
const DefaultTurnWindow = 20

// candidate is one outbound message before validation.
type candidate struct {
	Text      string
	MediaURLs []string
	Source    string
	// CourseIDs widen the fact snapshot beyond the user's context courses.
	CourseIDs []string
}

func templateReply(text string) candidate {
	return candidate{Text: text, Source: SourceTemplate}
}

// Dependencies holds the collaborators injected into the Machine.
type Dependencies struct {
	States   store.UserStateStore
	Facts    catalog.FactProvider
	Locker   keylock.Locker
	Detector *catalog.Detector
	// Classifier and Orchestrator are optional. Without them the flows use
	// their deterministic paths.
	Classifier   IntentClassifier
	Orchestrator Conversant
}

// Opts configures the Machine.
type Opts struct {
	PrivacyMaxAttempts int
	TurnWindow         int
	OfferLimit         int
	Now                func() time.Time
}

// Option is a functional option for NewMachine.
type Option func(*Opts)

// WithPrivacyMaxAttempts sets how many unresolved consent replies force the
// flow forward. Zero never forces.
func WithPrivacyMaxAttempts(n int) Option {
	return func(o *Opts) { o.PrivacyMaxAttempts = n }
}

// WithTurnWindow sets how many turns are kept on the state.
func WithTurnWindow(n int) Option {
	return func(o *Opts) { o.TurnWindow = n }
}

// WithOfferLimit sets the number of courses in a welcome offer.
func WithOfferLimit(n int) Option {
	return func(o *Opts) { o.OfferLimit = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Machine is the FlowStateMachine: it selects exactly one flow per inbound
// message, validates every candidate response and commits the new state.
type Machine struct {
	states   *StateManager
	facts    catalog.FactProvider
	locker   keylock.Locker
	detector *catalog.Detector

	privacy *privacyFlow
	welcome *welcomeFlow
	ad      *adCampaignFlow
	agent   *generalAgentFlow

	opts Opts
}

// Result is the outcome of one HandleMessage call.
type Result struct {
	UserID    string
	Flow      models.FlowName
	FlowState models.FlowState
	Messages  []models.OutboundMessage
	// Rejected counts candidates replaced by the safe fallback.
	Rejected int
}

// NewMachine wires the flows over deps.
func NewMachine(deps Dependencies, opts ...Option) *Machine {
	o := Opts{
		PrivacyMaxAttempts: DefaultPrivacyMaxAttempts,
		TurnWindow:         DefaultTurnWindow,
		OfferLimit:         DefaultOfferLimit,
		Now:                time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Locker == nil {
		deps.Locker = keylock.NewLocal()
	}
	welcome := &welcomeFlow{facts: deps.Facts, limit: o.OfferLimit}
	return &Machine{
		states:   NewStateManager(deps.States),
		facts:    deps.Facts,
		locker:   deps.Locker,
		detector: deps.Detector,
		privacy:  &privacyFlow{maxAttempts: o.PrivacyMaxAttempts, classifier: deps.Classifier},
		welcome:  welcome,
		ad:       &adCampaignFlow{facts: deps.Facts, detector: deps.Detector},
		agent: &generalAgentFlow{
			classifier:   deps.Classifier,
			orchestrator: deps.Orchestrator,
			facts:        deps.Facts,
			welcome:      welcome,
		},
		opts: o,
	}
}

// HandleMessage processes one inbound message under the user's lock. A
// PersistenceError means nothing was committed and no message should be sent.
func (m *Machine) HandleMessage(ctx context.Context, in models.InboundMessage) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	unlock, err := m.locker.Lock(ctx, in.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("lock user %s: %w", in.UserID, err)
	}
	defer unlock()

	now := m.opts.Now()
	st, isNew, err := m.states.Load(ctx, in.UserID, now)
	if err != nil {
		return Result{}, err
	}
	at := in.Timestamp
	if at.IsZero() {
		at = now
	}
	st.UpdatedAt = now
	st.AppendTurn(models.TurnRoleUser, in.Text, at, m.opts.TurnWindow)

	if c, ok := m.detector.Detect(in); ok {
		if st.PrivacyAccepted {
			m.ad.begin(&st, c)
		} else {
			// Replayed once privacy completes.
			st.CampaignTag = c.Tag
		}
		slog.Info("Machine.HandleMessage: campaign detected", "userID", st.UserID, "tag", c.Tag, "privacyAccepted", st.PrivacyAccepted)
	}

	flow := m.selectFlow(&st)
	candidates, err := m.run(ctx, &st, flow, in.Text)
	var gate *GateViolationError
	if errors.As(err, &gate) {
		slog.Error("Machine.HandleMessage: gate violation, falling back to privacy flow", "userID", st.UserID, "flow", gate.Flow)
		flow = models.FlowPrivacy
		candidates, _ = m.run(ctx, &st, flow, in.Text)
	}

	res := Result{UserID: st.UserID, Flow: flow}
	for _, c := range candidates {
		msg, accepted := m.validate(ctx, &st, c)
		if !accepted {
			res.Rejected++
		}
		st.AppendTurn(models.TurnRoleAssistant, msg.Text, now, m.opts.TurnWindow)
		res.Messages = append(res.Messages, msg)
	}

	if err := m.states.Save(ctx, &st, now); err != nil {
		return Result{}, err
	}
	res.FlowState = st.FlowState
	metrics.FlowsSelected.WithLabelValues(string(flow)).Inc()
	slog.Debug("Machine.HandleMessage: handled", "userID", st.UserID, "new", isNew, "flow", flow, "flowState", st.FlowState, "messages", len(res.Messages))
	return res, nil
}

// selectFlow applies the routing rules: privacy gate first, then the ad
// overlay, then flow_state.
func (m *Machine) selectFlow(st *models.UserConversationState) models.FlowName {
	switch {
	case !st.PrivacyAccepted:
		return models.FlowPrivacy
	case st.AdFlowInProgress:
		return models.FlowAdCampaign
	case st.FlowState == models.FlowStateWelcomeAwaitSelection:
		return models.FlowWelcome
	default:
		return models.FlowGeneralAgent
	}
}

func (m *Machine) run(ctx context.Context, st *models.UserConversationState, flow models.FlowName, text string) ([]candidate, error) {
	if flow != models.FlowPrivacy && !st.PrivacyAccepted {
		return nil, &GateViolationError{UserID: st.UserID, Flow: flow}
	}
	switch flow {
	case models.FlowPrivacy:
		out, completed := m.privacy.handle(ctx, st, text)
		if completed {
			out = append(out, m.afterPrivacy(ctx, st))
		}
		return out, nil
	case models.FlowAdCampaign:
		return []candidate{m.ad.handle(ctx, st)}, nil
	case models.FlowWelcome:
		return []candidate{m.welcome.handle(ctx, st, text)}, nil
	default:
		return []candidate{m.agent.handle(ctx, st, text)}, nil
	}
}

// afterPrivacy produces the second message of the privacy completion turn: a
// remembered campaign if there is one, otherwise the welcome offer.
func (m *Machine) afterPrivacy(ctx context.Context, st *models.UserConversationState) candidate {
	if st.CampaignTag != "" {
		if c, ok := m.detector.Lookup(st.CampaignTag); ok {
			m.ad.begin(st, c)
			return m.ad.handle(ctx, st)
		}
		st.CampaignTag = ""
	}
	return m.welcome.offer(ctx, st)
}

// validate gates one candidate against the facts for the user's context
// courses. A rejected candidate is replaced by the safe fallback.
func (m *Machine) validate(ctx context.Context, st *models.UserConversationState, c candidate) (models.OutboundMessage, bool) {
	ids := append(st.ContextCourseIDs(), c.CourseIDs...)
	snap := m.snapshot(ctx, st, ids)
	verdict := validation.Validate(c.Text, snap)
	if !verdict.Accepted {
		metrics.ValidationVerdicts.WithLabelValues(c.Source, "rejected").Inc()
		slog.Warn("Machine.validate: response rejected", "userID", st.UserID, "source", c.Source, "spans", verdict.Spans())
		return models.OutboundMessage{UserID: st.UserID, Text: SafeFallbackText}, false
	}
	metrics.ValidationVerdicts.WithLabelValues(c.Source, "accepted").Inc()
	return models.OutboundMessage{UserID: st.UserID, Text: c.Text, MediaURLs: c.MediaURLs}, true
}

// snapshot reads current facts for ids. Courses the provider cannot return
// right now fall back to the copy stored with the last offer.
func (m *Machine) snapshot(ctx context.Context, st *models.UserConversationState, ids []string) models.FactSnapshot {
	snap, err := catalog.BuildSnapshot(ctx, m.facts, ids...)
	if err != nil {
		slog.Warn("Machine.snapshot: partial fact snapshot", "userID", st.UserID, "error", err)
	}
	for _, c := range st.OfferedCourses {
		if _, ok := snap[c.ID]; !ok && containsID(ids, c.ID) {
			snap.Add(c)
		}
	}
	return snap
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
