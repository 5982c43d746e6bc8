// Package orchestrator maps users to durable reasoning threads and drives the
// asynchronous run protocol to a single reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/metrics"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

// ReasoningService is the external reasoning boundary.
type ReasoningService interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, instructions string, tools []models.ToolSpec) (string, error)
	GetRunStatus(ctx context.Context, threadID, runID string) (models.RunStatus, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) error
	GetLastMessage(ctx context.Context, threadID, runID string) (string, error)
	CancelRun(ctx context.Context, threadID, runID string) error
}

const (
	DefaultTimeout         = 25 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxPollInterval = 2 * time.Second
	DefaultMaxPolls        = 120
	DefaultMaxToolRounds   = 5

	maxStatusErrors = 3
	// cancelBudget bounds cancelling an abandoned run and waiting for it to
	// settle. The thread rejects new messages until it does.
	cancelBudget = 5 * time.Second
)

// Opts configures an Orchestrator.
type Opts struct {
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPolls        int
	MaxToolRounds   int
}

// Option is a functional option for New.
type Option func(*Opts)

// WithTimeout sets the total budget of one Converse call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithPollInterval sets the initial and maximum poll spacing.
func WithPollInterval(initial, max time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = initial
		o.MaxPollInterval = max
	}
}

// WithMaxPolls caps the number of status checks per run.
func WithMaxPolls(n int) Option {
	return func(o *Opts) { o.MaxPolls = n }
}

// WithMaxToolRounds caps how many requires_action rounds one run may take.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) { o.MaxToolRounds = n }
}

// Orchestrator is the ThreadOrchestrator.
type Orchestrator struct {
	svc      ReasoningService
	mappings store.ThreadMappingStore
	facts    catalog.FactProvider
	opts     Opts
}

// Reply is a successful Converse result.
type Reply struct {
	Text     string
	ThreadID string
	// CourseIDs are the courses returned by tool calls during the run. They
	// widen the fact snapshot the reply is validated against.
	CourseIDs []string
}

// New creates an Orchestrator.
func New(svc ReasoningService, mappings store.ThreadMappingStore, facts catalog.FactProvider, opts ...Option) *Orchestrator {
	o := Opts{
		Timeout:         DefaultTimeout,
		PollInterval:    DefaultPollInterval,
		MaxPollInterval: DefaultMaxPollInterval,
		MaxPolls:        DefaultMaxPolls,
		MaxToolRounds:   DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{svc: svc, mappings: mappings, facts: facts, opts: o}
}

// Converse appends text to the user's thread, runs the assistant and returns
// its reply. It returns within the configured timeout. On success
// state.ReasoningThreadID holds the thread; the caller persists the state.
func (o *Orchestrator) Converse(ctx context.Context, state *models.UserConversationState, text string) (Reply, error) {
	start := time.Now()
	reply, err := o.converse(ctx, state, text)
	metrics.RunDuration.Observe(time.Since(start).Seconds())

	var oerr *Error
	if errors.As(err, &oerr) {
		metrics.OrchestratorOutcomes.WithLabelValues(string(oerr.Kind)).Inc()
		slog.Warn("Orchestrator.Converse: failed", "userID", state.UserID, "kind", oerr.Kind,
			"threadID", oerr.ThreadID, "runID", oerr.RunID, "error", oerr.Err, "elapsed", time.Since(start))
		return Reply{}, err
	}
	metrics.OrchestratorOutcomes.WithLabelValues("ok").Inc()
	slog.Debug("Orchestrator.Converse: reply ready", "userID", state.UserID, "threadID", reply.ThreadID, "elapsed", time.Since(start))
	return reply, nil
}

func (o *Orchestrator) converse(ctx context.Context, state *models.UserConversationState, text string) (Reply, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	threadID, err := o.resolveThread(ctx, state)
	if err != nil {
		return Reply{}, err
	}
	if err := o.svc.AppendMessage(ctx, threadID, text); err != nil {
		return Reply{}, o.fail(ctx, KindAppendFailed, threadID, "", err)
	}
	runID, err := o.svc.StartRun(ctx, threadID, runInstructions(state), ToolSpecs())
	if err != nil {
		return Reply{}, o.fail(ctx, KindRunStartFailed, threadID, "", err)
	}

	reply, settled, err := o.awaitRun(ctx, threadID, runID)
	if err != nil && !settled {
		o.cancelRun(ctx, threadID, runID)
	}
	return reply, err
}

// awaitRun polls runID until it completes, resolving tool calls on the way.
// settled reports whether the run reached a terminal state on the service.
func (o *Orchestrator) awaitRun(ctx context.Context, threadID, runID string) (Reply, bool, error) {
	tools := newToolDispatcher(o.facts)
	p := newPoller(o.opts.PollInterval, o.opts.MaxPollInterval, o.opts.MaxPolls)
	toolRounds, statusErrors := 0, 0
	for {
		ok, err := p.wait(ctx)
		if err != nil {
			return Reply{}, false, &Error{Kind: KindRunTimedOut, ThreadID: threadID, RunID: runID, Err: err}
		}
		if !ok {
			return Reply{}, false, &Error{Kind: KindRunTimedOut, ThreadID: threadID, RunID: runID, Err: fmt.Errorf("poll budget of %d exhausted", o.opts.MaxPolls)}
		}

		st, err := o.svc.GetRunStatus(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return Reply{}, false, &Error{Kind: KindRunTimedOut, ThreadID: threadID, RunID: runID, Err: ctx.Err()}
			}
			statusErrors++
			if statusErrors >= maxStatusErrors {
				return Reply{}, false, &Error{Kind: KindRunFailed, ThreadID: threadID, RunID: runID, Err: err}
			}
			slog.Debug("Orchestrator.awaitRun: status poll failed", "runID", runID, "error", err)
			continue
		}
		statusErrors = 0

		switch st.State {
		case models.RunStateQueued, models.RunStateInProgress:
			continue
		case models.RunStateRequiresAction:
			toolRounds++
			if toolRounds > o.opts.MaxToolRounds {
				return Reply{}, false, &Error{Kind: KindToolResolutionFailed, ThreadID: threadID, RunID: runID,
					Err: fmt.Errorf("more than %d tool rounds", o.opts.MaxToolRounds)}
			}
			outputs, err := tools.resolve(ctx, st.ToolCalls)
			if err != nil {
				return Reply{}, false, &Error{Kind: KindRunTimedOut, ThreadID: threadID, RunID: runID, Err: err}
			}
			if err := o.svc.SubmitToolOutputs(ctx, threadID, runID, outputs); err != nil {
				return Reply{}, false, o.fail(ctx, KindToolResolutionFailed, threadID, runID, err)
			}
			p.reset(o.opts.PollInterval)
		case models.RunStateCompleted:
			msg, err := o.svc.GetLastMessage(ctx, threadID, runID)
			if err != nil {
				return Reply{}, true, o.fail(ctx, KindResultFetchFailed, threadID, runID, err)
			}
			if strings.TrimSpace(msg) == "" {
				return Reply{}, true, &Error{Kind: KindResultFetchFailed, ThreadID: threadID, RunID: runID, Err: errors.New("empty reply")}
			}
			return Reply{Text: msg, ThreadID: threadID, CourseIDs: tools.surfaced}, true, nil
		case models.RunStateFailed, models.RunStateCancelled, models.RunStateExpired:
			return Reply{}, true, &Error{Kind: KindRunFailed, ThreadID: threadID, RunID: runID,
				Err: fmt.Errorf("run ended %s: %s", st.State, st.LastError)}
		default:
			return Reply{}, false, &Error{Kind: KindRunFailed, ThreadID: threadID, RunID: runID,
				Err: fmt.Errorf("unexpected run state %q", st.State)}
		}
	}
}

// cancelRun stops an abandoned run and waits briefly for it to leave the
// active states so the user's next message can be appended. It runs on a
// fresh budget because ctx is usually already done.
func (o *Orchestrator) cancelRun(ctx context.Context, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelBudget)
	defer cancel()

	if err := o.svc.CancelRun(ctx, threadID, runID); err != nil {
		slog.Warn("Orchestrator.cancelRun: cancel failed", "threadID", threadID, "runID", runID, "error", err)
		return
	}
	p := newPoller(o.opts.PollInterval, o.opts.MaxPollInterval, 0)
	for {
		st, err := o.svc.GetRunStatus(ctx, threadID, runID)
		if err == nil && st.State.IsTerminal() {
			slog.Info("Orchestrator.cancelRun: run cancelled", "threadID", threadID, "runID", runID, "state", st.State)
			return
		}
		if ok, werr := p.wait(ctx); werr != nil || !ok {
			slog.Warn("Orchestrator.cancelRun: run still active after cancel", "threadID", threadID, "runID", runID)
			return
		}
	}
}

// fail classifies err; a call that failed because the budget ran out is a
// timeout regardless of stage.
func (o *Orchestrator) fail(ctx context.Context, kind ErrorKind, threadID, runID string, err error) error {
	if ctx.Err() != nil {
		kind = KindRunTimedOut
	}
	return &Error{Kind: kind, ThreadID: threadID, RunID: runID, Err: err}
}

// resolveThread returns the user's thread, creating it at most once. The
// mapping is written before the state so a crash in between is repaired by
// adoption on the next message or by the reconciler.
func (o *Orchestrator) resolveThread(ctx context.Context, state *models.UserConversationState) (string, error) {
	if state.ReasoningThreadID != "" {
		return state.ReasoningThreadID, nil
	}

	m, err := o.mappings.GetThreadMapping(ctx, state.UserID)
	if err == nil {
		state.ReasoningThreadID = m.ThreadID
		slog.Info("Orchestrator.resolveThread: adopted existing mapping", "userID", state.UserID, "threadID", m.ThreadID)
		return m.ThreadID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", o.fail(ctx, KindThreadCreateFailed, "", "", fmt.Errorf("read thread mapping: %w", err))
	}

	threadID, err := o.svc.CreateThread(ctx)
	if err != nil {
		return "", o.fail(ctx, KindThreadCreateFailed, "", "", err)
	}

	// A mapping write is atomic in every store, so a cancelled write leaves
	// no mapping and the state untouched. The remote thread is then orphaned.
	err = o.mappings.PutThreadMapping(ctx, models.ThreadMapping{UserID: state.UserID, ThreadID: threadID, CreatedAt: time.Now()})
	if errors.Is(err, store.ErrThreadMappingConflict) {
		existing, gerr := o.mappings.GetThreadMapping(ctx, state.UserID)
		if gerr != nil {
			return "", &Error{Kind: KindThreadCreateFailed, ThreadID: threadID, Err: gerr}
		}
		slog.Warn("Orchestrator.resolveThread: lost mapping race, adopting existing thread",
			"userID", state.UserID, "orphanThreadID", threadID, "threadID", existing.ThreadID)
		state.ReasoningThreadID = existing.ThreadID
		return existing.ThreadID, nil
	}
	if err != nil {
		return "", o.fail(ctx, KindThreadCreateFailed, threadID, "", fmt.Errorf("write thread mapping: %w", err))
	}
	state.ReasoningThreadID = threadID
	slog.Info("Orchestrator.resolveThread: created thread", "userID", state.UserID, "threadID", threadID)
	return threadID, nil
}

// runInstructions gives the assistant the per-user context it cannot see in
// the thread itself.
func runInstructions(state *models.UserConversationState) string {
	var parts []string
	if state.DisplayName != "" {
		parts = append(parts, "El usuario se llama "+state.DisplayName+".")
	}
	if state.Role != "" {
		parts = append(parts, "Su rol es "+state.Role+".")
	}
	if state.SelectedCourseID != "" {
		parts = append(parts, "Curso de interés: "+state.SelectedCourseID+". Consulta sus datos con "+ToolGetCourseDetails+".")
	}
	parts = append(parts, "Nunca inventes precios, duraciones ni nombres de cursos; usa solo datos devueltos por las herramientas.")
	return strings.Join(parts, " ")
}
