package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// CreateThread creates an empty reasoning thread.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	th, err := c.threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	slog.Debug("GenAI.CreateThread: thread created", "threadID", th.ID)
	return th.ID, nil
}

// AppendMessage adds a user message to a thread.
func (c *Client) AppendMessage(ctx context.Context, threadID, text string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return fmt.Errorf("append message to thread %s: %w", threadID, err)
	}
	return nil
}

// StartRun starts the configured assistant on a thread. instructions are added
// to the assistant's own for this run only.
func (c *Client) StartRun(ctx context.Context, threadID, instructions string, tools []models.ToolSpec) (string, error) {
	if c.assistantID == "" {
		return "", ErrNoAssistant
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	params := openai.BetaThreadRunNewParams{
		AssistantID: c.assistantID,
		Tools:       toolParams(tools),
	}
	if instructions != "" {
		params.AdditionalInstructions = openai.String(instructions)
	}
	run, err := c.runs.New(ctx, threadID, params)
	if err != nil {
		return "", fmt.Errorf("start run on thread %s: %w", threadID, err)
	}
	slog.Debug("GenAI.StartRun: run started", "threadID", threadID, "runID", run.ID)
	return run.ID, nil
}

// GetRunStatus polls a run once.
func (c *Client) GetRunStatus(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	if err := c.wait(ctx); err != nil {
		return models.RunStatus{}, err
	}
	run, err := c.runs.Get(ctx, threadID, runID)
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return runStatus(run), nil
}

// SubmitToolOutputs answers the tool calls of a run in requires_action.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.ToolCallID),
			Output:     openai.String(o.Output),
		})
	}
	if _, err := c.runs.SubmitToolOutputs(ctx, threadID, runID, params); err != nil {
		return fmt.Errorf("submit tool outputs for run %s: %w", runID, err)
	}
	return nil
}

// CancelRun asks the service to stop a run. The thread accepts new messages
// once the run reaches cancelled.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	run, err := c.runs.Cancel(ctx, threadID, runID)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	slog.Debug("GenAI.CancelRun: cancel requested", "threadID", threadID, "runID", runID, "status", run.Status)
	return nil
}

// GetLastMessage returns the text of the newest assistant message produced by
// runID on the thread.
func (c *Client) GetLastMessage(ctx context.Context, threadID, runID string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	query := openai.BetaThreadMessageListParams{
		Limit: openai.Int(1),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	}
	if runID != "" {
		query.RunID = openai.String(runID)
	}
	page, err := c.messages.List(ctx, threadID, query)
	if err != nil {
		return "", fmt.Errorf("list messages for thread %s: %w", threadID, err)
	}
	if len(page.Data) == 0 {
		return "", ErrEmptyMessage
	}
	var parts []string
	for _, content := range page.Data[0].Content {
		if content.Type == "text" && content.Text.Value != "" {
			parts = append(parts, content.Text.Value)
		}
	}
	if len(parts) == 0 {
		return "", ErrEmptyMessage
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func toolParams(tools []models.ToolSpec) []openai.AssistantToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.AssistantToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.AssistantToolUnionParam{
			OfFunction: &openai.FunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(t.Parameters),
				},
			},
		})
	}
	return out
}

func runStatus(run *openai.Run) models.RunStatus {
	st := models.RunStatus{ID: run.ID, State: mapRunState(run.Status)}
	if run.LastError.Message != "" {
		st.LastError = string(run.LastError.Code) + ": " + run.LastError.Message
	}
	if st.State == models.RunStateRequiresAction {
		for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			st.ToolCalls = append(st.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return st
}

// mapRunState folds the service's run statuses into the closed RunState set.
func mapRunState(s openai.RunStatus) models.RunState {
	switch s {
	case openai.RunStatusQueued:
		return models.RunStateQueued
	case openai.RunStatusInProgress, openai.RunStatusCancelling:
		return models.RunStateInProgress
	case openai.RunStatusRequiresAction:
		return models.RunStateRequiresAction
	case openai.RunStatusCompleted:
		return models.RunStateCompleted
	case openai.RunStatusFailed, openai.RunStatusIncomplete:
		return models.RunStateFailed
	case openai.RunStatusCancelled:
		return models.RunStateCancelled
	case openai.RunStatusExpired:
		return models.RunStateExpired
	default:
		return models.RunStateUnknown
	}
}
