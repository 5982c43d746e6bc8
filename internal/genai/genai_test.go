package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/pagination"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

type mockThreadService struct{ id string }

func (m *mockThreadService) New(ctx context.Context, body openai.BetaThreadNewParams, opts ...option.RequestOption) (*openai.Thread, error) {
	return &openai.Thread{ID: m.id}, nil
}

type mockMessageService struct {
	appended []string
	page     *pagination.CursorPage[openai.Message]
	query    openai.BetaThreadMessageListParams
}

func (m *mockMessageService) New(ctx context.Context, threadID string, body openai.BetaThreadMessageNewParams, opts ...option.RequestOption) (*openai.Message, error) {
	m.appended = append(m.appended, threadID+":"+body.Content.OfString.Value)
	return &openai.Message{}, nil
}

func (m *mockMessageService) List(ctx context.Context, threadID string, query openai.BetaThreadMessageListParams, opts ...option.RequestOption) (*pagination.CursorPage[openai.Message], error) {
	m.query = query
	return m.page, nil
}

type mockRunService struct {
	run       *openai.Run
	newParams openai.BetaThreadRunNewParams
	submitted openai.BetaThreadRunSubmitToolOutputsParams
	cancelled []string
	cancelErr error
}

func (m *mockRunService) Cancel(ctx context.Context, threadID, runID string, opts ...option.RequestOption) (*openai.Run, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	m.cancelled = append(m.cancelled, threadID+"/"+runID)
	return &openai.Run{ID: runID, Status: openai.RunStatusCancelling}, nil
}

func (m *mockRunService) New(ctx context.Context, threadID string, params openai.BetaThreadRunNewParams, opts ...option.RequestOption) (*openai.Run, error) {
	m.newParams = params
	return &openai.Run{ID: "run_1"}, nil
}

func (m *mockRunService) Get(ctx context.Context, threadID, runID string, opts ...option.RequestOption) (*openai.Run, error) {
	return m.run, nil
}

func (m *mockRunService) SubmitToolOutputs(ctx context.Context, threadID, runID string, params openai.BetaThreadRunSubmitToolOutputsParams, opts ...option.RequestOption) (*openai.Run, error) {
	m.submitted = params
	return m.run, nil
}

func TestCompleteJSON_Success(t *testing.T) {
	mock := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: " {\"category\":\"exploration\"} "}},
		},
	}}
	client := &Client{chat: mock, model: DefaultModel}
	out, err := client.CompleteJSON(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"category":"exploration"}` {
		t.Errorf("unexpected output %q", out)
	}
	if mock.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(mock.params.Messages))
	}
}

func TestGeneratePrompt_PlainFormat(t *testing.T) {
	mock := &mockChatService{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Hola"}}},
	}}
	client := &Client{chat: mock, model: DefaultModel}
	out, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err != nil || out != "Hola" {
		t.Fatalf("unexpected result %q, %v", out, err)
	}
	if mock.params.ResponseFormat.OfJSONObject != nil {
		t.Error("plain completion must not request JSON mode")
	}
}

func TestCompleteJSON_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.CompleteJSON(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestCompleteJSON_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}}
	_, err := client.CompleteJSON(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithAssistantID("asst_1"), WithRateLimit(5, 2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.limiter == nil || cli.assistantID != "asst_1" {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestThreadLifecycle(t *testing.T) {
	msgs := &mockMessageService{page: &pagination.CursorPage[openai.Message]{
		Data: []openai.Message{{Content: []openai.MessageContentUnion{
			{Type: "text", Text: openai.Text{Value: "El curso cuesta $4,500 MXN."}},
		}}},
	}}
	runs := &mockRunService{run: &openai.Run{
		ID:     "run_1",
		Status: openai.RunStatusRequiresAction,
		RequiredAction: openai.RunRequiredAction{
			SubmitToolOutputs: openai.RunRequiredActionSubmitToolOutputs{
				ToolCalls: []openai.RequiredActionFunctionToolCall{{
					ID:       "call_1",
					Function: openai.RequiredActionFunctionToolCallFunction{Name: "search_courses", Arguments: `{"query":"ia"}`},
				}},
			},
		},
	}}
	client := &Client{threads: &mockThreadService{id: "thread_1"}, messages: msgs, runs: runs, assistantID: "asst_1"}
	ctx := context.Background()

	threadID, err := client.CreateThread(ctx)
	if err != nil || threadID != "thread_1" {
		t.Fatalf("CreateThread = %q, %v", threadID, err)
	}
	if err := client.AppendMessage(ctx, threadID, "hola"); err != nil {
		t.Fatal(err)
	}
	if len(msgs.appended) != 1 || msgs.appended[0] != "thread_1:hola" {
		t.Errorf("unexpected appended messages %v", msgs.appended)
	}

	runID, err := client.StartRun(ctx, threadID, "El usuario se llama María.", []models.ToolSpec{{Name: "search_courses", Parameters: map[string]interface{}{"type": "object"}}})
	if err != nil || runID != "run_1" {
		t.Fatalf("StartRun = %q, %v", runID, err)
	}
	if runs.newParams.AssistantID != "asst_1" || len(runs.newParams.Tools) != 1 {
		t.Errorf("unexpected run params %+v", runs.newParams)
	}
	if runs.newParams.AdditionalInstructions.Value != "El usuario se llama María." {
		t.Errorf("instructions not passed")
	}

	st, err := client.GetRunStatus(ctx, threadID, runID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != models.RunStateRequiresAction || len(st.ToolCalls) != 1 || st.ToolCalls[0].Name != "search_courses" {
		t.Errorf("unexpected status %+v", st)
	}

	if err := client.SubmitToolOutputs(ctx, threadID, runID, []models.ToolOutput{{ToolCallID: "call_1", Output: `{"status":"ok"}`}}); err != nil {
		t.Fatal(err)
	}
	if len(runs.submitted.ToolOutputs) != 1 || runs.submitted.ToolOutputs[0].ToolCallID.Value != "call_1" {
		t.Errorf("unexpected submitted outputs %+v", runs.submitted)
	}

	text, err := client.GetLastMessage(ctx, threadID, runID)
	if err != nil || text != "El curso cuesta $4,500 MXN." {
		t.Fatalf("GetLastMessage = %q, %v", text, err)
	}
	if msgs.query.RunID.Value != "run_1" {
		t.Errorf("expected list filtered by run")
	}
}

func TestStartRun_NoAssistant(t *testing.T) {
	client := &Client{runs: &mockRunService{}}
	if _, err := client.StartRun(context.Background(), "thread_1", "", nil); !errors.Is(err, ErrNoAssistant) {
		t.Errorf("expected ErrNoAssistant, got %v", err)
	}
}

func TestGetLastMessage_Empty(t *testing.T) {
	client := &Client{messages: &mockMessageService{page: &pagination.CursorPage[openai.Message]{}}}
	if _, err := client.GetLastMessage(context.Background(), "thread_1", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestMapRunState(t *testing.T) {
	tests := map[openai.RunStatus]models.RunState{
		openai.RunStatusQueued:     models.RunStateQueued,
		openai.RunStatusInProgress: models.RunStateInProgress,
		openai.RunStatusCancelling: models.RunStateInProgress,
		openai.RunStatusCompleted:  models.RunStateCompleted,
		openai.RunStatusIncomplete: models.RunStateFailed,
		openai.RunStatusExpired:    models.RunStateExpired,
		openai.RunStatus("weird"):  models.RunStateUnknown,
	}
	for in, want := range tests {
		if got := mapRunState(in); got != want {
			t.Errorf("mapRunState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCancelRun(t *testing.T) {
	runs := &mockRunService{}
	client := &Client{runs: runs}
	if err := client.CancelRun(context.Background(), "thread_1", "run_1"); err != nil {
		t.Fatalf("CancelRun returned error: %v", err)
	}
	if len(runs.cancelled) != 1 || runs.cancelled[0] != "thread_1/run_1" {
		t.Errorf("unexpected cancel calls %v", runs.cancelled)
	}

	runs.cancelErr = errors.New("run already completed")
	if err := client.CancelRun(context.Background(), "thread_1", "run_2"); err == nil {
		t.Error("expected cancel error to be returned")
	}
}
