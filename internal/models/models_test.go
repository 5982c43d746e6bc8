package models

import (
	"strings"
	"testing"
	"time"
)

func TestInboundMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     InboundMessage
		wantErr error
	}{
		{"valid", InboundMessage{UserID: "+521", Text: "hola"}, nil},
		{"empty user", InboundMessage{Text: "hola"}, ErrEmptyUserID},
		{"blank text", InboundMessage{UserID: "+521", Text: "   "}, ErrEmptyText},
		{"media only", InboundMessage{UserID: "+521", MediaURLs: []string{"https://x/y.jpg"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	long := InboundMessage{UserID: "+521", Text: strings.Repeat("a", MaxMessageTextLength+1)}
	if err := long.Validate(); err == nil {
		t.Error("expected error for oversized text")
	}
}

func TestOutboundMessageValidate(t *testing.T) {
	ok := OutboundMessage{UserID: "+521", Text: "hola", MediaURLs: []string{"https://cdn.example.com/a.png"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := OutboundMessage{UserID: "+521", Text: "hola", MediaURLs: []string{"not a url"}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for malformed media url")
	}
	tooMany := OutboundMessage{UserID: "+521", Text: "hola", MediaURLs: make([]string, MaxMediaPerMessage+1)}
	if err := tooMany.Validate(); err != ErrTooManyMediaItems {
		t.Errorf("expected ErrTooManyMediaItems, got %v", err)
	}
}

func TestMergeAttributesKeepsHigherConfidence(t *testing.T) {
	s := NewUserConversationState("u1", time.Now())
	s.MergeAttributes(map[string]Attribute{AttributeRole: {Value: "gerente", Confidence: 0.8}})
	s.MergeAttributes(map[string]Attribute{AttributeRole: {Value: "director", Confidence: 0.5}})
	if got := s.Attributes[AttributeRole].Value; got != "gerente" {
		t.Errorf("lower confidence overwrote value: %q", got)
	}
	s.MergeAttributes(map[string]Attribute{AttributeRole: {Value: "director", Confidence: 0.8}})
	if got := s.Attributes[AttributeRole].Value; got != "gerente" {
		t.Errorf("equal confidence overwrote value: %q", got)
	}
	s.MergeAttributes(map[string]Attribute{
		AttributeRole:    {Value: "director", Confidence: 0.9},
		AttributeCompany: {Value: "Acme", Confidence: 0.1},
	})
	if got := s.Attributes[AttributeRole].Value; got != "director" {
		t.Errorf("higher confidence did not overwrite: %q", got)
	}
	if got := s.Attributes[AttributeCompany].Value; got != "Acme" {
		t.Errorf("new attribute not added: %q", got)
	}
}

func TestAppendTurnTrimsWindow(t *testing.T) {
	s := NewUserConversationState("u1", time.Now())
	for i := 0; i < 5; i++ {
		s.AppendTurn(TurnRoleUser, string(rune('a'+i)), time.Now(), 3)
	}
	if len(s.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(s.Turns))
	}
	if s.Turns[0].Text != "c" || s.Turns[2].Text != "e" {
		t.Errorf("wrong turns kept: %+v", s.Turns)
	}
}

func TestContextCourseIDs(t *testing.T) {
	s := NewUserConversationState("u1", time.Now())
	s.SelectedCourseID = "c2"
	s.OfferedCourses = []CourseFacts{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}
	ids := s.ContextCourseIDs()
	want := []string{"c2", "c1", "c3"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestFlowStateHelpers(t *testing.T) {
	if !FlowStatePrivacyAwaitRole.IsPrivacyState() {
		t.Error("await role should be a privacy state")
	}
	if FlowStateActiveAgent.IsPrivacyState() {
		t.Error("active agent is not a privacy state")
	}
	if FlowState("BOGUS").IsValid() {
		t.Error("unknown state reported valid")
	}
}

func TestToolResultJSON(t *testing.T) {
	got := ToolResult{Status: ToolStatusNotFound, Error: "course x not found"}.JSON()
	if !strings.Contains(got, `"status":"not_found"`) {
		t.Errorf("unexpected payload: %s", got)
	}
}
