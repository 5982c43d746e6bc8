package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/classifier"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/orchestrator"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// IntentClassifier is the classification boundary used by the flows.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, recent []models.ConversationTurn) (classifier.Result, error)
}

// Conversant is the thread orchestrator boundary used by the general agent.
type Conversant interface {
	Converse(ctx context.Context, state *models.UserConversationState, text string) (orchestrator.Reply, error)
}

var courseChangePhrases = []string{
	"cambiar de curso", "cambiar el curso", "cambiar curso", "otro curso", "otros cursos",
	"otra opcion", "ver el catalogo", "ver las opciones",
}

// wantsCourseChange catches explicit requests even when classification fails.
func wantsCourseChange(text string) bool {
	folded := util.FoldText(text)
	for _, p := range courseChangePhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

var nameCorrectionPhrases = []string{"me llamo ", "mi nombre es ", "llamame ", "llámame "}

// nameCorrection returns the name from an explicit correction such as
// "por cierto, me llamo Ana".
func nameCorrection(text string) string {
	lower := strings.ToLower(text)
	for _, p := range nameCorrectionPhrases {
		idx := strings.Index(lower, p)
		if idx < 0 || idx+len(p) > len(text) {
			continue
		}
		if name := extractName(text[idx+len(p):]); name != "" {
			return name
		}
	}
	return ""
}

var roleCorrectionPhrases = []string{"ahora soy ", "ahora trabajo como ", "mi puesto es ", "mi rol es ", "mi cargo es "}

// roleCorrection returns the role from an explicit correction such as
// "ahora soy gerente de ventas, ¿qué curso me sirve?". Only the clause after
// the phrase is kept.
func roleCorrection(text string) string {
	lower := strings.ToLower(text)
	for _, p := range roleCorrectionPhrases {
		idx := strings.Index(lower, p)
		if idx < 0 || idx+len(p) > len(text) {
			continue
		}
		rest := text[idx+len(p):]
		if end := strings.IndexAny(rest, ",;.!?¿¡\n"); end >= 0 {
			rest = rest[:end]
		}
		if role := extractRole(rest); role != "" {
			return role
		}
	}
	return ""
}

// generalAgentFlow handles free conversation once a course context exists.
type generalAgentFlow struct {
	classifier   IntentClassifier
	orchestrator Conversant
	facts        catalog.FactProvider
	welcome      *welcomeFlow
}

func (g *generalAgentFlow) handle(ctx context.Context, st *models.UserConversationState, text string) candidate {
	st.FlowState = models.FlowStateActiveAgent

	res := classifier.Unclassified()
	if g.classifier != nil {
		res = classifier.Resolve(g.classifier.Classify(ctx, text, st.RecentTurns(0)))
	}
	st.MergeAttributes(res.Attributes)
	if name := nameCorrection(text); name != "" && name != st.DisplayName {
		slog.Info("GeneralAgentFlow.handle: display name corrected", "userID", st.UserID)
		st.DisplayName = name
	}
	if role := roleCorrection(text); role != "" && role != st.Role {
		slog.Info("GeneralAgentFlow.handle: role corrected", "userID", st.UserID)
		st.Role = role
	}

	if res.Category == classifier.CategoryCourseChange || wantsCourseChange(text) {
		slog.Info("GeneralAgentFlow.handle: course change requested", "userID", st.UserID, "from", st.SelectedCourseID)
		return g.welcome.offer(ctx, st)
	}

	if g.orchestrator != nil {
		reply, err := g.orchestrator.Converse(ctx, st, text)
		if err == nil {
			return candidate{Text: reply.Text, Source: SourceOrchestrator, CourseIDs: reply.CourseIDs}
		}
		var oerr *orchestrator.Error
		if !errors.As(err, &oerr) {
			slog.Error("GeneralAgentFlow.handle: unexpected orchestrator error", "userID", st.UserID, "error", err)
		}
	}
	return g.template(ctx, st, res.Category)
}

// template is the deterministic response path. It only states facts read
// from the catalog for the selected course.
func (g *generalAgentFlow) template(ctx context.Context, st *models.UserConversationState, category classifier.Category) candidate {
	data := copyData{Name: st.DisplayName}
	if st.SelectedCourseID != "" {
		course, err := g.facts.GetCourse(ctx, st.SelectedCourseID)
		if err != nil {
			slog.Warn("GeneralAgentFlow.template: selected course unavailable", "userID", st.UserID, "courseID", st.SelectedCourseID, "error", err)
		} else {
			data.Course = &course
		}
	}
	if data.Course == nil {
		return templateReply(render("agent_no_course", data))
	}
	name := "agent_general"
	switch category {
	case classifier.CategoryBuyingSignal:
		name = "agent_buying"
	case classifier.CategoryPriceObjection:
		name = "agent_price"
	}
	return candidate{Text: render(name, data), Source: SourceTemplate, CourseIDs: []string{data.Course.ID}}
}
