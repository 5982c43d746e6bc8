package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// DefaultOfferLimit caps the number of courses in a welcome offer.
const DefaultOfferLimit = 5

// welcomeFlow offers the course list and resolves the user's selection.
type welcomeFlow struct {
	facts catalog.FactProvider
	limit int
}

// offer queries the catalog and stores the offered list on the state so the
// selection step resolves against exactly what the user saw.
func (w *welcomeFlow) offer(ctx context.Context, st *models.UserConversationState) candidate {
	st.SelectedCourseID = ""
	st.FlowState = models.FlowStateWelcomeAwaitSelection
	courses, err := w.facts.SearchCourses(ctx, "", w.limit)
	if err != nil || len(courses) == 0 {
		slog.Warn("WelcomeFlow.offer: catalog unavailable", "userID", st.UserID, "error", err, "courses", len(courses))
		st.OfferedCourses = nil
		return templateReply(render("catalog_unavailable", copyData{}))
	}
	st.OfferedCourses = courses
	return templateReply(render("course_offer", copyData{Name: st.DisplayName, Courses: courses}))
}

// handle resolves a selection reply. Without a stored offer it offers first.
func (w *welcomeFlow) handle(ctx context.Context, st *models.UserConversationState, text string) candidate {
	if len(st.OfferedCourses) == 0 {
		return w.offer(ctx, st)
	}
	w.refreshOffer(ctx, st)
	course, ok := resolveSelection(text, st.OfferedCourses)
	if !ok {
		slog.Debug("WelcomeFlow.handle: selection not resolved", "userID", st.UserID)
		return templateReply(render("offer_retry", copyData{Courses: st.OfferedCourses}))
	}
	st.SelectedCourseID = course.ID
	st.FlowState = models.FlowStateActiveAgent
	st.MergeAttributes(map[string]models.Attribute{
		models.AttributeInterest: {Value: course.Name, Confidence: 0.9, UpdatedAt: st.UpdatedAt},
	})
	slog.Info("WelcomeFlow.handle: course selected", "userID", st.UserID, "courseID", course.ID)
	return candidate{Text: render("course_selected", copyData{Course: &course}), Source: SourceTemplate, CourseIDs: []string{course.ID}}
}

// refreshOffer replaces the stored offer's facts with current ones, keeping
// its ids and order so numbered replies still point at what the user saw.
// A course the provider cannot return keeps its stored copy.
func (w *welcomeFlow) refreshOffer(ctx context.Context, st *models.UserConversationState) {
	fresh := make([]models.CourseFacts, len(st.OfferedCourses))
	for i, c := range st.OfferedCourses {
		cur, err := w.facts.GetCourse(ctx, c.ID)
		if err != nil {
			slog.Debug("WelcomeFlow.refreshOffer: keeping stored facts", "userID", st.UserID, "courseID", c.ID, "error", err)
			fresh[i] = c
			continue
		}
		fresh[i] = cur
	}
	st.OfferedCourses = fresh
}

var selectionFillers = map[string]bool{
	"el": true, "la": true, "opcion": true, "numero": true, "curso": true, "quiero": true, "me": true, "interesa": true,
}

// resolveSelection tries, in order: a numeric index into offered, a
// case-insensitive name substring match, then a level or modality keyword.
func resolveSelection(text string, offered []models.CourseFacts) (models.CourseFacts, bool) {
	folded := util.FoldText(text)
	if folded == "" {
		return models.CourseFacts{}, false
	}

	if n, ok := selectionIndex(folded); ok {
		if n >= 1 && n <= len(offered) {
			return offered[n-1], true
		}
		return models.CourseFacts{}, false
	}

	for _, c := range offered {
		name := util.FoldText(c.Name)
		if name == "" {
			continue
		}
		if strings.Contains(folded, name) || (len(folded) >= 4 && strings.Contains(name, folded)) {
			return c, true
		}
	}

	words := strings.FieldsFunc(folded, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
	for _, c := range offered {
		level, modality := util.FoldText(c.Level), util.FoldText(c.Modality)
		for _, w := range words {
			if len(w) < 3 {
				continue
			}
			if w == level || w == modality {
				return c, true
			}
		}
	}
	return models.CourseFacts{}, false
}

// selectionIndex accepts replies that are only a number, optionally wrapped
// in filler words such as "opción 2" or "el 1.".
func selectionIndex(folded string) (int, bool) {
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '#')
	})
	num := -1
	for _, w := range words {
		w = strings.TrimPrefix(w, "#")
		if n, err := strconv.Atoi(w); err == nil {
			if num >= 0 {
				return 0, false
			}
			num = n
			continue
		}
		if !selectionFillers[w] && w != "" {
			return 0, false
		}
	}
	return num, num >= 0
}
