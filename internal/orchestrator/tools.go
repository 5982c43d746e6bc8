package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/catalog"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// Tool names exposed to the reasoning service.
const (
	ToolSearchCourses    = "search_courses"
	ToolGetCourseDetails = "get_course_details"

	defaultSearchLimit = 5
	maxSearchLimit     = 10
)

// ToolSpecs returns the function tools every run is started with. Each one
// resolves to a catalog lookup.
func ToolSpecs() []models.ToolSpec {
	return []models.ToolSpec{
		{
			Name:        ToolSearchCourses,
			Description: "Busca cursos del catálogo por tema, nivel o modalidad. Usa siempre esta herramienta antes de mencionar cursos, precios o duraciones.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Texto a buscar; vacío lista el catálogo",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Máximo de resultados (1-10)",
					},
				},
			},
		},
		{
			Name:        ToolGetCourseDetails,
			Description: "Devuelve precio, duración, nivel y modalidad de un curso por su identificador.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"course_id": map[string]interface{}{
						"type":        "string",
						"description": "Identificador del curso",
					},
				},
				"required": []string{"course_id"},
			},
		},
	}
}

// courseView is the tool-facing projection of a course.
type courseView struct {
	ID          string  `json:"course_id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	Sessions    int     `json:"sessions,omitempty"`
	Level       string  `json:"level,omitempty"`
	Modality    string  `json:"modality,omitempty"`
	Description string  `json:"description,omitempty"`
}

func viewOf(c models.CourseFacts) courseView {
	return courseView{
		ID: c.ID, Name: c.Name, Price: c.Price, Currency: c.Currency, Duration: c.Duration,
		Sessions: c.Sessions, Level: c.Level, Modality: c.Modality, Description: c.Description,
	}
}

// toolDispatcher resolves tool calls against the FactProvider. It never
// generates free text; every answer is a lookup result or a structured error.
type toolDispatcher struct {
	facts catalog.FactProvider
	// surfaced collects course ids returned to the reasoning service.
	surfaced []string
	seen     map[string]bool
}

func newToolDispatcher(facts catalog.FactProvider) *toolDispatcher {
	return &toolDispatcher{facts: facts, seen: make(map[string]bool)}
}

func (d *toolDispatcher) note(id string) {
	if id != "" && !d.seen[id] {
		d.seen[id] = true
		d.surfaced = append(d.surfaced, id)
	}
}

// resolve answers every call in order. An error is returned only when the
// context ends; lookup failures become structured outputs.
func (d *toolDispatcher) resolve(ctx context.Context, calls []models.ToolCall) ([]models.ToolOutput, error) {
	outputs := make([]models.ToolOutput, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := d.call(ctx, call)
		slog.Debug("Orchestrator.tool: resolved", "tool", call.Name, "callID", call.ID, "status", res.Status)
		outputs = append(outputs, models.ToolOutput{ToolCallID: call.ID, Output: res.JSON()})
	}
	return outputs, nil
}

func (d *toolDispatcher) call(ctx context.Context, call models.ToolCall) models.ToolResult {
	switch call.Name {
	case ToolSearchCourses:
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return models.ToolResult{Status: models.ToolStatusInvalid, Error: err.Error()}
		}
		if args.Limit <= 0 {
			args.Limit = defaultSearchLimit
		}
		if args.Limit > maxSearchLimit {
			args.Limit = maxSearchLimit
		}
		courses, err := d.facts.SearchCourses(ctx, strings.TrimSpace(args.Query), args.Limit)
		if err != nil {
			return models.ToolResult{Status: models.ToolStatusError, Error: "catalog unavailable"}
		}
		if len(courses) == 0 {
			return models.ToolResult{Status: models.ToolStatusNotFound, Error: "no courses match the query"}
		}
		views := make([]courseView, 0, len(courses))
		for _, c := range courses {
			d.note(c.ID)
			views = append(views, viewOf(c))
		}
		return models.ToolResult{Status: models.ToolStatusOK, Data: views}

	case ToolGetCourseDetails:
		var args struct {
			CourseID string `json:"course_id"`
		}
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return models.ToolResult{Status: models.ToolStatusInvalid, Error: err.Error()}
		}
		if strings.TrimSpace(args.CourseID) == "" {
			return models.ToolResult{Status: models.ToolStatusInvalid, Error: "course_id is required"}
		}
		c, err := d.facts.GetCourse(ctx, strings.TrimSpace(args.CourseID))
		if errors.Is(err, catalog.ErrCourseNotFound) {
			return models.ToolResult{Status: models.ToolStatusNotFound, Error: "unknown course_id"}
		}
		if err != nil {
			return models.ToolResult{Status: models.ToolStatusError, Error: "catalog unavailable"}
		}
		d.note(c.ID)
		return models.ToolResult{Status: models.ToolStatusOK, Data: viewOf(c)}

	default:
		return models.ToolResult{Status: models.ToolStatusUnknown, Error: "unknown tool " + call.Name}
	}
}

func decodeArgs(raw string, dst interface{}) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
