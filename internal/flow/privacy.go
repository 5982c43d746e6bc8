package flow

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/classifier"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

const (
	// DefaultPrivacyMaxAttempts is how many unresolved consent replies are
	// tolerated before the flow moves on to the name step.
	DefaultPrivacyMaxAttempts = 3

	// extractedConfidence is recorded for values taken verbatim from a reply
	// to a direct question.
	extractedConfidence = 0.6
	minAttrConfidence   = 0.5
	maxNameWords        = 3
	maxRoleRunes        = 80
)

type consent int

const (
	consentUnclear consent = iota
	consentYes
	consentNo
)

var (
	affirmativeWords = map[string]bool{
		"acepto": true, "aceptar": true, "si": true, "ok": true, "okay": true, "claro": true,
		"va": true, "vale": true, "adelante": true, "yes": true, "accept": true, "correcto": true,
		"perfecto": true, "sale": true, "listo": true, "👍": true,
	}
	affirmativePhrases = []string{"de acuerdo", "esta bien", "por supuesto", "sin problema"}
	negativeWords      = map[string]bool{"no": true, "rechazo": true, "nunca": true, "negativo": true}
)

// consentAnswer reads a reply to the consent request. Any negative marker wins
// over affirmative words so "no acepto" is a refusal.
func consentAnswer(text string) consent {
	folded := util.FoldText(text)
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	yes := false
	for _, w := range words {
		if negativeWords[w] {
			return consentNo
		}
		if affirmativeWords[w] {
			yes = true
		}
	}
	for _, p := range affirmativePhrases {
		if strings.Contains(folded, p) {
			yes = true
		}
	}
	if yes {
		return consentYes
	}
	return consentUnclear
}

// nameFillers are leading words skipped when reading a name reply.
var nameFillers = map[string]bool{
	"hola": true, "buenas": true, "buenos": true, "dias": true, "tardes": true, "noches": true,
	"me": true, "llamo": true, "mi": true, "nombre": true, "es": true, "soy": true,
	"puedes": true, "llamarme": true, "llamame": true, "dime": true, "yo": true, "con": true,
}

// extractName pulls a display name out of a free-text reply such as
// "Hola, me llamo maría josé". Up to three words are kept, title-cased.
func extractName(text string) string {
	var out []string
	for _, raw := range strings.Fields(text) {
		w := strings.TrimFunc(raw, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
		if w == "" {
			if len(out) > 0 {
				break
			}
			continue
		}
		if len(out) == 0 && nameFillers[util.FoldText(w)] {
			continue
		}
		out = append(out, titleWord(w))
		if len(out) == maxNameWords || strings.ContainsAny(raw, ".,;!?") {
			break
		}
	}
	return strings.Join(out, " ")
}

func titleWord(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

var rolePrefixes = []string{"soy ", "trabajo como ", "mi puesto es ", "mi rol es ", "me desempeño como ", "me desempeno como "}

// extractRole keeps the reply mostly verbatim; roles are too varied to parse.
func extractRole(text string) string {
	role := strings.TrimSpace(text)
	lower := strings.ToLower(role)
	for _, p := range rolePrefixes {
		if strings.HasPrefix(lower, p) {
			role = strings.TrimSpace(role[len(p):])
			break
		}
	}
	role = strings.TrimRight(role, ".!¡ ")
	if utf8.RuneCountInString(role) > maxRoleRunes {
		role = string([]rune(role)[:maxRoleRunes])
	}
	return role
}

// privacyFlow runs the consent, name and role steps. It is the only flow
// allowed while privacy has not been accepted.
type privacyFlow struct {
	maxAttempts int
	classifier  IntentClassifier
}

// handle advances the privacy sub-protocol by one message. completed is true
// on the turn privacy gets accepted; the caller then triggers the next flow.
func (p *privacyFlow) handle(ctx context.Context, st *models.UserConversationState, text string) (out []candidate, completed bool) {
	switch st.FlowState {
	case models.FlowStateNew:
		st.FlowState = models.FlowStatePrivacyPending
		return []candidate{templateReply(render("consent_request", copyData{}))}, false

	case models.FlowStatePrivacyAwaitName:
		name := p.attribute(ctx, st, text, models.AttributeName)
		if name == "" {
			name = extractName(text)
		}
		if name != "" {
			st.DisplayName = name
			st.MergeAttributes(map[string]models.Attribute{
				models.AttributeName: {Value: name, Confidence: extractedConfidence, UpdatedAt: st.UpdatedAt},
			})
		}
		st.FlowState = models.FlowStatePrivacyAwaitRole
		return []candidate{templateReply(render("ask_role", copyData{Name: st.DisplayName}))}, false

	case models.FlowStatePrivacyAwaitRole:
		role := p.attribute(ctx, st, text, models.AttributeRole)
		if role == "" {
			role = extractRole(text)
		}
		if role != "" {
			st.Role = role
			st.MergeAttributes(map[string]models.Attribute{
				models.AttributeRole: {Value: role, Confidence: extractedConfidence, UpdatedAt: st.UpdatedAt},
			})
		}
		st.AcceptPrivacy()
		st.FlowState = models.FlowStateWelcomeAwaitSelection
		return []candidate{templateReply(render("privacy_confirmed", copyData{Name: st.DisplayName}))}, true

	default:
		// PRIVACY_PENDING, or any non-privacy state reached without consent.
		st.FlowState = models.FlowStatePrivacyPending
		switch consentAnswer(text) {
		case consentYes:
			st.PrivacyAttempts = 0
			st.FlowState = models.FlowStatePrivacyAwaitName
			return []candidate{templateReply(render("ask_name", copyData{}))}, false
		default:
			st.PrivacyAttempts++
			if p.maxAttempts > 0 && st.PrivacyAttempts >= p.maxAttempts {
				st.PrivacyAttempts = 0
				st.FlowState = models.FlowStatePrivacyAwaitName
				return []candidate{templateReply(render("ask_name", copyData{}))}, false
			}
			return []candidate{templateReply(render("consent_reprompt", copyData{}))}, false
		}
	}
}

// attribute asks the classifier for one extracted attribute. Classification
// failure is not an error here; the deterministic parser takes over.
func (p *privacyFlow) attribute(ctx context.Context, st *models.UserConversationState, text, name string) string {
	if p.classifier == nil {
		return ""
	}
	res := classifier.Resolve(p.classifier.Classify(ctx, text, st.RecentTurns(0)))
	st.MergeAttributes(res.Attributes)
	if a, ok := res.Attributes[name]; ok && a.Confidence >= minAttrConfidence {
		return strings.TrimSpace(a.Value)
	}
	return ""
}
