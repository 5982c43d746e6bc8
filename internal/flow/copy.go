package flow

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// Copy templates. Anything that states a fact takes it from CourseFacts so it
// passes the response validator unchanged.
const (
	tmplConsentRequest = `¡Hola! Soy Brenda, asesora de cursos de IA para líderes. 👋
Antes de continuar necesito tu autorización para tratar tus datos personales conforme a nuestro aviso de privacidad.
¿Aceptas? Responde *Acepto* para continuar.`

	tmplConsentReprompt = `Para poder ayudarte necesito que aceptes el aviso de privacidad. Responde *Acepto* para continuar.`

	tmplAskName = `¡Gracias! ¿Cómo te gustaría que te llame?`

	tmplAskRole = `Mucho gusto{{if .Name}}, {{.Name}}{{end}}. ¿Cuál es tu puesto o rol en tu organización?`

	tmplPrivacyConfirmed = `¡Perfecto{{if .Name}}, {{.Name}}{{end}}! Ya tengo todo lo necesario para recomendarte la mejor opción.`

	tmplCourseOffer = `Estos son los cursos disponibles:{{range $i, $c := .Courses}}
{{inc $i}}. {{$c.Name}}: {{price $c}}{{if $c.Duration}}, {{$c.Duration}}{{end}}{{if $c.Level}} (nivel {{$c.Level}}){{end}}{{end}}
Responde con el número o el nombre del que te interese.`

	tmplOfferRetry = `No identifiqué tu elección. ` + tmplCourseOffer

	tmplCatalogUnavailable = `En este momento no puedo consultar el catálogo. Escríbeme de nuevo en unos minutos y te comparto las opciones.`

	tmplCourseSelected = `¡Excelente elección! El curso "{{.Course.Name}}" tiene una inversión de {{price .Course}}{{if .Course.Duration}} y dura {{.Course.Duration}}{{end}}{{if .Course.Modality}}, modalidad {{.Course.Modality}}{{end}}.
¿Qué te gustaría saber del programa?`

	tmplCampaign = `{{if .Headline}}{{.Headline}}
{{end}}Te presento el curso "{{.Course.Name}}".{{if .Course.Description}}
{{.Course.Description}}{{end}}
Inversión: {{price .Course}}{{if .Course.Duration}}. Duración: {{.Course.Duration}}{{end}}{{if .Course.Sessions}} ({{.Course.Sessions}} sesiones){{end}}.
¿Te gustaría que te cuente cómo inscribirte?`

	tmplAgentBuying = `¡Qué gusto{{if .Name}}, {{.Name}}{{end}}!{{if .Course}} Para inscribirte en el curso "{{.Course.Name}}" la inversión es de {{price .Course}}.{{end}} En breve te comparto el enlace de inscripción.`

	tmplAgentPrice = `Entiendo{{if .Name}}, {{.Name}}{{end}}.{{if .Course}} El curso "{{.Course.Name}}" tiene una inversión de {{price .Course}}{{if .Course.Duration}} por {{.Course.Duration}} de formación aplicada{{end}}.{{end}} Con gusto reviso contigo opciones de pago.`

	tmplAgentGeneral = `Gracias por tu mensaje{{if .Name}}, {{.Name}}{{end}}.{{if .Course}} Sobre el curso "{{.Course.Name}}": {{price .Course}}{{if .Course.Duration}}, {{.Course.Duration}}{{end}}.{{end}} ¿Qué más te gustaría saber?`

	tmplAgentNoCourse = `Gracias por tu mensaje{{if .Name}}, {{.Name}}{{end}}. ¿Te gustaría que te muestre los cursos disponibles?`

	// SafeFallbackText carries no verifiable claims, so it always passes the
	// validator.
	SafeFallbackText = `Déjame confirmar ese dato y te respondo enseguida. 🙌`
)

var copyFuncs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"price": func(c models.CourseFacts) string { return FormatPrice(c.Price, c.Currency) },
}

var templates = template.Must(template.New("copy").Funcs(copyFuncs).Parse(`
{{define "consent_request"}}` + tmplConsentRequest + `{{end}}
{{define "consent_reprompt"}}` + tmplConsentReprompt + `{{end}}
{{define "ask_name"}}` + tmplAskName + `{{end}}
{{define "ask_role"}}` + tmplAskRole + `{{end}}
{{define "privacy_confirmed"}}` + tmplPrivacyConfirmed + `{{end}}
{{define "course_offer"}}` + tmplCourseOffer + `{{end}}
{{define "offer_retry"}}` + tmplOfferRetry + `{{end}}
{{define "catalog_unavailable"}}` + tmplCatalogUnavailable + `{{end}}
{{define "course_selected"}}` + tmplCourseSelected + `{{end}}
{{define "campaign"}}` + tmplCampaign + `{{end}}
{{define "agent_buying"}}` + tmplAgentBuying + `{{end}}
{{define "agent_price"}}` + tmplAgentPrice + `{{end}}
{{define "agent_general"}}` + tmplAgentGeneral + `{{end}}
{{define "agent_no_course"}}` + tmplAgentNoCourse + `{{end}}
`))

// copyData is the single data shape every template renders from.
type copyData struct {
	Name     string
	Headline string
	Course   *models.CourseFacts
	Courses  []models.CourseFacts
}

// render executes a named template. A template error yields the safe
// fallback; the templates are static so this only happens on a code bug.
func render(name string, data copyData) string {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("flow.render: template failed", "template", name, "error", err)
		return SafeFallbackText
	}
	return strings.TrimSpace(buf.String())
}

// FormatPrice renders an amount as "$4,500 MXN" or "$7,900.50 MXN".
func FormatPrice(amount float64, currency string) string {
	whole := math.Trunc(amount)
	cents := math.Round((amount - whole) * 100)
	if cents >= 100 {
		whole++
		cents = 0
	}
	digits := strconv.FormatInt(int64(whole), 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "$" + b.String()
	if cents > 0 {
		out += fmt.Sprintf(".%02d", int(cents))
	}
	if currency != "" {
		out += " " + strings.ToUpper(currency)
	}
	return out
}
