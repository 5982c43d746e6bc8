package validation

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ClaimKind classifies a factual assertion found in a candidate message.
type ClaimKind string

const (
	ClaimPrice    ClaimKind = "price"
	ClaimDuration ClaimKind = "duration"
	ClaimName     ClaimKind = "name"
)

// Claim is one verifiable span in a candidate message.
type Claim struct {
	Kind ClaimKind `json:"kind"`
	// Span is the text as it appears in the message.
	Span  string  `json:"span"`
	Start int     `json:"start"`
	Value float64 `json:"value,omitempty"`
	// Unit is the normalized unit class for durations.
	Unit string `json:"unit,omitempty"`
	// Name is the extracted course name for name claims.
	Name string `json:"name,omitempty"`
}

const numberPattern = `\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d+)?`

var (
	pricePrefixPattern = regexp.MustCompile(`(?i)(?:US\$|MX\$|\$|€|\b(?:MXN|USD|EUR|COP|ARS|CLP|PEN)\b)\s?(` + numberPattern + `)(\s?mil\b)?`)
	priceSuffixPattern = regexp.MustCompile(`(?i)(` + numberPattern + `)(\s?mil)?\s?(?:MXN|USD|EUR|COP|ARS|CLP|PEN|pesos|d[oó]lares|euros)\b`)
	// priceWordPattern catches bare amounts introduced by a price word, as in
	// "Precio: 9,999.00".
	priceWordPattern = regexp.MustCompile(`(?i)\b(?:precio|inversi[oó]n|costo|cuesta|vale)\b(?:\s+(?:es|de|del|total|final|regular))*\s*[:=]?\s*(` + numberPattern + `)(\s?mil\b)?`)
	durationPattern  = regexp.MustCompile(`(?i)(` + numberPattern + `)\s?(semanas|semana|weeks|week|horas|hora|hours|hour|hrs|hr|d[ií]as|d[ií]a|days|day|meses|mes|months|month|sesiones|sesi[oó]n|sessions|session|clases|clase|minutos|minuto|minutes|minute|mins|min)\b`)

	capitalRun  = `\p{Lu}[\p{L}\p{N}+#]*(?:\s+(?:(?:de|del|la|las|el|los|para|en|y|con|a|e)\s+)*[\p{Lu}\p{N}][\p{L}\p{N}+#]*)*`
	namePattern = regexp.MustCompile(`(?i:\b(?:curso|programa|taller|diplomado|bootcamp|course|workshop)\b)\s+(?:(?i:de|llamado|titulado|denominado)\s+)?(?:["“«*]+([^"”»*\n]{2,80}?)["”»*]+|(` + capitalRun + `))`)
)

var durationAtStart = regexp.MustCompile(`^(?:` + durationPattern.String() + `)`)

var unitClasses = map[string]string{
	"semana": "week", "semanas": "week", "week": "week", "weeks": "week",
	"hora": "hour", "horas": "hour", "hour": "hour", "hours": "hour", "hr": "hour", "hrs": "hour",
	"dia": "day", "dias": "day", "día": "day", "días": "day", "day": "day", "days": "day",
	"mes": "month", "meses": "month", "month": "month", "months": "month",
	"sesion": "session", "sesión": "session", "sesiones": "session", "session": "session", "sessions": "session",
	"clase": "session", "clases": "session",
	"minuto": "minute", "minutos": "minute", "minute": "minute", "minutes": "minute", "min": "minute", "mins": "minute",
}

// ExtractClaims returns every price, duration and course-name claim in text,
// ordered by position.
func ExtractClaims(text string) []Claim {
	var claims []Claim
	covered := make([][2]int, 0, 4)

	addPrice := func(loc []int, numIdx, milIdx int) {
		span := [2]int{loc[0], loc[1]}
		for _, c := range covered {
			if span[0] < c[1] && c[0] < span[1] {
				return
			}
		}
		v, ok := parseNumber(text[loc[numIdx]:loc[numIdx+1]])
		if !ok {
			return
		}
		if loc[milIdx] >= 0 {
			v *= 1000
		}
		covered = append(covered, span)
		claims = append(claims, Claim{Kind: ClaimPrice, Span: text[span[0]:span[1]], Start: span[0], Value: v})
	}
	for _, loc := range pricePrefixPattern.FindAllStringSubmatchIndex(text, -1) {
		addPrice(loc, 2, 4)
	}
	for _, loc := range priceSuffixPattern.FindAllStringSubmatchIndex(text, -1) {
		addPrice(loc, 2, 4)
	}
	for _, loc := range priceWordPattern.FindAllStringSubmatchIndex(text, -1) {
		// "la inversión de 8 semanas" is a duration, not an amount.
		if durationAtStart.MatchString(text[loc[2]:]) {
			continue
		}
		addPrice(loc, 2, 4)
	}

	for _, loc := range durationPattern.FindAllStringSubmatchIndex(text, -1) {
		v, ok := parseNumber(text[loc[2]:loc[3]])
		if !ok {
			continue
		}
		unit := unitClasses[strings.ToLower(text[loc[4]:loc[5]])]
		if unit == "" {
			continue
		}
		claims = append(claims, Claim{Kind: ClaimDuration, Span: text[loc[0]:loc[1]], Start: loc[0], Value: v, Unit: unit})
	}

	for _, loc := range namePattern.FindAllStringSubmatchIndex(text, -1) {
		var name string
		var start int
		switch {
		case loc[2] >= 0:
			name, start = text[loc[2]:loc[3]], loc[2]
		case loc[4] >= 0:
			name, start = text[loc[4]:loc[5]], loc[4]
		default:
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		claims = append(claims, Claim{Kind: ClaimName, Span: text[loc[0]:loc[1]], Start: start, Name: name})
	}

	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Start < claims[j].Start })
	return claims
}

// DurationFacts parses duration strings such as "4 semanas" or "12 horas"
// into value/unit pairs.
func DurationFacts(s string) []Claim {
	var out []Claim
	for _, loc := range durationPattern.FindAllStringSubmatchIndex(s, -1) {
		v, ok := parseNumber(s[loc[2]:loc[3]])
		if !ok {
			continue
		}
		if unit := unitClasses[strings.ToLower(s[loc[4]:loc[5]])]; unit != "" {
			out = append(out, Claim{Kind: ClaimDuration, Value: v, Unit: unit})
		}
	}
	return out
}

// parseNumber handles both "4,500.00" and "4.500,00" conventions. A single
// separator followed by exactly three digits is a thousands separator.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0 || lastComma >= 0:
		sep := byte('.')
		if lastComma >= 0 {
			sep = ','
		}
		idx := strings.LastIndexByte(s, sep)
		groups := strings.Count(s, string(sep))
		if groups > 1 || len(s)-idx-1 == 3 {
			s = strings.ReplaceAll(s, string(sep), "")
		} else if sep == ',' {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
