// Package validation implements the response validator that gates every
// outbound message against ground-truth course facts.
package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

// priceTolerance absorbs float rounding from decimal parsing.
const priceTolerance = 0.005

// Rejection records one claim that the snapshot does not support.
type Rejection struct {
	Claim  Claim  `json:"claim"`
	Reason string `json:"reason"`
}

// Verdict is the result of validating one candidate message.
type Verdict struct {
	Accepted bool        `json:"accepted"`
	Claims   []Claim     `json:"claims,omitempty"`
	Reasons  []Rejection `json:"reasons,omitempty"`
}

// Spans returns the offending spans in order of appearance.
func (v Verdict) Spans() []string {
	out := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		out = append(out, r.Claim.Span)
	}
	return out
}

// Validate checks every claim in text against snap. A text with no claims is
// accepted. Validate has no side effects, so the same inputs always give the
// same verdict.
func Validate(text string, snap models.FactSnapshot) Verdict {
	claims := ExtractClaims(text)
	verdict := Verdict{Accepted: true, Claims: claims}
	if len(claims) == 0 {
		return verdict
	}

	facts := indexSnapshot(snap)
	for _, c := range claims {
		var reason string
		switch c.Kind {
		case ClaimPrice:
			if !facts.hasPrice(c.Value) {
				reason = fmt.Sprintf("price %s is not a known course price", formatValue(c.Value))
			}
		case ClaimDuration:
			if !facts.hasDuration(c.Value, c.Unit) {
				reason = fmt.Sprintf("duration %s %s is not a known course duration", formatValue(c.Value), c.Unit)
			}
		case ClaimName:
			if !facts.hasName(c.Name) {
				reason = fmt.Sprintf("course name %q is not in the catalog context", c.Name)
			}
		}
		if reason != "" {
			verdict.Accepted = false
			verdict.Reasons = append(verdict.Reasons, Rejection{Claim: c, Reason: reason})
		}
	}
	return verdict
}

type durationKey struct {
	value float64
	unit  string
}

type factIndex struct {
	prices    []float64
	durations map[durationKey]bool
	names     []string
}

func indexSnapshot(snap models.FactSnapshot) factIndex {
	idx := factIndex{durations: make(map[durationKey]bool)}
	for _, c := range snap {
		idx.prices = append(idx.prices, c.Price)
		for _, d := range DurationFacts(c.Duration) {
			idx.durations[durationKey{d.Value, d.Unit}] = true
		}
		if c.Sessions > 0 {
			idx.durations[durationKey{float64(c.Sessions), "session"}] = true
		}
		if n := util.FoldText(c.Name); n != "" {
			idx.names = append(idx.names, n)
		}
	}
	return idx
}

func (f factIndex) hasPrice(v float64) bool {
	for _, p := range f.prices {
		if math.Abs(p-v) <= priceTolerance {
			return true
		}
	}
	return false
}

func (f factIndex) hasDuration(v float64, unit string) bool {
	return f.durations[durationKey{v, unit}]
}

// hasName accepts an exact normalized match, a claim that continues past a
// known name (the capital run swallowed the next word), or a partial name of
// at least two words.
func (f factIndex) hasName(claim string) bool {
	c := util.FoldText(strings.Trim(claim, `"'“”«»*`))
	if c == "" {
		return true
	}
	for _, n := range f.names {
		if c == n || strings.HasPrefix(c, n+" ") {
			return true
		}
		if len(strings.Fields(c)) >= 2 && strings.HasPrefix(n, c+" ") {
			return true
		}
	}
	return false
}

func formatValue(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}
