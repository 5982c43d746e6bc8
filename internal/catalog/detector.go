package catalog

import (
	"regexp"
	"strings"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_-]+)`)

// Detector maps inbound metadata to a configured campaign. It is pure: the
// same message and table always give the same answer.
type Detector struct {
	byTag map[string]models.Campaign
}

// NewDetector indexes campaigns by tag and by each of their hashtags.
func NewDetector(campaigns []models.Campaign) *Detector {
	d := &Detector{byTag: make(map[string]models.Campaign, len(campaigns))}
	for _, c := range campaigns {
		d.byTag[normalizeTag(c.Tag)] = c
		for _, h := range c.Hashtags {
			key := normalizeTag(h)
			if _, exists := d.byTag[key]; !exists {
				d.byTag[key] = c
			}
		}
	}
	return d
}

// Detect returns the campaign for the explicit tag, or else for the first
// known hashtag in the text. Unknown tags are not campaigns.
func (d *Detector) Detect(in models.InboundMessage) (models.Campaign, bool) {
	if d == nil || len(d.byTag) == 0 {
		return models.Campaign{}, false
	}
	if in.CampaignTag != "" {
		if c, ok := d.byTag[normalizeTag(in.CampaignTag)]; ok {
			return c, true
		}
	}
	for _, m := range hashtagPattern.FindAllStringSubmatch(in.Text, -1) {
		if c, ok := d.byTag[normalizeTag(m[1])]; ok {
			return c, true
		}
	}
	return models.Campaign{}, false
}

// Lookup returns the campaign for a stored tag.
func (d *Detector) Lookup(tag string) (models.Campaign, bool) {
	if d == nil {
		return models.Campaign{}, false
	}
	c, ok := d.byTag[normalizeTag(tag)]
	return c, ok
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}
