package models

import (
	"strings"
)

// CourseFacts is the authoritative record for one course.
type CourseFacts struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Price       float64  `json:"price" yaml:"price" validate:"gte=0"`
	Currency    string   `json:"currency" yaml:"currency"`
	Duration    string   `json:"duration" yaml:"duration"`
	Sessions    int      `json:"sessions,omitempty" yaml:"sessions"`
	Level       string   `json:"level,omitempty" yaml:"level"`
	Modality    string   `json:"modality,omitempty" yaml:"modality"`
	Description string   `json:"description,omitempty" yaml:"description"`
	MediaURLs   []string `json:"media_urls,omitempty" yaml:"media_urls"`
}

// FactSnapshot is the read-only set of course facts relevant to one turn,
// keyed by course id.
type FactSnapshot map[string]CourseFacts

// NewFactSnapshot builds a snapshot from a list of facts. Later duplicates win.
func NewFactSnapshot(courses ...CourseFacts) FactSnapshot {
	snap := make(FactSnapshot, len(courses))
	for _, c := range courses {
		if c.ID == "" {
			continue
		}
		snap[c.ID] = c
	}
	return snap
}

// Add inserts or replaces a course in the snapshot.
func (s FactSnapshot) Add(c CourseFacts) {
	if c.ID == "" {
		return
	}
	s[c.ID] = c
}

// Names returns the course names in the snapshot.
func (s FactSnapshot) Names() []string {
	names := make([]string, 0, len(s))
	for _, c := range s {
		if strings.TrimSpace(c.Name) != "" {
			names = append(names, c.Name)
		}
	}
	return names
}

// Prices returns the course prices in the snapshot.
func (s FactSnapshot) Prices() []float64 {
	prices := make([]float64, 0, len(s))
	for _, c := range s {
		prices = append(prices, c.Price)
	}
	return prices
}

// Campaign maps a campaign tag to the course it advertises.
type Campaign struct {
	Tag      string   `json:"tag" yaml:"tag" validate:"required"`
	CourseID string   `json:"course_id" yaml:"course_id" validate:"required"`
	Hashtags []string `json:"hashtags,omitempty" yaml:"hashtags"`
	// Headline is an optional hook shown before the course presentation.
	Headline string `json:"headline,omitempty" yaml:"headline"`
}
