package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

var validate = validator.New()

// File is the catalog configuration: seed courses and the campaign table.
type File struct {
	Courses   []models.CourseFacts `yaml:"courses" validate:"dive"`
	Campaigns []models.Campaign    `yaml:"campaigns" validate:"dive"`
}

// Seeder receives the seed courses.
type Seeder interface {
	UpsertCourses(ctx context.Context, courses []models.CourseFacts) error
}

// LoadFile reads and validates a YAML catalog file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates catalog YAML.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	ids := make(map[string]bool, len(f.Courses))
	for _, c := range f.Courses {
		if ids[c.ID] {
			return nil, fmt.Errorf("invalid catalog: duplicate course id %q", c.ID)
		}
		ids[c.ID] = true
	}
	tags := make(map[string]bool, len(f.Campaigns))
	for _, c := range f.Campaigns {
		key := normalizeTag(c.Tag)
		if tags[key] {
			return nil, fmt.Errorf("invalid catalog: duplicate campaign tag %q", c.Tag)
		}
		tags[key] = true
	}
	return &f, nil
}

// Seed upserts the file's courses into the store.
func (f *File) Seed(ctx context.Context, s Seeder) error {
	if len(f.Courses) == 0 {
		return nil
	}
	if err := s.UpsertCourses(ctx, f.Courses); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	slog.Info("File.Seed: courses seeded", "count", len(f.Courses))
	return nil
}
