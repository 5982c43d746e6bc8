package util

import (
	"testing"
	"time"
)

func TestParseEnvHelpers(t *testing.T) {
	t.Setenv("BRENDA_TEST_BOOL", "yes")
	t.Setenv("BRENDA_TEST_INT", "7")
	t.Setenv("BRENDA_TEST_BAD_INT", "seven")
	t.Setenv("BRENDA_TEST_FLOAT", "2.5")
	t.Setenv("BRENDA_TEST_DURATION", "45s")
	t.Setenv("BRENDA_TEST_BAD_DURATION", "-3s")

	if !ParseBoolEnv("BRENDA_TEST_BOOL", false) {
		t.Error("ParseBoolEnv should accept yes")
	}
	if got := ParseIntEnv("BRENDA_TEST_INT", 3); got != 7 {
		t.Errorf("ParseIntEnv = %d, want 7", got)
	}
	if got := ParseIntEnv("BRENDA_TEST_BAD_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv invalid = %d, want default 3", got)
	}
	if got := ParseFloatEnv("BRENDA_TEST_FLOAT", 1); got != 2.5 {
		t.Errorf("ParseFloatEnv = %v, want 2.5", got)
	}
	if got := ParseDurationEnv("BRENDA_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 45s", got)
	}
	if got := ParseDurationEnv("BRENDA_TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv negative = %v, want default", got)
	}
	if got := GetenvDefault("BRENDA_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetenvDefault = %q", got)
	}
}

func TestFoldText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Inteligencia  Artificial", "inteligencia artificial"},
		{"Diseño Estratégico", "diseno estrategico"},
		{"  HÍBRIDO ", "hibrido"},
	}
	for _, tt := range tests {
		if got := FoldText(tt.in); got != tt.want {
			t.Errorf("FoldText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if !ContainsFolded("Curso de Análisis de Datos", "analisis") {
		t.Error("ContainsFolded should ignore accents")
	}
	if ContainsFolded("anything", "  ") {
		t.Error("blank needle should not match")
	}
}
