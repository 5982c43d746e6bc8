package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

func testSnapshot() models.FactSnapshot {
	return models.NewFactSnapshot(
		models.CourseFacts{ID: "ia-101", Name: "IA para Líderes", Price: 4500, Currency: "MXN", Duration: "4 semanas", Sessions: 8},
		models.CourseFacts{ID: "ds-200", Name: "Ciencia de Datos Aplicada", Price: 7900.50, Currency: "MXN", Duration: "12 horas"},
	)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"4500", 4500},
		{"4,500", 4500},
		{"4.500", 4500},
		{"4,500.00", 4500},
		{"4.500,00", 4500},
		{"7,900.50", 7900.5},
		{"1.5", 1.5},
		{"1,5", 1.5},
		{"1,250,000", 1250000},
	}
	for _, tt := range tests {
		got, ok := parseNumber(tt.in)
		require.True(t, ok, tt.in)
		assert.InDelta(t, tt.want, got, 0.0001, tt.in)
	}
}

func TestExtractClaims(t *testing.T) {
	claims := ExtractClaims(`Te recomiendo el curso "IA para Líderes": dura 4 semanas y cuesta $4,500 MXN.`)
	require.Len(t, claims, 3)
	assert.Equal(t, ClaimName, claims[0].Kind)
	assert.Equal(t, "IA para Líderes", claims[0].Name)
	assert.Equal(t, ClaimDuration, claims[1].Kind)
	assert.Equal(t, "week", claims[1].Unit)
	assert.Equal(t, ClaimPrice, claims[2].Kind)
	assert.Equal(t, 4500.0, claims[2].Value)
}

func TestExtractClaimsPriceForms(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"solo $9999", 9999},
		{"MXN 4,500", 4500},
		{"4500 pesos", 4500},
		{"7.900,50 MXN", 7900.5},
		{"4 mil pesos", 4000},
		{"US$ 250", 250},
		{"Precio: 9,999.00", 9999},
		{"la inversión es de 4500", 4500},
		{"cuesta 3 mil", 3000},
	}
	for _, tt := range tests {
		claims := ExtractClaims(tt.text)
		require.Len(t, claims, 1, tt.text)
		assert.Equal(t, ClaimPrice, claims[0].Kind, tt.text)
		assert.InDelta(t, tt.want, claims[0].Value, 0.001, tt.text)
	}
}

func TestValidate(t *testing.T) {
	snap := testSnapshot()
	tests := []struct {
		name     string
		text     string
		accepted bool
		spans    []string
	}{
		{"no claims", "¡Hola! ¿En qué te puedo ayudar hoy?", true, nil},
		{"known price", "El curso cuesta $4,500 MXN.", true, nil},
		{"known price european format", "Inversión: 7.900,50 MXN", true, nil},
		{"unknown price", "El curso cuesta $9999.", false, []string{"$9999"}},
		{"bare amount after price word", "Precio: 9,999.00", false, []string{"Precio: 9,999.00"}},
		{"known bare amount after price word", "Precio: 4,500", true, nil},
		{"price word before a duration", "La inversión de 4 semanas vale la pena.", true, nil},
		{"known duration", "Son 4 semanas con 8 sesiones en vivo.", true, nil},
		{"known hours", "Tiene 12 horas de contenido.", true, nil},
		{"unknown duration", "Dura 6 semanas.", false, []string{"6 semanas"}},
		{"known name", "Te recomiendo el curso Ciencia de Datos Aplicada.", true, nil},
		{"known name accent insensitive", "El programa \"IA para lideres\" es ideal.", true, nil},
		{"name run swallowing next word", "El curso IA para Líderes Te ayudará.", true, nil},
		{"partial name two words", "El curso Ciencia de Datos te encantará.", true, nil},
		{"invented name", "Tenemos el curso Blockchain Avanzado.", false, []string{"curso Blockchain Avanzado"}},
		{"multiple offenses ordered", "El taller Marketing Digital dura 3 meses y cuesta $1,200.", false,
			[]string{"taller Marketing Digital", "3 meses", "$1,200"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.text, snap)
			assert.Equal(t, tt.accepted, v.Accepted, "reasons: %+v", v.Reasons)
			if !tt.accepted {
				assert.Equal(t, tt.spans, v.Spans())
			}
		})
	}
}

func TestValidateEmptySnapshotRejectsAnyClaim(t *testing.T) {
	v := Validate("Cuesta $4,500 MXN", models.FactSnapshot{})
	assert.False(t, v.Accepted)
	assert.True(t, Validate("Hola, ¿cómo estás?", models.FactSnapshot{}).Accepted)
}

func TestValidateIsIdempotent(t *testing.T) {
	snap := testSnapshot()
	text := "El curso IA para Líderes cuesta $9,999 y dura 4 semanas."
	first := Validate(text, snap)
	second := Validate(text, snap)
	assert.Equal(t, first, second)
	assert.False(t, first.Accepted)
}
