package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trip-planner/internal/resilience"
)

func TestParseTripRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{"missing", ``, "formData"},
		{"null", `null`, "formData"},
		{"array", `[1,2]`, "formData"},
		{"unknown field", `{"destination":"Lisbon","startDate":"2026-05-01","endDate":"2026-05-04","color":"red"}`, "formData"},
		{"no destination", `{"startDate":"2026-05-01","endDate":"2026-05-04"}`, "formData.destination"},
		{"bad date", `{"destination":"Lisbon","startDate":"May 1","endDate":"2026-05-04"}`, "formData.startDate"},
		{"bad pace", `{"destination":"Lisbon","startDate":"2026-05-01","endDate":"2026-05-04","pace":"frantic"}`, "formData.pace"},
		{"end before start", `{"destination":"Lisbon","startDate":"2026-05-04","endDate":"2026-05-01"}`, "formData.endDate"},
		{"too long", `{"destination":"Lisbon","startDate":"2026-01-01","endDate":"2026-06-01"}`, "formData.endDate"},
		{"too many travelers", `{"destination":"Lisbon","startDate":"2026-05-01","endDate":"2026-05-04","travelers":50}`, "formData.travelers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTripRequest(json.RawMessage(tt.raw))
			require.Error(t, err)
			var ve *resilience.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestParseTripRequest_DefaultsTravelers(t *testing.T) {
	t.Parallel()
	req, err := ParseTripRequest(json.RawMessage(`{"destination":"Kyoto","startDate":"2026-04-01","endDate":"2026-04-08"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, req.Travelers)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	req := &TripRequest{
		Destination: "  Kyoto,   Japan ",
		StartDate:   "2026-04-01",
		EndDate:     "2026-04-20",
		Travelers:   2,
		BudgetLevel: "luxury",
		Interests:   []string{"Food", "temples", "food ", "Hiking", "art", "onsen"},
	}
	intent, err := req.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "Kyoto, Japan", intent.Destination)
	assert.Equal(t, 19, intent.Nights)
	assert.Equal(t, []string{"art", "food", "hiking", "onsen", "temples"}, intent.Interests)
	assert.Equal(t, "balanced", intent.Pace)
	// 1 + 2 (long) + 1 (interests) + 1 (luxury)
	assert.Equal(t, 5, intent.Depth)
}

func TestNormalize_ShortTripIsShallow(t *testing.T) {
	t.Parallel()
	req := &TripRequest{Destination: "Porto", StartDate: "2026-04-01", EndDate: "2026-04-03", Travelers: 1}
	intent, err := req.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 1, intent.Depth)
	assert.Equal(t, "moderate", intent.BudgetLevel)
}
