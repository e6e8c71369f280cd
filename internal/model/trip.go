package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sells-group/trip-planner/internal/resilience"
)

const (
	dateLayout    = "2006-01-02"
	maxTripNights = 60
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TripRequest is the intake form payload accepted at the boundary.
type TripRequest struct {
	Destination string   `json:"destination" validate:"required,max=200"`
	Origin      string   `json:"origin,omitempty" validate:"max=200"`
	StartDate   string   `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate     string   `json:"endDate" validate:"required,datetime=2006-01-02"`
	Travelers   int      `json:"travelers" validate:"min=1,max=20"`
	BudgetLevel string   `json:"budgetLevel,omitempty" validate:"omitempty,oneof=budget moderate luxury"`
	Interests   []string `json:"interests,omitempty" validate:"max=20,dive,required,max=60"`
	Pace        string   `json:"pace,omitempty" validate:"omitempty,oneof=relaxed balanced packed"`
	Notes       string   `json:"notes,omitempty" validate:"max=4000"`
}

// ParseTripRequest decodes and validates raw form data. Unknown fields are
// rejected so typos surface as 400s instead of being ignored.
func ParseTripRequest(raw json.RawMessage) (*TripRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, resilience.NewValidationError("formData", "is required")
	}
	if trimmed[0] != '{' {
		return nil, resilience.NewValidationError("formData", "must be an object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var req TripRequest
	if err := dec.Decode(&req); err != nil {
		return nil, resilience.NewValidationError("formData", err.Error())
	}
	if req.Travelers == 0 {
		req.Travelers = 1
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks struct tags and cross-field rules.
func (r *TripRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return resilience.NewValidationError("formData", err.Error())
	}

	start, _ := time.Parse(dateLayout, r.StartDate)
	end, _ := time.Parse(dateLayout, r.EndDate)
	if end.Before(start) {
		return resilience.NewValidationError("formData.endDate", "must not be before startDate")
	}
	if nights := int(end.Sub(start).Hours() / 24); nights > maxTripNights {
		return resilience.NewValidationError("formData.endDate", fmt.Sprintf("trip longer than %d nights", maxTripNights))
	}
	return nil
}

func fieldError(e validator.FieldError) *resilience.ValidationError {
	field := "formData." + lowerFirst(e.Field())
	switch e.Tag() {
	case "required":
		return resilience.NewValidationError(field, "is required")
	case "datetime":
		return resilience.NewValidationError(field, "must be a date (YYYY-MM-DD)")
	case "oneof":
		return resilience.NewValidationError(field, "must be one of ["+e.Param()+"]")
	case "min", "max":
		return resilience.NewValidationError(field, fmt.Sprintf("must satisfy %s=%s", e.Tag(), e.Param()))
	default:
		return resilience.NewValidationError(field, "failed "+e.Tag())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// TripIntent is the normalized output of the data-gather stage.
type TripIntent struct {
	Destination string    `json:"destination"`
	Origin      string    `json:"origin,omitempty"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Nights      int       `json:"nights"`
	Travelers   int       `json:"travelers"`
	BudgetLevel string    `json:"budgetLevel"`
	Interests   []string  `json:"interests"`
	Pace        string    `json:"pace"`
	Notes       string    `json:"notes,omitempty"`
	// Depth is 1..5 and grows with trip length, interests and budget tier.
	Depth int `json:"depth"`
}

// Normalize turns a validated request into a TripIntent. It makes no
// network calls.
func (r *TripRequest) Normalize() (*TripIntent, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	start, _ := time.Parse(dateLayout, r.StartDate)
	end, _ := time.Parse(dateLayout, r.EndDate)

	intent := &TripIntent{
		Destination: strings.Join(strings.Fields(r.Destination), " "),
		Origin:      strings.Join(strings.Fields(r.Origin), " "),
		StartDate:   start,
		EndDate:     end,
		Nights:      int(end.Sub(start).Hours() / 24),
		Travelers:   max(r.Travelers, 1),
		BudgetLevel: r.BudgetLevel,
		Pace:        r.Pace,
		Notes:       strings.TrimSpace(r.Notes),
	}
	if intent.BudgetLevel == "" {
		intent.BudgetLevel = "moderate"
	}
	if intent.Pace == "" {
		intent.Pace = "balanced"
	}

	seen := make(map[string]bool, len(r.Interests))
	for _, in := range r.Interests {
		k := strings.ToLower(strings.TrimSpace(in))
		if k != "" && !seen[k] {
			seen[k] = true
			intent.Interests = append(intent.Interests, k)
		}
	}
	slices.Sort(intent.Interests)

	depth := 1
	switch {
	case intent.Nights > 14:
		depth += 2
	case intent.Nights > 5:
		depth++
	}
	if len(intent.Interests) > 4 {
		depth++
	}
	if intent.BudgetLevel == "luxury" || intent.Travelers > 6 {
		depth++
	}
	intent.Depth = min(depth, 5)
	return intent, nil
}
