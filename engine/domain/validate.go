package domain

import (
	"strings"
)

const maxBuildingLength = 128

// ValidateItem checks the fields the ingestion pipeline depends on.
func ValidateItem(m MediaItem) error {
	if strings.TrimSpace(m.ID) == "" {
		return NewValidationError("id", m.ID, ErrInvalidInput)
	}
	if strings.TrimSpace(m.Ref) == "" {
		return NewValidationError("ref", m.Ref, ErrInvalidInput)
	}
	if b := strings.TrimSpace(m.Building); b == "" || len(b) > maxBuildingLength {
		return NewValidationError("building", m.Building, ErrInvalidInput)
	}
	if m.ShotDate.IsZero() {
		return NewValidationError("shot_date", "", ErrInvalidDate)
	}
	return nil
}

// NormalizeTopK clamps non-positive values to DefaultTopK.
func NormalizeTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	return k
}
