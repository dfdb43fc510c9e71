// Package domain defines the media item, filter and error types shared by the
// embedding, storage, query and ingestion packages.
package domain

import (
	"strings"
	"time"
)

// DefaultDim is the embedding width produced by the default image/text model.
const DefaultDim = 1536

// DefaultTopK is used when a search asks for a non-positive number of results.
const DefaultTopK = 10

// DateLayout is the calendar format used for shot dates on the wire.
const DateLayout = "2006-01-02"

// MediaItem is a single photo (or text note) tracked by the catalog.
type MediaItem struct {
	ID        string    `json:"id"`
	Ref       string    `json:"ref"` // file path, URL or object-storage key
	Building  string    `json:"building"`
	ShotDate  time.Time `json:"shot_date"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ShotYMD returns the shot date encoded as YYYYMMDD.
func (m MediaItem) ShotYMD() int {
	return YMD(m.ShotDate)
}

// ShotDateString returns the shot date in DateLayout.
func (m MediaItem) ShotDateString() string {
	return m.ShotDate.Format(DateLayout)
}

// YMD encodes a calendar date as an integer YYYYMMDD.
func YMD(t time.Time) int {
	y, mo, d := t.Date()
	return y*10000 + int(mo)*100 + d
}

// ParseDate accepts "YYYY-MM-DD" or "YYYYMMDD".
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) == 8 && !strings.Contains(s, "-") {
		return time.Parse("20060102", s)
	}
	return time.Parse(DateLayout, s)
}

// ParseYMD converts a date string to its YYYYMMDD integer form.
func ParseYMD(s string) (int, error) {
	t, err := ParseDate(s)
	if err != nil {
		return 0, NewValidationError("date", s, ErrInvalidDate)
	}
	return YMD(t), nil
}

// Filters narrows a similarity search. Empty fields are ignored.
type Filters struct {
	Building string `json:"building,omitempty"`
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`
}

// DateRange is an inclusive YYYYMMDD range. Zero bounds are open.
type DateRange struct {
	From int
	To   int
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool { return r.From == 0 && r.To == 0 }

// Contains reports whether ymd falls inside the range.
func (r DateRange) Contains(ymd int) bool {
	if r.From != 0 && ymd < r.From {
		return false
	}
	if r.To != 0 && ymd > r.To {
		return false
	}
	return true
}

// Range parses DateFrom/DateTo into integer bounds.
func (f Filters) Range() (DateRange, error) {
	var r DateRange
	var err error
	if f.DateFrom != "" {
		if r.From, err = ParseYMD(f.DateFrom); err != nil {
			return DateRange{}, err
		}
	}
	if f.DateTo != "" {
		if r.To, err = ParseYMD(f.DateTo); err != nil {
			return DateRange{}, err
		}
	}
	return r, nil
}

// Metadata keys written next to every stored vector.
const (
	MetaID       = "id"
	MetaBuilding = "building"
	MetaShotDate = "shot_date"
	MetaShotYMD  = "shot_ymd"
	MetaImageURL = "image_url"
	MetaS3Key    = "s3_key"
	MetaNotes    = "notes"
)

// Metadata builds the payload stored with the item's vector. refKey selects
// MetaImageURL or MetaS3Key for the reference.
func (m MediaItem) Metadata(refKey, ref string) map[string]any {
	if refKey == "" {
		refKey = MetaImageURL
	}
	return map[string]any{
		MetaID:       m.ID,
		MetaBuilding: m.Building,
		MetaShotDate: m.ShotDateString(),
		MetaShotYMD:  m.ShotYMD(),
		refKey:       ref,
		MetaNotes:    m.Notes,
	}
}
