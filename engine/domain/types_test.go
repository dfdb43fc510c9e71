package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYMD(t *testing.T) {
	d := time.Date(2024, time.June, 15, 13, 4, 0, 0, time.UTC)
	assert.Equal(t, 20240615, YMD(d))
}

func TestParseYMD_Formats(t *testing.T) {
	for _, s := range []string{"2024-06-15", "20240615", " 2024-06-15 "} {
		got, err := ParseYMD(s)
		require.NoError(t, err, s)
		assert.Equal(t, 20240615, got, s)
	}
}

func TestParseYMD_Invalid(t *testing.T) {
	_, err := ParseYMD("15/06/2024")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDate))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFilters_RangeBoundary(t *testing.T) {
	r, err := Filters{DateFrom: "2024-06-15", DateTo: "2024-06-15"}.Range()
	require.NoError(t, err)
	assert.True(t, r.Contains(20240615))

	r, err = Filters{DateFrom: "2024-06-15", DateTo: "2024-06-14"}.Range()
	require.NoError(t, err)
	assert.False(t, r.Contains(20240615))
}

func TestFilters_OpenBounds(t *testing.T) {
	r, err := Filters{}.Range()
	require.NoError(t, err)
	assert.True(t, r.IsZero())
	assert.True(t, r.Contains(19000101))

	r, err = Filters{DateFrom: "2024-01-01"}.Range()
	require.NoError(t, err)
	assert.False(t, r.Contains(20231231))
	assert.True(t, r.Contains(20991231))
}

func TestMediaItem_Metadata(t *testing.T) {
	item := MediaItem{
		ID:       "a1",
		Ref:      "images/a1.jpg",
		Building: "Tower A",
		ShotDate: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		Notes:    "north facade",
	}
	meta := item.Metadata(MetaS3Key, item.Ref)
	assert.Equal(t, "a1", meta[MetaID])
	assert.Equal(t, "Tower A", meta[MetaBuilding])
	assert.Equal(t, "2024-06-15", meta[MetaShotDate])
	assert.Equal(t, 20240615, meta[MetaShotYMD])
	assert.Equal(t, "images/a1.jpg", meta[MetaS3Key])
	assert.NotContains(t, meta, MetaImageURL)

	meta = item.Metadata("", "https://cdn.example/a1.jpg")
	assert.Equal(t, "https://cdn.example/a1.jpg", meta[MetaImageURL])
}

func TestValidateItem(t *testing.T) {
	ok := MediaItem{ID: "x", Ref: "r", Building: "B", ShotDate: time.Now()}
	require.NoError(t, ValidateItem(ok))

	cases := map[string]MediaItem{
		"id":       {Ref: "r", Building: "B", ShotDate: time.Now()},
		"ref":      {ID: "x", Building: "B", ShotDate: time.Now()},
		"building": {ID: "x", Ref: "r", ShotDate: time.Now()},
		"date":     {ID: "x", Ref: "r", Building: "B"},
	}
	for name, item := range cases {
		err := ValidateItem(item)
		assert.True(t, errors.Is(err, ErrInvalidInput), name)
	}
}
