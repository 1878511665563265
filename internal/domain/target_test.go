package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTarget_DueAt(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name        string
		lastChecked *time.Time
		interval    int
		want        bool
	}{
		{"never checked", nil, 60, true},
		{"past interval", at(61 * time.Minute), 60, true},
		{"exactly interval", at(60 * time.Minute), 60, true},
		{"within interval", at(10 * time.Minute), 60, false},
		{"one minute interval", at(time.Minute), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := Target{IntervalMinutes: tt.interval, LastChecked: tt.lastChecked}
			assert.Equal(t, tt.want, target.DueAt(now))
		})
	}
}

func TestTarget_Validate(t *testing.T) {
	valid := Target{URL: "https://example.com", Name: "home", IntervalMinutes: 5}
	assert.NoError(t, valid.Validate())

	noURL := valid
	noURL.URL = " "
	assert.Error(t, noURL.Validate())

	noName := valid
	noName.Name = ""
	assert.Error(t, noName.Validate())

	zeroInterval := valid
	zeroInterval.IntervalMinutes = 0
	assert.Error(t, zeroInterval.Validate())
}
