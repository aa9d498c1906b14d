package extcron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	now := time.Date(2024, 5, 2, 10, 0, 30, 0, time.UTC)
	p := NewParser()

	tests := []struct {
		spec string
		next time.Time
	}{
		{"@minutely", time.Date(2024, 5, 2, 10, 1, 0, 0, time.UTC)},
		{"@every 30s", now.Add(30 * time.Second)},
		{"0 */5 * * * *", time.Date(2024, 5, 2, 10, 5, 0, 0, time.UTC)},
		{"@at 2024-05-03T09:00:00Z", time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC)},
		{"@at 2024-05-01T09:00:00Z", time.Time{}},
		{"@manually", time.Time{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.spec, func(t *testing.T) {
			s, err := p.Parse(tt.spec)
			require.NoError(t, err)
			assert.True(t, tt.next.Equal(s.Next(now)), "got %s", s.Next(now))
		})
	}
}

func TestParseErrors(t *testing.T) {
	p := NewParser()
	for _, spec := range []string{"@at tomorrow", "* * *", "@sometimes"} {
		_, err := p.Parse(spec)
		assert.Error(t, err, spec)
	}
}
