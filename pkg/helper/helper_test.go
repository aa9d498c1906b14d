package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysBetween(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skip("tzdata not available")
	}
	a := time.Date(2024, 3, 1, 23, 30, 0, 0, seoul)
	b := time.Date(2024, 3, 4, 0, 10, 0, 0, seoul)

	assert.Equal(t, 3, DaysBetween(a, b))
	assert.Equal(t, -3, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a.Add(10*time.Minute)))
}

func TestAddBusinessDays(t *testing.T) {
	friday := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), AddBusinessDays(friday, 1, true))
	assert.Equal(t, time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC), AddBusinessDays(friday, 5, true))
	assert.Equal(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), AddBusinessDays(friday, 1, false))
	assert.Equal(t, friday, AddBusinessDays(friday, 0, true))
}

func TestIsTag(t *testing.T) {
	assert.True(t, IsTag("retry"))
	assert.True(t, IsTag("original-execution-42"))
	assert.False(t, IsTag("Has Space"))
	assert.False(t, IsTag(""))
}
