package extcron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ExtParser is a parser extending robfig/cron v3 standard parser with
// several additional descriptors
type ExtParser struct {
	parser cron.Parser
}

// NewParser creates an ExtParser instance
func NewParser() cron.ScheduleParser {
	return ExtParser{cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)}
}

// Parse parses a cron schedule specification. It accepts the cron spec with
// mandatory seconds parameter, descriptors and the custom descriptors
// "@at <date>", "@manually" and "@minutely".
func (p ExtParser) Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "@manually":
		return At(time.Time{}), nil
	case "@minutely":
		spec = "0 * * * * *"
	}

	const at = "@at "
	if strings.HasPrefix(spec, at) {
		date, err := time.Parse(time.RFC3339, strings.TrimSpace(spec[len(at):]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %s", spec, err)
		}
		return At(date), nil
	}

	return p.parser.Parse(spec)
}

// SimpleSchedule fires once at Date.
type SimpleSchedule struct {
	Date time.Time
}

func At(date time.Time) SimpleSchedule {
	return SimpleSchedule{Date: date}
}

// Next returns Date while it is still ahead of t and the zero time after,
// which the cron runner reads as never.
func (schedule SimpleSchedule) Next(t time.Time) time.Time {
	if schedule.Date.After(t) {
		return schedule.Date
	}
	return time.Time{}
}
