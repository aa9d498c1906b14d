package workflow

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/THPTUHA/careflow/pkg/condition"
	json "github.com/goccy/go-json"
)

const DefaultTriggerType = "surgery_completed"

type TriggerNode struct {
	TriggerType string `json:"triggerType"`
}

func (*TriggerNode) Kind() Kind  { return KindTrigger }
func (*TriggerNode) isNodeData() {}

func (t *TriggerNode) Validate() error {
	if t.TriggerType == "" {
		return fmt.Errorf("triggerType is required")
	}
	return nil
}

type ActionType string

const (
	ActionSendSMS   ActionType = "send_sms"
	ActionSendKakao ActionType = "send_kakao"
	ActionSendEmail ActionType = "send_email"
)

type ActionNode struct {
	ActionType      ActionType `json:"actionType"`
	MessageTemplate string     `json:"messageTemplate"`
	TemplateID      string     `json:"templateId,omitempty"`
	Subject         string     `json:"subject,omitempty"`
	// HaltOnError fails the whole run when this action fails instead of
	// only skipping its descendants.
	HaltOnError bool `json:"haltOnError,omitempty"`
}

func (*ActionNode) Kind() Kind  { return KindAction }
func (*ActionNode) isNodeData() {}

func (a *ActionNode) UnmarshalJSON(b []byte) error {
	var raw struct {
		ActionType       ActionType `json:"actionType"`
		MessageTemplate  string     `json:"messageTemplate"`
		MessageTemplate2 string     `json:"message_template"`
		TemplateID       string     `json:"templateId"`
		Subject          string     `json:"subject"`
		HaltOnError      bool       `json:"haltOnError"`
		EmailConfig      *struct {
			Subject string `json:"subject"`
		} `json:"emailConfig"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.ActionType = raw.ActionType
	a.MessageTemplate = raw.MessageTemplate
	if a.MessageTemplate == "" {
		a.MessageTemplate = raw.MessageTemplate2
	}
	a.TemplateID = raw.TemplateID
	a.Subject = raw.Subject
	if a.Subject == "" && raw.EmailConfig != nil {
		a.Subject = raw.EmailConfig.Subject
	}
	a.HaltOnError = raw.HaltOnError
	return nil
}

// Channel is the messaging channel the action sends on.
func (a *ActionNode) Channel() string {
	switch a.ActionType {
	case ActionSendKakao:
		return "kakao"
	case ActionSendEmail:
		return "email"
	default:
		return "sms"
	}
}

func (a *ActionNode) Validate() error {
	switch a.ActionType {
	case ActionSendSMS, ActionSendKakao:
	case ActionSendEmail:
		if a.Subject == "" {
			return fmt.Errorf("send_email requires a subject")
		}
	default:
		return fmt.Errorf("unknown actionType %q", a.ActionType)
	}
	if strings.TrimSpace(a.MessageTemplate) == "" && a.TemplateID == "" {
		return fmt.Errorf("messageTemplate or templateId is required")
	}
	return nil
}

type ConditionNode struct {
	Condition condition.Condition `json:"condition"`
}

func (*ConditionNode) Kind() Kind  { return KindCondition }
func (*ConditionNode) isNodeData() {}

// UnmarshalJSON accepts both {"condition": {...}} and the flat
// {"variable", "operator", "value"} form.
func (c *ConditionNode) UnmarshalJSON(b []byte) error {
	var nested struct {
		Condition *condition.Condition `json:"condition"`
	}
	if err := json.Unmarshal(b, &nested); err != nil {
		return err
	}
	if nested.Condition != nil {
		c.Condition = *nested.Condition
		return nil
	}
	return json.Unmarshal(b, &c.Condition)
}

func (c *ConditionNode) Validate() error {
	if c.Condition.Variable == "" {
		return fmt.Errorf("condition variable is required")
	}
	if _, ok := condition.Normalize(c.Condition.Operator); !ok {
		return fmt.Errorf("unknown operator %q", c.Condition.Operator)
	}
	return nil
}

type DelayUnit string

const (
	UnitMinutes      DelayUnit = "minutes"
	UnitHours        DelayUnit = "hours"
	UnitDays         DelayUnit = "days"
	UnitBusinessDays DelayUnit = "business_days"
)

// MaxDelay bounds a single delay node. A business day counts as one day.
const MaxDelay = 30 * 24 * time.Hour

type DelayNode struct {
	Unit   DelayUnit `json:"unit"`
	Amount int       `json:"amount"`
	// SkipWeekends only applies to business_days and defaults to true.
	SkipWeekends *bool `json:"skipWeekends,omitempty"`
}

func (*DelayNode) Kind() Kind  { return KindDelay }
func (*DelayNode) isNodeData() {}

// UnmarshalJSON also accepts the nested {"delay": {"type", "value"}} form
// where value may be a numeric string.
func (d *DelayNode) UnmarshalJSON(b []byte) error {
	type plain struct {
		Unit         DelayUnit `json:"unit"`
		Amount       flexInt   `json:"amount"`
		SkipWeekends *bool     `json:"skipWeekends"`
		Delay        *struct {
			Type         DelayUnit `json:"type"`
			Value        flexInt   `json:"value"`
			SkipWeekends *bool     `json:"skipWeekends"`
		} `json:"delay"`
	}
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	d.Unit, d.Amount, d.SkipWeekends = p.Unit, int(p.Amount), p.SkipWeekends
	if p.Delay != nil && d.Unit == "" {
		d.Unit, d.Amount = p.Delay.Type, int(p.Delay.Value)
		if d.SkipWeekends == nil {
			d.SkipWeekends = p.Delay.SkipWeekends
		}
	}
	return nil
}

func (d *DelayNode) skipWeekends() bool {
	return d.SkipWeekends == nil || *d.SkipWeekends
}

// Span is the nominal length of the delay, counting business days as
// calendar days.
func (d *DelayNode) Span() time.Duration {
	amount := time.Duration(d.Amount)
	switch d.Unit {
	case UnitMinutes:
		return amount * time.Minute
	case UnitHours:
		return amount * time.Hour
	case UnitDays, UnitBusinessDays:
		return amount * 24 * time.Hour
	}
	return 0
}

func (d *DelayNode) Validate() error {
	switch d.Unit {
	case UnitMinutes, UnitHours, UnitDays, UnitBusinessDays:
	default:
		return fmt.Errorf("unknown delay unit %q", d.Unit)
	}
	if d.Amount <= 0 {
		return fmt.Errorf("delay amount must be greater than 0")
	}
	if d.Span() > MaxDelay {
		return fmt.Errorf("delay cannot exceed 30 days, got %d %s", d.Amount, d.Unit)
	}
	return nil
}

type TimeWindowNode struct {
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Timezone  string `json:"timezone,omitempty"`
}

func (*TimeWindowNode) Kind() Kind  { return KindTimeWindow }
func (*TimeWindowNode) isNodeData() {}

// UnmarshalJSON also accepts {"timeWindow": {"startTime": "09:00",
// "endTime": "18:00"}}. Minutes are dropped.
func (w *TimeWindowNode) UnmarshalJSON(b []byte) error {
	var p struct {
		StartHour  *int   `json:"startHour"`
		EndHour    *int   `json:"endHour"`
		Timezone   string `json:"timezone"`
		TimeWindow *struct {
			StartTime string `json:"startTime"`
			EndTime   string `json:"endTime"`
			Timezone  string `json:"timezone"`
		} `json:"timeWindow"`
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}

	w.StartHour, w.EndHour, w.Timezone = 9, 18, p.Timezone
	if p.TimeWindow != nil {
		if h, ok := parseHour(p.TimeWindow.StartTime); ok {
			w.StartHour = h
		}
		if h, ok := parseHour(p.TimeWindow.EndTime); ok {
			w.EndHour = h
		}
		if w.Timezone == "" {
			w.Timezone = p.TimeWindow.Timezone
		}
	}
	if p.StartHour != nil {
		w.StartHour = *p.StartHour
	}
	if p.EndHour != nil {
		w.EndHour = *p.EndHour
	}
	return nil
}

func (w *TimeWindowNode) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

func (w *TimeWindowNode) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("startHour must be within 0..23")
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("endHour must be within 1..24")
	}
	if w.StartHour == w.EndHour {
		return fmt.Errorf("empty time window")
	}
	if _, err := w.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", w.Timezone, err)
	}
	return nil
}

// Contains reports whether the local hour of t lies in [StartHour, EndHour).
// A window with StartHour > EndHour wraps past midnight.
func (w *TimeWindowNode) Contains(t time.Time) (bool, error) {
	loc, err := w.Location()
	if err != nil {
		return false, err
	}
	h := t.In(loc).Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour, nil
	}
	return h >= w.StartHour || h < w.EndHour, nil
}

// NextOpen returns the next instant strictly after t at which the window
// opens.
func (w *TimeWindowNode) NextOpen(t time.Time) (time.Time, error) {
	loc, err := w.Location()
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, w.StartHour, 0, 0, 0, loc)
	if !open.After(local) {
		open = time.Date(y, m, d+1, w.StartHour, 0, 0, 0, loc)
	}
	return open, nil
}

func parseHour(hhmm string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 2)
	if parts[0] == "" {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return h, true
}

// flexInt decodes a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*f = 0
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(int(n))
	return nil
}
