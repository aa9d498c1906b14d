package models

import (
	"strconv"
	"time"

	"github.com/THPTUHA/careflow/pkg/helper"
)

type Patient struct {
	ID        string     `db:"id" json:"id,omitempty"`
	OwnerID   string     `db:"owner_id" json:"ownerId,omitempty"`
	Name      string     `db:"name" json:"name,omitempty"`
	Phone     string     `db:"phone" json:"phone,omitempty"`
	Email     string     `db:"email" json:"email,omitempty"`
	Gender    string     `db:"gender" json:"gender,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birthDate,omitempty"`
}

// Age in whole years at now, or empty when the birth date is unknown.
func (p *Patient) Age(now time.Time) string {
	if p.BirthDate == nil {
		return ""
	}
	b := p.BirthDate.In(now.Location())
	age := now.Year() - b.Year()
	if now.Month() < b.Month() || (now.Month() == b.Month() && now.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return strconv.Itoa(age)
}

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

type Appointment struct {
	ID              string            `db:"id" json:"id,omitempty"`
	OwnerID         string            `db:"owner_id" json:"ownerId,omitempty"`
	PatientID       string            `db:"patient_id" json:"patientId,omitempty"`
	AppointmentDate time.Time         `db:"appointment_date" json:"appointmentDate,omitempty"`
	Status          AppointmentStatus `db:"status" json:"status,omitempty"`
	SurgeryType     string            `db:"surgery_type" json:"surgeryType,omitempty"`
	Notes           string            `db:"notes" json:"notes,omitempty"`
}

// TriggerType maps an appointment status change to the workflow trigger it
// fires, or "" when none does.
func (a *Appointment) TriggerType() string {
	if a.Status != AppointmentCompleted {
		return ""
	}
	if a.SurgeryType != "" {
		return "surgery_completed"
	}
	return "appointment_completed"
}

// DaysSince counts calendar days between the appointment date and now.
func (a *Appointment) DaysSince(now time.Time) int {
	if a.AppointmentDate.IsZero() {
		return 0
	}
	d := helper.DaysBetween(a.AppointmentDate.In(now.Location()), now)
	if d < 0 {
		return 0
	}
	return d
}
