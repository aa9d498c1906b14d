package engine

import (
	"strconv"
	"time"
)

// variables builds the map conditions and templates are evaluated against.
// Custom variables win over the built-in ones.
func variables(run Run, now time.Time) map[string]string {
	vars := map[string]string{
		"days_passed": strconv.Itoa(run.Context.DaysPassed),
	}
	if p := run.Patient; p != nil {
		vars["patient_name"] = p.Name
		vars["patient_gender"] = p.Gender
		vars["patient_phone"] = p.Phone
		vars["patient_email"] = p.Email
		if age := p.Age(now); age != "" {
			vars["patient_age"] = age
		}
	}
	if a := run.Appointment; a != nil {
		vars["surgery_type"] = a.SurgeryType
		vars["appointment_status"] = string(a.Status)
		if !a.AppointmentDate.IsZero() {
			vars["surgery_date"] = a.AppointmentDate.Format("2006-01-02")
		}
	}
	for k, v := range run.Context.CustomVariables {
		vars[k] = v
	}
	return vars
}
