package models

import (
	"strings"
	"time"
)

// DeliveryKey identifies one occurrence of an action node for a patient.
type DeliveryKey struct {
	WorkflowID    string `db:"workflow_id" json:"workflowId"`
	PatientID     string `db:"patient_id" json:"patientId"`
	AppointmentID string `db:"appointment_id" json:"appointmentId"`
	NodeID        string `db:"node_id" json:"nodeId"`
}

func (k DeliveryKey) String() string {
	return strings.Join([]string{k.WorkflowID, k.PatientID, k.AppointmentID, k.NodeID}, ":")
}

type Delivery struct {
	DeliveryKey
	Channel           string    `db:"channel" json:"channel"`
	ExecutionID       string    `db:"execution_id" json:"executionId"`
	ProviderMessageID string    `db:"provider_message_id" json:"providerMessageId,omitempty"`
	DeliveredAt       time.Time `db:"delivered_at" json:"deliveredAt"`
}
