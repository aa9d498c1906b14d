package models

import (
	"time"

	"github.com/THPTUHA/careflow/pkg/workflow"
)

// Workflow is a stored definition row owned by a clinic.
type Workflow struct {
	ID         string    `db:"id" json:"id"`
	OwnerID    string    `db:"owner_id" json:"ownerId"`
	Name       string    `db:"name" json:"name"`
	IsActive   bool      `db:"is_active" json:"isActive"`
	Definition JSONB     `db:"definition" json:"definition"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Parse decodes the stored definition. Row id and owner win over whatever
// the document carries.
func (w *Workflow) Parse() (*workflow.Definition, error) {
	def, err := workflow.Parse(w.Definition)
	if err != nil {
		return nil, err
	}
	def.ID = w.ID
	def.OwnerID = w.OwnerID
	if def.Name == "" {
		def.Name = w.Name
	}
	return def, nil
}
