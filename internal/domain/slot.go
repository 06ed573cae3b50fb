package domain

import (
	"time"

	"github.com/google/uuid"
)

// Slot is one unit of worker capacity on a task, held by a single worker.
type Slot struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	WorkerID         string
	Status           SlotStatus
	AssignedAt       time.Time
	PayoutReleasedAt *time.Time
	UpdatedAt        time.Time
}
