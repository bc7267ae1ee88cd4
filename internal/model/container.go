package model

import "time"

// ManagedContainer is a container owned by a running execution.
type ManagedContainer struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	AssignmentID string    `json:"assignmentId"`
	Image        string    `json:"image"`
	WorkingDir   string    `json:"workingDir"`
	VNCPort      int       `json:"vncPort,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
