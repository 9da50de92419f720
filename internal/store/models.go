// Package store persists transcripts and tasks through gorm.
package store

import (
	"strings"
	"time"
)

// TaskStatus is the review state of an extracted task.
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "Pending"
	TaskStatusApproved TaskStatus = "Approved"
	TaskStatusRejected TaskStatus = "Rejected"
)

// Priority ranks a task for reviewers.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Defaults applied to freshly extracted tasks.
const (
	DefaultAssignee = "Faculty"
	DefaultDueDate  = "Not Set"
	DefaultCategory = "Approval"
)

// Transcript is the stored text of one transcribed meeting.
type Transcript struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	Tasks     []Task    `gorm:"foreignKey:TranscriptID;constraint:OnDelete:SET NULL" json:"-"`
}

// Task is one actionable item extracted from a transcript.
type Task struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title        string     `gorm:"type:text;not null" json:"title"`
	Assignee     string     `gorm:"not null;default:'Faculty'" json:"assignee"`
	DueDate      string     `gorm:"not null;default:'Not Set'" json:"dueDate"`
	Category     string     `gorm:"not null;default:'Approval'" json:"category"`
	Priority     Priority   `gorm:"type:varchar(16);not null;default:'Medium'" json:"priority"`
	Status       TaskStatus `gorm:"type:varchar(16);not null;default:'Pending';index" json:"status"`
	TranscriptID *string    `gorm:"type:varchar(36);index" json:"transcriptId"`
	CreatedAt    time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TaskUpdate carries the fields a reviewer may change. Nil fields are left alone.
type TaskUpdate struct {
	Title    *string     `json:"title"`
	Assignee *string     `json:"assignee"`
	DueDate  *string     `json:"dueDate"`
	Category *string     `json:"category"`
	Priority *Priority   `json:"priority"`
	Status   *TaskStatus `json:"status"`
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusApproved, TaskStatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// assigneeFromTitle guesses an owner from the first word of a task title.
func assigneeFromTitle(title string) string {
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return DefaultAssignee
	}
	return fields[0]
}
