package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus: состояние задачи в очереди.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job: строка таблицы jobs. Временные метки хранятся в миллисекундах,
// чтобы схема одинаково работала в PostgreSQL и SQLite.
type Job struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Payload     []byte    `json:"-" db:"payload"`
	Status      JobStatus `json:"status" db:"status"`
	Attempts    int       `json:"attempts" db:"attempts"`
	MaxAttempts int       `json:"max_attempts" db:"max_attempts"`
	VisibleAt   int64     `json:"-" db:"visible_at"`
	LastError   *string   `json:"last_error,omitempty" db:"last_error"`
	Result      *string   `json:"result,omitempty" db:"result"`
	CreatedAt   int64     `json:"-" db:"created_at"`
	UpdatedAt   int64     `json:"-" db:"updated_at"`
}

// Created возвращает время постановки задачи.
func (j *Job) Created() time.Time {
	return time.UnixMilli(j.CreatedAt).UTC()
}

// JobView: представление задачи для API.
type JobView struct {
	ID            uuid.UUID  `json:"id"`
	Type          string     `json:"type"`
	Status        JobStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	PublicationID *uuid.UUID `json:"publication_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const (
	JobTypeIngest    = "publication.ingest"
	JobTypeThumbnail = "publication.thumbnail"
)

// ThumbnailPayload: полезная нагрузка задачи publication.thumbnail.
type ThumbnailPayload struct {
	PublicationID uuid.UUID `json:"publication_id"`
}
