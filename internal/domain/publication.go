package domain

import (
	"time"

	"github.com/google/uuid"
)

// Publication: загруженный PDF-документ с метаданными и местом хранения.
type Publication struct {
	ID               uuid.UUID `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Name             string    `json:"name" db:"name"`
	Title            string    `json:"title" db:"title"`
	Description      *string   `json:"description,omitempty" db:"description"`
	OriginalFilename string    `json:"original_filename" db:"original_filename"`
	FilePath         string    `json:"file_path" db:"file_path"`
	URL              string    `json:"url" db:"url"`
	MIMEType         string    `json:"mime_type" db:"mime_type"`
	SizeBytes        int64     `json:"size_bytes" db:"size_bytes"`
	Checksum         string    `json:"checksum" db:"checksum"`
	Year             int       `json:"year" db:"year"`
	Month            int       `json:"month" db:"month"`
	Day              int       `json:"day" db:"day"`
	Page             *int      `json:"page,omitempty" db:"page"`
	PageCount        *int      `json:"page_count,omitempty" db:"page_count"`
	ThumbnailPath    *string   `json:"thumbnail_path,omitempty" db:"thumbnail_path"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// UploadMetadata: метаданные от клиента, все поля необязательны.
type UploadMetadata struct {
	Name        *string `json:"name,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Year        *int    `json:"year,omitempty"`
	Month       *int    `json:"month,omitempty"`
	Day         *int    `json:"day,omitempty"`
	Page        *int    `json:"page,omitempty"`
}

// EffectiveMetadata: результат слияния метаданных клиента с разобранным именем файла.
type EffectiveMetadata struct {
	Name        string
	Title       string
	Description *string
	Year        int
	Month       int
	Day         int
	Page        *int
}

// PublicationFilter: параметры выборки списка публикаций.
type PublicationFilter struct {
	UserID string
	Year   *int
	Month  *int
	Limit  int
	Offset int
}

// PublicationPage: страница списка публикаций.
type PublicationPage struct {
	Items   []Publication `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// PendingUpload: ответ на загрузку, поставленную в очередь.
type PendingUpload struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	StatusURL string    `json:"status_url"`
}
