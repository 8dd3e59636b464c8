package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Book is a catalog entry. ISBN is stored in raw digit form (no hyphens).
type Book struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	ISBN      string    `json:"isbn"`
	Year      int       `json:"year,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookRepository is the owned catalog store with explicit read/write
// operations. Implementations must never expose internal state for in-place
// mutation.
type BookRepository interface {
	List(ctx context.Context) ([]Book, error)
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	GetByISBN(ctx context.Context, isbn string) (*Book, error)
	Add(ctx context.Context, book Book) (*Book, error)
	Update(ctx context.Context, book Book) (*Book, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// BookMetadata is the result of an ISBN lookup. Owned marks metadata served
// from the local catalog instead of the remote API, so the UI can warn before
// adding a duplicate.
type BookMetadata struct {
	ISBN          string   `json:"isbn"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	PublishDate   string   `json:"publish_date,omitempty"`
	NumberOfPages int      `json:"number_of_pages,omitempty"`
	Owned         bool     `json:"owned,omitempty"`
}

// MetadataLookup fetches book metadata for an ISBN from a remote API.
type MetadataLookup interface {
	LookupISBN(ctx context.Context, isbn string) (*BookMetadata, error)
}
