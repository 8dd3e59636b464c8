// Package catalog stores the book catalog. The only implementation is an
// in-memory store; catalog contents live for the lifetime of the process.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

// InMemoryStore implements domain.BookRepository. Safe for concurrent use.
type InMemoryStore struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	books  map[uuid.UUID]domain.Book
	byISBN map[string]uuid.UUID
}

func NewInMemoryStore(clock clockwork.Clock) *InMemoryStore {
	return &InMemoryStore{
		clock:  clock,
		books:  make(map[uuid.UUID]domain.Book),
		byISBN: make(map[string]uuid.UUID),
	}
}

// List returns all books sorted by title (case-insensitive), ties broken by
// creation time.
func (s *InMemoryStore) List(_ context.Context) ([]domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Book, 0, len(s.books))
	for _, b := range s.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := strings.ToLower(out[i].Title), strings.ToLower(out[j].Title)
		if ti != tj {
			return ti < tj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.books[id]
	if !exists {
		return nil, domain.ErrBookNotFound
	}
	return &b, nil
}

func (s *InMemoryStore) GetByISBN(_ context.Context, isbn string) (*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byISBN[isbn]
	if !exists {
		return nil, domain.ErrBookNotFound
	}
	b := s.books[id]
	return &b, nil
}

// Add stores a new book. A zero ID gets a fresh UUID. A non-empty ISBN that
// is already in the catalog fails with ErrDuplicateISBN.
func (s *InMemoryStore) Add(_ context.Context, book domain.Book) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if book.ISBN != "" {
		if _, exists := s.byISBN[book.ISBN]; exists {
			metrics.CatalogOperationsTotal.WithLabelValues("add", "conflict").Inc()
			return nil, domain.ErrDuplicateISBN
		}
	}
	if book.ID == uuid.Nil {
		book.ID = uuid.New()
	}
	now := s.clock.Now()
	book.CreatedAt = now
	book.UpdatedAt = now

	s.books[book.ID] = book
	if book.ISBN != "" {
		s.byISBN[book.ISBN] = book.ID
	}
	metrics.CatalogOperationsTotal.WithLabelValues("add", "ok").Inc()
	metrics.CatalogBooks.Set(float64(len(s.books)))
	return &book, nil
}

// Update replaces the stored book with the same ID. Changing the ISBN to one
// held by another book fails with ErrDuplicateISBN.
func (s *InMemoryStore) Update(_ context.Context, book domain.Book) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.books[book.ID]
	if !exists {
		metrics.CatalogOperationsTotal.WithLabelValues("update", "not_found").Inc()
		return nil, domain.ErrBookNotFound
	}
	if book.ISBN != "" {
		if otherID, taken := s.byISBN[book.ISBN]; taken && otherID != book.ID {
			metrics.CatalogOperationsTotal.WithLabelValues("update", "conflict").Inc()
			return nil, domain.ErrDuplicateISBN
		}
	}

	if current.ISBN != "" && current.ISBN != book.ISBN {
		delete(s.byISBN, current.ISBN)
	}
	book.CreatedAt = current.CreatedAt
	book.UpdatedAt = s.clock.Now()

	s.books[book.ID] = book
	if book.ISBN != "" {
		s.byISBN[book.ISBN] = book.ID
	}
	metrics.CatalogOperationsTotal.WithLabelValues("update", "ok").Inc()
	return &book, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.books[id]
	if !exists {
		metrics.CatalogOperationsTotal.WithLabelValues("delete", "not_found").Inc()
		return domain.ErrBookNotFound
	}
	if b.ISBN != "" {
		delete(s.byISBN, b.ISBN)
	}
	delete(s.books, id)
	metrics.CatalogOperationsTotal.WithLabelValues("delete", "ok").Inc()
	metrics.CatalogBooks.Set(float64(len(s.books)))
	return nil
}
