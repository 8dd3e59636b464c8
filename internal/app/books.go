package app

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/scan"
)

// ListBooks returns the whole catalog.
func (s *Service) ListBooks(ctx context.Context) ([]domain.Book, error) {
	return s.books.List(ctx)
}

// GetBook returns one book by ID.
func (s *Service) GetBook(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	return s.books.Get(ctx, id)
}

// AddBook validates and stores a new catalog entry. The ISBN is normalized to
// raw digit form; an empty ISBN is allowed for manually entered books.
func (s *Service) AddBook(ctx context.Context, book domain.Book) (*domain.Book, error) {
	book.Title = strings.TrimSpace(book.Title)
	book.Author = strings.TrimSpace(book.Author)

	isbn, err := normalizeISBN(book.ISBN)
	if err != nil {
		return nil, err
	}
	book.ISBN = isbn

	return s.books.Add(ctx, book)
}

// UpdateBook validates and replaces an existing catalog entry.
func (s *Service) UpdateBook(ctx context.Context, book domain.Book) (*domain.Book, error) {
	book.Title = strings.TrimSpace(book.Title)
	book.Author = strings.TrimSpace(book.Author)

	isbn, err := normalizeISBN(book.ISBN)
	if err != nil {
		return nil, err
	}
	book.ISBN = isbn

	return s.books.Update(ctx, book)
}

// DeleteBook removes a book from the catalog.
func (s *Service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	return s.books.Delete(ctx, id)
}

// LookupISBN resolves metadata for an ISBN, for prefilling the add-book form
// after a scan. The owned catalog is checked first: scanning a book that is
// already shelved answers from the local copy and never hits the remote API.
func (s *Service) LookupISBN(ctx context.Context, rawISBN string) (*domain.BookMetadata, error) {
	isbn, err := normalizeISBN(rawISBN)
	if err != nil {
		return nil, err
	}
	if isbn == "" {
		return nil, domain.ErrInvalidISBN
	}

	owned, err := s.books.GetByISBN(ctx, isbn)
	switch {
	case err == nil:
		return metadataFromBook(owned), nil
	case !errors.Is(err, domain.ErrBookNotFound):
		return nil, err
	}

	return s.lookup.LookupISBN(ctx, isbn)
}

func metadataFromBook(book *domain.Book) *domain.BookMetadata {
	meta := &domain.BookMetadata{
		ISBN:  book.ISBN,
		Title: book.Title,
		Owned: true,
	}
	if book.Author != "" {
		meta.Authors = []string{book.Author}
	}
	if book.Year != 0 {
		meta.PublishDate = strconv.Itoa(book.Year)
	}
	return meta
}

// normalizeISBN strips separators and validates the digit form. Empty input
// stays empty.
func normalizeISBN(raw string) (string, error) {
	isbn := scan.NormalizeISBN(strings.TrimSpace(raw))
	if isbn == "" {
		return "", nil
	}
	if !scan.IsAcceptableDecode(isbn) {
		return "", domain.ErrInvalidISBN
	}
	return isbn, nil
}
