package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	apperrors "github.com/Marcelo-Nobre/virtual-book-catalog/internal/errors"
)

const (
	maxTitleLength  = 500
	maxAuthorLength = 200
)

type bookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Year   int    `json:"year"`
}

func (r *bookRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return apperrors.ValidationError("title is required")
	}
	if len(r.Title) > maxTitleLength {
		return apperrors.ValidationError("title too long").WithContext("max_length", maxTitleLength)
	}
	if len(r.Author) > maxAuthorLength {
		return apperrors.ValidationError("author too long").WithContext("max_length", maxAuthorLength)
	}
	if r.Year < 0 {
		return apperrors.ValidationError("year must not be negative")
	}
	return nil
}

func bookParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid book ID")
	}
	return id, nil
}

func (s *Server) handleListBooks(c echo.Context) error {
	books, err := s.app.ListBooks(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, books)
}

func (s *Server) handleGetBook(c echo.Context) error {
	id, err := bookParam(c)
	if err != nil {
		return err
	}

	book, err := s.app.GetBook(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, book)
}

func (s *Server) handleAddBook(c echo.Context) error {
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	book, err := s.app.AddBook(c.Request().Context(), domain.Book{
		Title:  req.Title,
		Author: req.Author,
		ISBN:   req.ISBN,
		Year:   req.Year,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, book)
}

func (s *Server) handleUpdateBook(c echo.Context) error {
	id, err := bookParam(c)
	if err != nil {
		return err
	}

	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	book, err := s.app.UpdateBook(c.Request().Context(), domain.Book{
		ID:     id,
		Title:  req.Title,
		Author: req.Author,
		ISBN:   req.ISBN,
		Year:   req.Year,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, book)
}

func (s *Server) handleDeleteBook(c echo.Context) error {
	id, err := bookParam(c)
	if err != nil {
		return err
	}

	if err := s.app.DeleteBook(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLookupISBN(c echo.Context) error {
	meta, err := s.app.LookupISBN(c.Request().Context(), c.Param("isbn"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}
