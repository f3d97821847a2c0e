package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/statement-tracker/internal/queue"
)

var (
	// ErrSourceMissing is returned when a statement's file is gone and none was supplied
	ErrSourceMissing = errors.New("statement file is no longer stored, attach it to reprocess")

	// ErrHashMismatch is returned when a re-attached file is not the statement's original content
	ErrHashMismatch = errors.New("attached file does not match the statement's content")
)

// Upload is one file submitted for ingestion
type Upload struct {
	Filename string
	Data     []byte
}

// QueuedStatement describes an accepted upload
type QueuedStatement struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"originalFilename"`
	Status           Status `json:"status"`
}

// Duplicate describes an upload whose content the user already submitted
type Duplicate struct {
	OriginalFilename    string `json:"originalFilename"`
	ExistingStatementID string `json:"existingStatementId"`
	ExistingFilename    string `json:"existingFilename"`
}

// UploadResult is the outcome of a bulk upload
type UploadResult struct {
	Statements  []QueuedStatement `json:"statements"`
	Duplicates  []Duplicate       `json:"duplicates"`
	TotalQueued int               `json:"totalQueued"`
}

// StatusEntry is the pollable state of one statement
type StatusEntry struct {
	ID           string  `json:"id"`
	Status       Status  `json:"status"`
	ErrorMessage *string `json:"errorMessage"`
}

// Service handles upload intake and the user facing statement operations
type Service struct {
	db          DB
	storage     Storage
	publisher   queue.Publisher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, publisher queue.Publisher) *Service {
	return NewServiceWithDeps(db, storage, publisher, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, publisher queue.Publisher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		publisher:   publisher,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Upload validates, deduplicates, stores and enqueues each file. Files that
// are not PDFs reject the whole request before anything is stored. Duplicates,
// including repeats within the same request, are reported and not enqueued.
func (s *Service) Upload(ctx context.Context, userID string, files []Upload) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	for _, f := range files {
		if !IsPDF(f.Data) {
			uploadsTotal.WithLabelValues(outcomeRejected).Inc()
			return nil, fmt.Errorf("%s: %w", f.Filename, ErrNotPDF)
		}
	}

	result := &UploadResult{
		Statements: make([]QueuedStatement, 0, len(files)),
		Duplicates: make([]Duplicate, 0),
	}
	for _, f := range files {
		stmt, err := s.intake(ctx, userID, f)
		var dup *DuplicateError
		if errors.As(err, &dup) {
			slog.Info("Skipping duplicate upload",
				"user_id", userID,
				"filename", f.Filename,
				"existing_statement_id", dup.ExistingID,
			)
			uploadsTotal.WithLabelValues(outcomeDuplicate).Inc()
			result.Duplicates = append(result.Duplicates, Duplicate{
				OriginalFilename:    f.Filename,
				ExistingStatementID: dup.ExistingID,
				ExistingFilename:    dup.ExistingFilename,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("uploading %s: %w", f.Filename, err)
		}

		uploadsTotal.WithLabelValues(outcomeQueued).Inc()
		result.Statements = append(result.Statements, QueuedStatement{
			ID:               stmt.ID,
			OriginalFilename: stmt.OriginalFilename,
			Status:           stmt.Status,
		})
	}
	result.TotalQueued = len(result.Statements)

	return result, nil
}

// intake persists one pending statement and enqueues it. The hash check and
// the insert share a transaction, so concurrent uploads of the same content
// create one statement.
func (s *Service) intake(ctx context.Context, userID string, f Upload) (*Statement, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	stmt := &Statement{
		ID:               id,
		UserID:           userID,
		UploadedAt:       now,
		OriginalFilename: f.Filename,
		StoragePath:      fmt.Sprintf("%s_%s", id, sanitizeFilename(f.Filename)),
		ContentHash:      ContentHash(f.Data),
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.CreateStatement(stmt); err != nil {
		return nil, err
	}

	if _, err := s.storage.Save(stmt.StoragePath, f.Data); err != nil {
		s.discard(stmt)
		return nil, fmt.Errorf("saving file: %w", err)
	}

	if err := s.enqueue(ctx, stmt); err != nil {
		s.discard(stmt)
		return nil, err
	}

	slog.Info("Statement queued", "statement_id", stmt.ID, "user_id", userID, "filename", f.Filename)
	return stmt, nil
}

// discard undoes a partial intake
func (s *Service) discard(stmt *Statement) {
	if err := s.db.DeleteStatement(stmt.ID); err != nil {
		slog.Error("Failed to remove statement after failed upload", "statement_id", stmt.ID, "error", err)
	}
	if err := s.storage.Delete(stmt.StoragePath); err != nil {
		slog.Warn("Failed to delete file", "path", stmt.StoragePath, "error", err)
	}
}

func (s *Service) enqueue(ctx context.Context, stmt *Statement) error {
	job := &queue.Job{StatementID: stmt.ID, UserID: stmt.UserID}
	if err := s.publisher.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing statement: %w", err)
	}
	return nil
}

// Statuses returns the status of each requested statement the user owns.
// Unknown and foreign IDs are omitted.
func (s *Service) Statuses(userID string, ids []string) ([]StatusEntry, error) {
	statuses := make([]StatusEntry, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		stmt, err := s.db.GetStatement(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting statement %s: %w", id, err)
		}
		if stmt.UserID != userID {
			continue
		}
		statuses = append(statuses, StatusEntry{
			ID:           stmt.ID,
			Status:       stmt.Status,
			ErrorMessage: stmt.ErrorMessage,
		})
	}
	return statuses, nil
}

// Reprocess resets a statement to pending and enqueues it again. The stored
// file is deleted once processing ends, so attached must carry the original
// content unless the file is still present.
func (s *Service) Reprocess(ctx context.Context, userID, id string, attached []byte) (*Statement, error) {
	stmt, err := s.owned(userID, id)
	if err != nil {
		return nil, err
	}

	if attached != nil {
		if ContentHash(attached) != stmt.ContentHash {
			return nil, ErrHashMismatch
		}
		if _, err := s.storage.Save(stmt.StoragePath, attached); err != nil {
			return nil, fmt.Errorf("saving file: %w", err)
		}
	} else {
		exists, err := s.storage.Exists(stmt.StoragePath)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrSourceMissing
		}
	}

	stmt, err = s.db.UpdateStatement(id, func(stmt *Statement) error {
		if err := stmt.transition(StatusPending, s.timeSource.Now()); err != nil {
			return err
		}
		stmt.ErrorMessage = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resetting statement: %w", err)
	}

	if err := s.enqueue(ctx, stmt); err != nil {
		return nil, err
	}

	slog.Info("Statement queued for reprocessing", "statement_id", id, "user_id", userID)
	return stmt, nil
}

// GetStatement returns a statement the user owns along with its expenses
func (s *Service) GetStatement(userID, id string) (*Statement, []*Expense, error) {
	stmt, err := s.owned(userID, id)
	if err != nil {
		return nil, nil, err
	}
	expenses, err := s.db.ListExpenses(id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing expenses: %w", err)
	}
	return stmt, expenses, nil
}

// ListStatements returns the user's statements, newest first
func (s *Service) ListStatements(userID string) ([]*Statement, error) {
	statements, err := s.db.ListStatements(userID)
	if err != nil {
		return nil, fmt.Errorf("listing statements: %w", err)
	}
	return statements, nil
}

// ListCards returns the user's cards
func (s *Service) ListCards(userID string) ([]*Card, error) {
	cards, err := s.db.ListCards(userID)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return cards, nil
}

// DeleteStatement removes a statement, its expenses and its file
func (s *Service) DeleteStatement(userID, id string) error {
	stmt, err := s.owned(userID, id)
	if err != nil {
		return err
	}

	if err := s.db.DeleteStatement(id); err != nil {
		return fmt.Errorf("deleting statement from database: %w", err)
	}
	if err := s.storage.Delete(stmt.StoragePath); err != nil {
		slog.Warn("Failed to delete file", "path", stmt.StoragePath, "error", err)
	}

	slog.Info("Statement deleted", "statement_id", id, "user_id", userID)
	return nil
}

// owned loads a statement, reporting foreign statements as not found
func (s *Service) owned(userID, id string) (*Statement, error) {
	stmt, err := s.db.GetStatement(id)
	if err != nil {
		return nil, err
	}
	if stmt.UserID != userID {
		return nil, fmt.Errorf("statement %s: %w", id, ErrNotFound)
	}
	return stmt, nil
}
