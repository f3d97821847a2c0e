package statement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the processing state of a statement
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether processing has finished
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a statement in status s may move to next.
// Any status may go back to pending (reprocess); otherwise the only moves
// are pending -> processing -> completed|failed.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	switch next {
	case StatusPending:
		return true
	case StatusProcessing:
		return s == StatusPending
	case StatusCompleted, StatusFailed:
		return s == StatusProcessing
	}
	return false
}

// Transition returns next if the move is allowed
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Statement is one uploaded credit card statement
type Statement struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	UploadedAt       time.Time        `json:"uploadedAt"`
	StatementDate    *time.Time       `json:"statementDate"`
	DueDate          *time.Time       `json:"dueDate"`
	TotalARS         *decimal.Decimal `json:"totalArs"`
	TotalUSD         *decimal.Decimal `json:"totalUsd"`
	OriginalFilename string           `json:"originalFilename"`
	StoragePath      string           `json:"storagePath"`
	ContentHash      string           `json:"contentHash"`
	Status           Status           `json:"status"`
	ErrorMessage     *string          `json:"errorMessage"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`

	// JobID is the job that claimed the statement when it entered processing.
	// It is cleared when the statement goes back to pending.
	JobID string `json:"jobId,omitempty"`
}

// transition moves the statement to next and stamps the update time
func (s *Statement) transition(next Status, now time.Time) error {
	status, err := s.Status.Transition(next)
	if err != nil {
		return err
	}
	s.Status = status
	s.UpdatedAt = now
	if status == StatusPending {
		s.JobID = ""
	}
	return nil
}

// claimedBy reports whether jobID owns the current processing run
func (s *Statement) claimedBy(jobID string) bool {
	return s.Status == StatusProcessing && s.JobID == jobID
}

// Expense is one line item of a statement
type Expense struct {
	ID                 string           `json:"id"`
	StatementID        string           `json:"statementId"`
	CardID             *string          `json:"cardId"`
	Description        string           `json:"description"`
	AmountARS          *decimal.Decimal `json:"amountArs"`
	AmountUSD          *decimal.Decimal `json:"amountUsd"`
	CurrentInstallment *int             `json:"currentInstallment"`
	TotalInstallments  *int             `json:"totalInstallments"`
	PurchaseDate       *time.Time       `json:"purchaseDate"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// Card is a loosely identified payment card. Either field may identify it.
type Card struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	LastFourDigits *string   `json:"lastFourDigits"`
	HolderName     *string   `json:"holderName"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DuplicateError is returned when a user uploads content they already uploaded
type DuplicateError struct {
	ExistingID       string
	ExistingFilename string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of statement %s (%s)", e.ExistingID, e.ExistingFilename)
}
