package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/zombor/statement-tracker/internal/extraction"
	"github.com/zombor/statement-tracker/internal/queue"
)

// maxErrorMessageLength bounds the error text stored on a failed statement
const maxErrorMessageLength = 2000

// errClaimed is returned when a statement is processing under another job
var errClaimed = errors.New("statement is claimed by another job")

// Worker runs the ingestion pipeline for one statement per job:
// read file, extract text, structured extraction, then a single transaction
// that resolves cards, replaces the expenses and completes the statement.
type Worker struct {
	db          DB
	storage     Storage
	texts       extraction.TextExtractor
	extractor   extraction.Extractor
	cards       CardResolver
	idGenerator IDGenerator
	timeSource  TimeSource
	runs        *runLocks
}

// NewWorker creates a Worker with default ID generator, time source and card resolver
func NewWorker(db DB, storage Storage, texts extraction.TextExtractor, extractor extraction.Extractor) *Worker {
	idGen := &uuidGenerator{}
	timeSrc := &defaultTimeSource{}
	return NewWorkerWithDeps(db, storage, texts, extractor, NewCardResolver(idGen, timeSrc), idGen, timeSrc)
}

// NewWorkerWithDeps creates a Worker with custom dependencies for testing
func NewWorkerWithDeps(db DB, storage Storage, texts extraction.TextExtractor, extractor extraction.Extractor, cards CardResolver, idGen IDGenerator, timeSrc TimeSource) *Worker {
	return &Worker{
		db:          db,
		storage:     storage,
		texts:       texts,
		extractor:   extractor,
		cards:       cards,
		idGenerator: idGen,
		timeSource:  timeSrc,
		runs:        newRunLocks(),
	}
}

// Handle processes one job and implements queue.Handler.
//
// Every pipeline error is recorded on the statement as a failed status, so
// Handle only returns an error when the statement could not be started or the
// context was cancelled mid-run. In the latter case the statement is left in
// processing with its file in place and the redelivered job resumes it.
//
// Runs for the same statement never overlap: a job waits for the current run
// to finish, and a statement processing under another job's claim is skipped.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	logger := slog.With("statement_id", job.StatementID, "user_id", job.UserID, "job_id", job.ID)

	release, err := w.runs.acquire(ctx, job.StatementID)
	if err != nil {
		logger.Warn("Interrupted while waiting for the statement's current run", "error", err)
		return err
	}
	defer release()

	stmt, err := w.begin(job, logger)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("Statement no longer exists, dropping job", "error", err)
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		logger.Info("Statement is not pending, skipping job", "error", err)
		return nil
	}
	if errors.Is(err, errClaimed) {
		logger.Info("Statement is processing under another job, skipping job", "claimed_by", stmt.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting statement %s: %w: %w", job.StatementID, err, queue.ErrRetry)
	}

	started := w.timeSource.Now()
	err = w.process(ctx, job.ID, stmt, logger)
	if err != nil && ctx.Err() != nil {
		logger.Warn("Processing interrupted, statement left for redelivery", "error", err)
		return ctx.Err()
	}

	finished := true
	if err != nil {
		finished = w.fail(job.ID, stmt.ID, err, logger)
	} else {
		statementsProcessed.WithLabelValues(string(StatusCompleted)).Inc()
	}
	processingDuration.Observe(w.timeSource.Now().Sub(started).Seconds())

	// A reprocess request that reset the statement mid-run now owns the file.
	if finished {
		if err := w.storage.Delete(stmt.StoragePath); err != nil {
			logger.Error("Failed to delete statement file", "path", stmt.StoragePath, "error", err)
		}
	}
	return nil
}

// begin claims the statement for job and moves it to processing, persisted
// before any work starts so pollers see progress. A statement already
// processing under this job's claim was left by a run that died and is
// resumed. On errClaimed the returned statement carries the current claim.
func (w *Worker) begin(job *queue.Job, logger *slog.Logger) (*Statement, error) {
	resumed := false
	var claimedBy string
	stmt, err := w.db.UpdateStatement(job.StatementID, func(stmt *Statement) error {
		if stmt.UserID != job.UserID {
			return fmt.Errorf("statement %s for user %s: %w", stmt.ID, job.UserID, ErrNotFound)
		}
		if stmt.Status == StatusProcessing {
			if stmt.JobID != job.ID {
				claimedBy = stmt.JobID
				return errClaimed
			}
			resumed = true
			return nil
		}
		if err := stmt.transition(StatusProcessing, w.timeSource.Now()); err != nil {
			return err
		}
		stmt.JobID = job.ID
		return nil
	})
	if errors.Is(err, errClaimed) {
		return &Statement{ID: job.StatementID, JobID: claimedBy}, err
	}
	if err != nil {
		return nil, err
	}
	if resumed {
		logger.Warn("Resuming statement left in processing", "deliveries", job.Deliveries)
	} else {
		logger.Info("Processing statement", "filename", stmt.OriginalFilename)
	}
	return stmt, nil
}

func (w *Worker) process(ctx context.Context, jobID string, stmt *Statement, logger *slog.Logger) error {
	data, err := w.storage.Get(stmt.StoragePath)
	if err != nil {
		return fmt.Errorf("reading statement file: %w", err)
	}

	doc, err := w.texts.ExtractText(ctx, data)
	if err != nil {
		return err
	}
	logger.Debug("Extracted statement text", "pages", doc.Pages, "characters", len(doc.Text))

	result, err := w.extractor.Extract(ctx, doc.Text)
	if err != nil {
		return err
	}
	inferenceTokens.WithLabelValues("input").Add(float64(result.Usage.InputTokens))
	inferenceTokens.WithLabelValues("output").Add(float64(result.Usage.OutputTokens))
	recoveredResponses.WithLabelValues(result.Kind.String()).Inc()
	logger.Info("Extracted statement data",
		"expenses", len(result.Statement.Expenses),
		"parse", result.Kind.String(),
		"truncated", result.Truncated,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
	)

	return w.commit(jobID, stmt.ID, result.Statement, logger)
}

// commit writes the extraction result in one transaction: either every
// expense and the summary are stored and the statement completes, or nothing
// changes. Existing expenses are replaced, so a redelivered job does not
// duplicate them.
func (w *Worker) commit(jobID, statementID string, data *extraction.StatementData, logger *slog.Logger) error {
	return w.db.Update(func(tx Tx) error {
		stmt, err := tx.GetStatement(statementID)
		if err != nil {
			return err
		}
		if stmt.Status != StatusProcessing {
			return fmt.Errorf("committing statement in status %s: %w", stmt.Status, ErrInvalidTransition)
		}
		if stmt.JobID != jobID {
			return fmt.Errorf("committing statement claimed by job %s: %w", stmt.JobID, errClaimed)
		}

		removed, err := tx.DeleteExpenses(stmt.ID)
		if err != nil {
			return fmt.Errorf("clearing previous expenses: %w", err)
		}
		if removed > 0 {
			logger.Info("Replacing previous expenses", "count", removed)
		}

		now := w.timeSource.Now()
		for i, item := range data.Expenses {
			expense := newExpense(w.idGenerator.Generate(), stmt.ID, item, now)
			if identifier := item.CardIdentifier.Value(); identifier != nil {
				card, err := w.cards.Resolve(tx, stmt.UserID, *identifier)
				if err != nil {
					return fmt.Errorf("resolving card for expense %d: %w", i+1, err)
				}
				expense.CardID = &card.ID
			}
			if err := tx.PutExpense(expense); err != nil {
				return fmt.Errorf("saving expense %d: %w", i+1, err)
			}
		}

		applySummary(stmt, data.Summary)
		if err := stmt.transition(StatusCompleted, now); err != nil {
			return err
		}
		stmt.ErrorMessage = nil
		if err := tx.PutStatement(stmt); err != nil {
			return fmt.Errorf("saving statement: %w", err)
		}

		logger.Info("Statement completed", "expenses", len(data.Expenses))
		return nil
	})
}

// fail records cause on the statement. It reports false when the run lost
// its claim, because the statement was reset to pending while it was running.
func (w *Worker) fail(jobID, statementID string, cause error, logger *slog.Logger) bool {
	logger.Error("Statement processing failed", "error", cause)

	message := truncateMessage(cause.Error())
	_, err := w.db.UpdateStatement(statementID, func(stmt *Statement) error {
		if stmt.Status == StatusProcessing && !stmt.claimedBy(jobID) {
			return errClaimed
		}
		if err := stmt.transition(StatusFailed, w.timeSource.Now()); err != nil {
			return err
		}
		stmt.ErrorMessage = &message
		return nil
	})
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, errClaimed):
		logger.Info("Statement was reset while processing, leaving it for the new job")
		return false
	case errors.Is(err, ErrNotFound):
		logger.Info("Statement was deleted while processing")
		return true
	case err != nil:
		logger.Error("Failed to mark statement failed", "error", err)
		return true
	}

	statementsProcessed.WithLabelValues(string(StatusFailed)).Inc()
	return true
}

func truncateMessage(s string) string {
	if utf8.RuneCountInString(s) <= maxErrorMessageLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxErrorMessageLength])
}

// runLocks serializes runs per statement within the process
type runLocks struct {
	mu      sync.Mutex
	running map[string]chan struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{running: make(map[string]chan struct{})}
}

// acquire blocks until no other run holds statementID or ctx is done
func (l *runLocks) acquire(ctx context.Context, statementID string) (func(), error) {
	for {
		l.mu.Lock()
		done, busy := l.running[statementID]
		if !busy {
			done = make(chan struct{})
			l.running[statementID] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.running, statementID)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
