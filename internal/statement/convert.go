package statement

import (
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/statement-tracker/internal/extraction"
)

// dateFormats are tried in order. Statements are day-first.
var dateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02/01/06",
	"02-Jan-2006",
	"02-Jan-06",
}

// parseDate normalises a model supplied date, returning nil when it is empty
// or in no recognised format.
func parseDate(value *string) *time.Time {
	if value == nil {
		return nil
	}
	s := strings.TrimSpace(*value)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	slog.Warn("Ignoring unparseable date", "value", s)
	return nil
}

// installments returns the installment pair if it satisfies total >= current >= 1
func installments(current, total *int) (*int, *int, bool) {
	if current == nil && total == nil {
		return nil, nil, true
	}
	if current == nil || total == nil {
		return nil, nil, false
	}
	if *current < 1 || *total < *current {
		return nil, nil, false
	}
	return current, total, true
}

// newExpense converts an extracted line item. The card is resolved separately.
func newExpense(id, statementID string, data extraction.ExpenseData, now time.Time) *Expense {
	expense := &Expense{
		ID:           id,
		StatementID:  statementID,
		Description:  strings.TrimSpace(data.Description),
		AmountARS:    data.AmountARS,
		AmountUSD:    data.AmountUSD,
		PurchaseDate: parseDate(data.PurchaseDate),
		CreatedAt:    now,
	}

	current, total, ok := installments(data.CurrentInstallment.Int(), data.TotalInstallments.Int())
	if !ok {
		slog.Warn("Dropping invalid installments",
			"statement_id", statementID,
			"description", expense.Description,
			"current", data.CurrentInstallment.Int(),
			"total", data.TotalInstallments.Int(),
		)
	}
	expense.CurrentInstallment = current
	expense.TotalInstallments = total

	return expense
}

// applySummary copies the statement level fields. A nil summary clears them.
func applySummary(stmt *Statement, summary *extraction.SummaryData) {
	if summary == nil {
		summary = &extraction.SummaryData{}
	}
	stmt.TotalARS = summary.TotalARS
	stmt.TotalUSD = summary.TotalUSD
	stmt.DueDate = parseDate(summary.DueDate)
	stmt.StatementDate = parseDate(summary.StatementDate)
}
