package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// StatementData is the structured result extracted from a statement's text
type StatementData struct {
	Expenses []ExpenseData `json:"expenses"`
	Summary  *SummaryData  `json:"summary"`
}

// ExpenseData is one line item as returned by the model
type ExpenseData struct {
	Description        string           `json:"description"`
	AmountARS          *decimal.Decimal `json:"amount_ars"`
	AmountUSD          *decimal.Decimal `json:"amount_usd"`
	CurrentInstallment *FlexInt         `json:"current_installment"`
	TotalInstallments  *FlexInt         `json:"total_installments"`
	CardIdentifier     *FlexString      `json:"card_identifier"`
	PurchaseDate       *string          `json:"purchase_date"`
}

// SummaryData holds the statement-level totals and dates
type SummaryData struct {
	TotalARS      *decimal.Decimal `json:"total_ars"`
	TotalUSD      *decimal.Decimal `json:"total_usd"`
	DueDate       *string          `json:"due_date"`
	StatementDate *string          `json:"statement_date"`
}

// FlexInt accepts integers encoded as JSON numbers or numeric strings.
// Models routinely return "2" or 2.0 where an integer is asked for.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		// zero never passes installment validation, so it reads as unset
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	if v != math.Trunc(v) {
		return fmt.Errorf("invalid integer %q: has a fractional part", s)
	}
	*f = FlexInt(v)
	return nil
}

// Int returns the value as an int pointer, nil when unset.
func (f *FlexInt) Int() *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// FlexString accepts strings or bare numbers, so a card identifier of 1234
// decodes the same as "1234".
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid string value %s", string(b))
	}
	*f = FlexString(n.String())
	return nil
}

// Value returns the trimmed value, or nil when unset or blank.
func (f *FlexString) Value() *string {
	if f == nil {
		return nil
	}
	s := strings.TrimSpace(string(*f))
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	return &s
}
