package extraction

import "strings"

// statementPrompt is shared by all inference backends. The statement text is
// appended after the instructions.
const statementPrompt = `You are reading the text of an Argentine credit card statement ("resumen de tarjeta"). Extract every charge and the statement summary.

Return ONE JSON object with exactly this shape:
{
  "expenses": [
    {
      "description": "merchant or concept as printed",
      "amount_ars": 0.00,
      "amount_usd": null,
      "current_installment": null,
      "total_installments": null,
      "card_identifier": null,
      "purchase_date": "YYYY-MM-DD"
    }
  ],
  "summary": {
    "total_ars": 0.00,
    "total_usd": null,
    "due_date": "YYYY-MM-DD",
    "statement_date": "YYYY-MM-DD"
  }
}

Rules:
- amount_ars is the amount in pesos, amount_usd the amount in dollars. Use null for the column that is empty. Amounts are plain numbers with a dot as decimal separator and no thousands separators.
- For installment purchases ("Cuota 02/06", "C.02/06") set current_installment to 2 and total_installments to 6. Otherwise use null for both.
- card_identifier is the last four digits of the card the charge belongs to, or the cardholder name when no digits are printed. Use null for charges not tied to a card, such as taxes, stamp duty, interest and fees.
- Dates must be ISO 8601 (YYYY-MM-DD). Use null when a date is not printed.
- summary.due_date is the payment due date ("vencimiento"); summary.statement_date is the closing date ("cierre").
- Do not include payments or credits from the previous statement as expenses.
- Return only the JSON object, with no commentary and no markdown code fences.

Statement text:
`

// BuildPrompt returns the full extraction prompt for a statement's text
func BuildPrompt(statementText string) string {
	var b strings.Builder
	b.Grow(len(statementPrompt) + len(statementText))
	b.WriteString(statementPrompt)
	b.WriteString(strings.TrimSpace(statementText))
	return b.String()
}
