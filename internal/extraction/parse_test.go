package extraction

import (
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const cleanStatementJSON = `{
  "expenses": [
    {"description": "Netflix", "amount_ars": 2500, "amount_usd": null, "current_installment": null, "total_installments": null, "card_identifier": null, "purchase_date": "2024-01-03"},
    {"description": "Amazon", "amount_ars": 10000, "amount_usd": null, "current_installment": 2, "total_installments": 6, "card_identifier": "1234", "purchase_date": null}
  ],
  "summary": {"total_ars": 12500, "total_usd": null, "due_date": "2024-02-10", "statement_date": "2024-01-15"}
}`

var _ = Describe("ParseResponse", func() {
	var (
		input     string
		candidate Candidate
	)

	JustBeforeEach(func() {
		candidate = ParseResponse(input)
	})

	When("the response is clean JSON", func() {
		BeforeEach(func() {
			input = cleanStatementJSON
		})

		It("parses the full statement", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))
			Expect(candidate.Statement.Expenses).To(HaveLen(2))
		})

		It("parses amounts as decimals", func() {
			Expect(candidate.Statement.Expenses[0].AmountARS.String()).To(Equal("2500"))
			Expect(candidate.Statement.Expenses[0].AmountUSD).To(BeNil())
		})

		It("parses installments", func() {
			amazon := candidate.Statement.Expenses[1]
			Expect(*amazon.CurrentInstallment.Int()).To(Equal(2))
			Expect(*amazon.TotalInstallments.Int()).To(Equal(6))
		})

		It("parses the summary", func() {
			Expect(candidate.Statement.Summary).NotTo(BeNil())
			Expect(candidate.Statement.Summary.TotalARS.String()).To(Equal("12500"))
			Expect(*candidate.Statement.Summary.DueDate).To(Equal("2024-02-10"))
		})
	})

	When("the response is fenced with a trailing comma before ]", func() {
		BeforeEach(func() {
			input = "Here is the data:\n```json\n" + `{
  "expenses": [
    {"description": "Netflix", "amount_ars": 2500, "amount_usd": null, "current_installment": null, "total_installments": null, "card_identifier": null, "purchase_date": "2024-01-03"},
    {"description": "Amazon", "amount_ars": 10000, "amount_usd": null, "current_installment": 2, "total_installments": 6, "card_identifier": "1234", "purchase_date": null},
  ],
  "summary": {"total_ars": 12500, "total_usd": null, "due_date": "2024-02-10", "statement_date": "2024-01-15"}
}` + "\n```\nLet me know if you need more."
		})

		It("recovers the same expenses as the clean payload", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))

			clean, err := ParseResponse(cleanStatementJSON).Result()
			Expect(err).NotTo(HaveOccurred())

			got, err := json.Marshal(candidate.Statement.Expenses)
			Expect(err).NotTo(HaveOccurred())
			want, err := json.Marshal(clean.Expenses)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(MatchJSON(want))
		})
	})

	When("the fence has no language tag", func() {
		BeforeEach(func() {
			input = "```\n{\"expenses\": [{\"description\": \"Spotify\", \"amount_ars\": 1200}], \"summary\": null}\n```"
		})

		It("parses the interior", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))
			Expect(candidate.Statement.Expenses[0].Description).To(Equal("Spotify"))
			Expect(candidate.Statement.Summary).To(BeNil())
		})
	})

	When("the JSON is surrounded by prose", func() {
		BeforeEach(func() {
			input = `Sure! {"expenses": [{"description": "Uber", "amount_ars": 3400.50}], "summary": {"total_ars": 3400.50}} Hope this helps.`
		})

		It("parses the object between the outer braces", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))
			Expect(candidate.Statement.Expenses[0].AmountARS.String()).To(Equal("3400.5"))
		})
	})

	When("strings contain raw control characters", func() {
		BeforeEach(func() {
			input = "{\"expenses\": [{\"description\": \"Mercado\tLibre\nCompra\", \"amount_ars\": 100}], \"summary\": null}"
		})

		It("still parses", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))
			Expect(candidate.Statement.Expenses[0].Description).To(Equal("Mercado Libre Compra"))
		})
	})

	When("numbers come back as strings", func() {
		BeforeEach(func() {
			input = `{"expenses": [{"description": "TV", "amount_ars": "45000.99", "current_installment": "3", "total_installments": 12.0, "card_identifier": 5678}], "summary": null}`
		})

		It("coerces them", func() {
			Expect(candidate.Kind).To(Equal(CandidateParsed))
			e := candidate.Statement.Expenses[0]
			Expect(e.AmountARS.String()).To(Equal("45000.99"))
			Expect(*e.CurrentInstallment.Int()).To(Equal(3))
			Expect(*e.TotalInstallments.Int()).To(Equal(12))
			Expect(*e.CardIdentifier.Value()).To(Equal("5678"))
		})
	})

	When("the summary is malformed", func() {
		BeforeEach(func() {
			input = `{"expenses": [{"description": "Netflix", "amount_ars": 2500}, {"description": "Disney+", "amount_ars": 1800}], "summary": {"total_ars": 4300 "due_date": "2024-02-10"}}`
		})

		It("recovers the expenses without a summary", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(2))
			Expect(candidate.Statement.Summary).To(BeNil())
		})
	})

	When("a description contains a closing bracket and the summary is malformed", func() {
		BeforeEach(func() {
			input = `{"expenses":[{"description":"Cuota [2/6] Amazon","amount_ars":100}],"summary":{"total_ars":"12.650,00"}}`
		})

		It("recovers only the real expense", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(1))
			Expect(candidate.Statement.Expenses[0].Description).To(Equal("Cuota [2/6] Amazon"))
			Expect(candidate.Statement.Expenses[0].AmountARS.String()).To(Equal("100"))
			Expect(candidate.Statement.Summary).To(BeNil())
		})
	})

	When("descriptions contain braces and escaped quotes", func() {
		BeforeEach(func() {
			input = `{"expenses": [{"description": "Pago {ref} \"MP\" ]", "amount_ars": 50}, {"description": "Steam", "amount_usd": 20}], "summary": {"total_ars": 50 "due_date": null}}`
		})

		It("keeps each expense whole", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(2))
			Expect(candidate.Statement.Expenses[0].Description).To(Equal(`Pago {ref} "MP" ]`))
			Expect(candidate.Statement.Expenses[1].Description).To(Equal("Steam"))
		})
	})

	When("a malformed array is followed by the summary", func() {
		BeforeEach(func() {
			input = `{"expenses": [{"description": "Netflix", "amount_ars": 2500} {"description": "Spotify", "amount_ars": 1200}], "summary": {"total_ars": 3700, "due_date": "2024-02-10"}}`
		})

		It("does not turn the summary into an expense", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(2))
			for _, e := range candidate.Statement.Expenses {
				Expect(e.Description).NotTo(BeEmpty())
			}
		})
	})

	When("a salvaged item has no description", func() {
		BeforeEach(func() {
			input = `{"expenses": [{"description": "Netflix", "amount_ars": 2500}, {"amount_ars": 99}, {"description": "  ", "amount_ars": 1}], "summary": {"total_ars": }}`
		})

		It("drops it", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(1))
			Expect(candidate.Statement.Expenses[0].Description).To(Equal("Netflix"))
		})
	})

	When("the output was cut off mid-array", func() {
		BeforeEach(func() {
			input = "```json\n" + `{"expenses": [{"description": "Netflix", "amount_ars": 2500}, {"description": "Amazon", "amount_ars": 10000}, {"description": "Steam", "amou`
		})

		It("keeps every complete expense", func() {
			Expect(candidate.Kind).To(Equal(CandidateRecovered))
			Expect(candidate.Statement.Expenses).To(HaveLen(2))
			Expect(candidate.Statement.Expenses[1].Description).To(Equal("Amazon"))
		})
	})

	When("there is no JSON at all", func() {
		BeforeEach(func() {
			input = "I could not read this statement."
		})

		It("fails with ErrNoJSON", func() {
			_, err := candidate.Result()
			Expect(candidate.Kind).To(Equal(CandidateFailed))
			Expect(errors.Is(err, ErrNoJSON)).To(BeTrue())

			var parseErr *ParseError
			Expect(errors.As(err, &parseErr)).To(BeTrue())
			Expect(parseErr.Stage).To(Equal("locate"))
		})
	})

	When("nothing can be recovered", func() {
		BeforeEach(func() {
			input = `{"expenses": "none", "summary": {`
		})

		It("reports the original decode failure", func() {
			_, err := candidate.Result()
			Expect(candidate.Kind).To(Equal(CandidateFailed))

			var parseErr *ParseError
			Expect(errors.As(err, &parseErr)).To(BeTrue())
			Expect(parseErr.Stage).To(Equal("decode"))
			Expect(parseErr.Err).To(HaveOccurred())
		})
	})

	When("the object has no expenses field", func() {
		BeforeEach(func() {
			input = `{"error": "document is not a statement"}`
		})

		It("fails", func() {
			Expect(candidate.Kind).To(Equal(CandidateFailed))
		})
	})
})
