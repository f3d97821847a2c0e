package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a response contains nothing that looks like a JSON object
var ErrNoJSON = errors.New("no JSON object found in response")

var (
	fencedBlock   = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n?(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([\]}])`)
	controlChars  = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	expensesOpen  = regexp.MustCompile(`"expenses"\s*:\s*\[`)
)

// ParseError reports that a model response could not be turned into
// structured data. Err holds the original decode failure.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse extraction response (%s): %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// CandidateKind tags the outcome of parsing a model response
type CandidateKind int

const (
	// CandidateParsed means the whole object, summary included, decoded
	CandidateParsed CandidateKind = iota
	// CandidateRecovered means only the expenses array could be salvaged
	CandidateRecovered
	// CandidateFailed means nothing usable was found
	CandidateFailed
)

func (k CandidateKind) String() string {
	switch k {
	case CandidateParsed:
		return "parsed"
	case CandidateRecovered:
		return "recovered_partial"
	default:
		return "failed"
	}
}

// Candidate is the result of running a response through the recovery steps
type Candidate struct {
	Kind      CandidateKind
	Statement *StatementData
	Err       error
}

// Result returns the parsed statement or the parse error.
func (c Candidate) Result() (*StatementData, error) {
	if c.Kind == CandidateFailed {
		return nil, c.Err
	}
	return c.Statement, nil
}

// ParseResponse turns raw model text into a statement. Each step falls
// through to the next one on failure:
//
//  1. keep only the interior of a fenced code block, if any
//  2. take the first '{' through the last '}'
//  3. drop trailing commas and control characters
//  4. decode the whole object
//  5. salvage just the expenses array, with a null summary
func ParseResponse(text string) Candidate {
	body := unfence(text)

	candidate, err := locateObject(body)
	if err != nil {
		return Candidate{Kind: CandidateFailed, Err: &ParseError{Stage: "locate", Err: err}}
	}
	candidate = clean(candidate)

	stmt, decodeErr := decodeStatement(candidate)
	if decodeErr == nil {
		return Candidate{Kind: CandidateParsed, Statement: stmt}
	}

	if stmt, err := salvageExpenses(candidate); err == nil {
		return Candidate{Kind: CandidateRecovered, Statement: stmt}
	}

	return Candidate{Kind: CandidateFailed, Err: &ParseError{Stage: "decode", Err: decodeErr}}
}

func unfence(text string) string {
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	// An opening fence whose closing fence was cut off by the token limit.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx != -1 {
			return trimmed[idx+1:]
		}
	}
	return text
}

func locateObject(text string) (string, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", ErrNoJSON
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		// Truncated output: keep everything after the opening brace so the
		// expenses salvage step still has something to work with.
		return text[start:], nil
	}
	return text[start : end+1], nil
}

func clean(s string) string {
	s = controlChars.ReplaceAllString(s, " ")
	return trailingComma.ReplaceAllString(s, "$1")
}

func decodeStatement(s string) (*StatementData, error) {
	var probe struct {
		Expenses json.RawMessage `json:"expenses"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, err
	}
	if len(probe.Expenses) == 0 {
		return nil, errors.New(`response has no "expenses" field`)
	}

	var stmt StatementData
	if err := json.Unmarshal([]byte(s), &stmt); err != nil {
		return nil, err
	}
	if stmt.Expenses == nil {
		stmt.Expenses = []ExpenseData{}
	}
	return &stmt, nil
}

// salvageExpenses keeps the complete objects of the expenses array. The array
// ends at its closing bracket or, when the output was cut off, at the end of
// the text. Items that do not decode or have no description are dropped.
func salvageExpenses(s string) (*StatementData, error) {
	loc := expensesOpen.FindStringIndex(s)
	if loc == nil {
		return nil, errors.New("no expenses array found")
	}

	objects, closed := arrayObjects(s[loc[1]:])
	expenses := make([]ExpenseData, 0, len(objects))
	for _, obj := range objects {
		var expense ExpenseData
		if err := json.Unmarshal([]byte(obj), &expense); err != nil {
			continue
		}
		if strings.TrimSpace(expense.Description) == "" {
			continue
		}
		expenses = append(expenses, expense)
	}

	if len(expenses) == 0 && !(closed && len(objects) == 0) {
		return nil, errors.New("no complete expense objects found")
	}
	return &StatementData{Expenses: expenses}, nil
}

// arrayObjects returns the complete top-level objects of a JSON array whose
// opening bracket has already been consumed. Brackets and braces inside
// strings are ignored. closed reports whether the array's closing bracket
// was found.
func arrayObjects(s string) (objects []string, closed bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			if depth == 0 && c == '{' {
				start = i
			}
			depth++
		case '}', ']':
			if depth == 0 {
				if c == ']' {
					return objects, true
				}
				continue
			}
			depth--
			if depth == 0 && c == '}' && start >= 0 {
				objects = append(objects, s[start:i+1])
				start = -1
			}
		}
	}
	return objects, false
}
