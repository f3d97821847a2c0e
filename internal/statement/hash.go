package statement

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotPDF is returned when an upload does not look like a PDF document
var ErrNotPDF = errors.New("file is not a PDF")

var pdfMagic = []byte("%PDF-")

// ContentHash returns the hex encoded SHA-256 of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsPDF reports whether data starts with the PDF header. Some producers put a
// few bytes of junk before it, so the first kilobyte is searched.
func IsPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, pdfMagic)
}
