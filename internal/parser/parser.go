// Package parser turns raw OCR text into candidate document fields.
//
// Extraction failure is not an error: callers receive NotDetected and the
// verification flow continues.
package parser

import (
	"regexp"
	"strings"

	"kyc-service/internal/models"
)

// NotDetected stands in for a field the text did not contain.
const NotDetected = "Not detected"

var (
	nameLine = regexp.MustCompile(`^[A-Z\s]+$`)
	digit    = regexp.MustCompile(`\d`)
)

type Fields struct {
	Identifier string
	Name       string
}

// ExtractIdentifier returns the first match of the document type's identifier pattern.
func ExtractIdentifier(text string, docType models.DocumentType) string {
	descriptor, ok := models.LookupDescriptor(docType)
	if !ok || descriptor.IdentifierPattern == nil {
		return NotDetected
	}
	if match := descriptor.IdentifierPattern.FindString(text); match != "" {
		return match
	}
	return NotDetected
}

// ExtractName returns the first line made only of uppercase letters and whitespace.
func ExtractName(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if nameLine.MatchString(line) && !digit.MatchString(line) {
			return line
		}
	}
	return NotDetected
}

func Parse(text string, docType models.DocumentType) Fields {
	return Fields{
		Identifier: ExtractIdentifier(text, docType),
		Name:       ExtractName(text),
	}
}
