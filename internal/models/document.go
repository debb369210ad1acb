package models

import (
	"regexp"
	"sort"
)

type DocumentType string

const (
	DocumentAadhaar DocumentType = "aadhaar"
	DocumentPAN     DocumentType = "pan"
)

// DocumentDescriptor carries everything that differs between document types.
// Slug is used in routes and Label in user-facing messages.
type DocumentDescriptor struct {
	Type              DocumentType
	Slug              string
	Label             string
	IdentifierPattern *regexp.Regexp
}

var descriptors = map[DocumentType]DocumentDescriptor{
	DocumentAadhaar: {
		Type:              DocumentAadhaar,
		Slug:              "aadhaar",
		Label:             "Aadhaar",
		IdentifierPattern: regexp.MustCompile(`\b\d{4} \d{4} \d{4}\b`),
	},
	DocumentPAN: {
		Type:              DocumentPAN,
		Slug:              "pan",
		Label:             "PAN",
		IdentifierPattern: regexp.MustCompile(`\b[A-Z]{5}\d{4}[A-Z]\b`),
	},
}

// Descriptors returns every supported document type ordered by slug.
func Descriptors() []DocumentDescriptor {
	out := make([]DocumentDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func LookupDescriptor(docType DocumentType) (DocumentDescriptor, bool) {
	d, ok := descriptors[docType]
	return d, ok
}
