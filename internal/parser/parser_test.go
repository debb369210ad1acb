package parser

import (
	"testing"

	"kyc-service/internal/models"
)

func TestExtractIdentifierAadhaar(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"plain", "Govt of India\n1234 5678 9012\n", "1234 5678 9012"},
		{"first match wins", "1111 2222 3333 and 4444 5555 6666", "1111 2222 3333"},
		{"embedded in line", "No: 9876 5432 1098 DOB", "9876 5432 1098"},
		{"double space rejected", "1234  5678 9012", NotDetected},
		{"longer digit run rejected", "12345 5678 9012", NotDetected},
		{"missing", "no number here", NotDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractIdentifier(tc.text, models.DocumentAadhaar); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractIdentifierPAN(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"plain", "INCOME TAX DEPARTMENT\nABCDE1234F\n", "ABCDE1234F"},
		{"first match wins", "ABCDE1234F PQRST6789Z", "ABCDE1234F"},
		{"lowercase rejected", "abcde1234f", NotDetected},
		{"wrong layout", "ABCD12345F", NotDetected},
		{"glued to word", "XABCDE1234F", NotDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractIdentifier(tc.text, models.DocumentPAN); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractIdentifierUnknownType(t *testing.T) {
	if got := ExtractIdentifier("1234 5678 9012", models.DocumentType("passport")); got != NotDetected {
		t.Fatalf("unknown document types must not match, got %q", got)
	}
}

func TestExtractName(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"first uppercase line", "Government of India\n  JOHN DOE  \nJANE ROE", "JOHN DOE"},
		{"skips digits", "DOB 1990\nA B C", "A B C"},
		{"skips mixed case", "John Doe\nJOHN DOE", "JOHN DOE"},
		{"carriage returns trimmed", "JOHN DOE\r\n", "JOHN DOE"},
		{"blank lines skipped", "\n\n   \nMARY", "MARY"},
		{"none", "lower case only\n1234", NotDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractName(tc.text); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	text := "GOVERNMENT OF INDIA\nJOHN DOE\n1234 5678 9012"
	first := Parse(text, models.DocumentAadhaar)
	for i := 0; i < 10; i++ {
		if got := Parse(text, models.DocumentAadhaar); got != first {
			t.Fatalf("parse changed between calls: %+v vs %+v", got, first)
		}
	}
	if first.Identifier != "1234 5678 9012" || first.Name != "GOVERNMENT OF INDIA" {
		t.Fatalf("unexpected fields %+v", first)
	}
}
