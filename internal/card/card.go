// Package card provides pure card-number validation, brand detection and
// masking. No state, no network.
package card

import "strings"

// Brand is a card network brand detected from the number prefix.
type Brand string

const (
	BrandVisa       Brand = "VISA"
	BrandMastercard Brand = "MASTERCARD"
	BrandAmex       Brand = "AMEX"
	BrandDiners     Brand = "DINERS"
	BrandJCB        Brand = "JCB"
	BrandUnknown    Brand = "UNKNOWN"
)

// digits strips spaces and dashes and returns the digit string,
// or "" if any other character is present.
func digits(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			// separator, skip
		default:
			return ""
		}
	}
	return b.String()
}

// ValidateChecksum reports whether number passes the Luhn mod-10 check.
// Spaces and dashes are stripped first; any other non-digit input or a
// length outside [13,19] fails.
func ValidateChecksum(number string) bool {
	n := digits(number)
	if len(n) < 13 || len(n) > 19 {
		return false
	}

	total := 0
	double := false
	for i := len(n) - 1; i >= 0; i-- {
		d := int(n[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d = d%10 + 1
			}
		}
		total += d
		double = !double
	}
	return total%10 == 0
}

// DetectBrand classifies a card number by its prefix. Pure and
// deterministic; never calls out.
func DetectBrand(number string) Brand {
	n := stripNonDigits(number)
	if n == "" {
		return BrandUnknown
	}
	if n[0] == '4' {
		return BrandVisa
	}
	if len(n) < 2 {
		return BrandUnknown
	}
	switch n[:2] {
	case "34", "37":
		return BrandAmex
	case "36", "38", "30":
		return BrandDiners
	case "35":
		return BrandJCB
	case "51", "52", "53", "54", "55":
		return BrandMastercard
	}
	return BrandUnknown
}

// Mask returns the display form "**** **** **** <last4>", or "" when
// fewer than 4 digits are present.
func Mask(number string) string {
	n := stripNonDigits(number)
	if len(n) < 4 {
		return ""
	}
	return "**** **** **** " + n[len(n)-4:]
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
