/**
 * @description
 * Checksum validators for the two identifier formats accepted at the kiosk:
 * the Bulgarian EGN (unified civil number) used as the identity factor, and
 * IBAN account numbers used for transfers. Both are validated at the API
 * boundary before any request reaches the auth or ledger services.
 */

package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidIdentityNumber = errors.New("invalid identity number")
	ErrInvalidAccountNumber  = errors.New("invalid account number")
)

// egnWeights are the position weights of the EGN checksum (mod 11).
var egnWeights = [9]int{2, 4, 8, 5, 10, 9, 7, 3, 6}

// ValidateEGN checks a Bulgarian unified civil number: ten digits, a valid
// encoded birth date (month offset +20 for the 1800s, +40 for the 2000s) and
// a correct weighted check digit.
func ValidateEGN(egn string) error {
	if len(egn) != 10 {
		return ErrInvalidIdentityNumber
	}
	digits := make([]int, 10)
	for i, r := range egn {
		if r < '0' || r > '9' {
			return ErrInvalidIdentityNumber
		}
		digits[i] = int(r - '0')
	}

	year := digits[0]*10 + digits[1]
	month := digits[2]*10 + digits[3]
	day := digits[4]*10 + digits[5]
	switch {
	case month >= 41:
		year += 2000
		month -= 40
	case month >= 21:
		year += 1800
		month -= 20
	default:
		year += 1900
	}
	if month < 1 || month > 12 || day < 1 {
		return ErrInvalidIdentityNumber
	}
	// Normalizing through time.Date catches day overflow (e.g. Feb 30).
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return ErrInvalidIdentityNumber
	}

	sum := 0
	for i, w := range egnWeights {
		sum += digits[i] * w
	}
	check := sum % 11
	if check == 10 {
		check = 0
	}
	if check != digits[9] {
		return ErrInvalidIdentityNumber
	}
	return nil
}

// NormalizeIBAN strips spaces and upper-cases an account number for storage
// and comparison.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
}

// ValidateIBAN checks an IBAN-style account number: country prefix, two check
// digits and the ISO 7064 mod-97 remainder of 1 over the rearranged string.
func ValidateIBAN(iban string) error {
	s := NormalizeIBAN(iban)
	if len(s) < 15 || len(s) > 34 {
		return ErrInvalidAccountNumber
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return ErrInvalidAccountNumber
		}
	}
	for i := 2; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return ErrInvalidAccountNumber
		}
	}

	// Move the country code and check digits to the end, then reduce mod 97
	// digit by digit, expanding letters to their two-digit values (A=10).
	rearranged := s[4:] + s[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return ErrInvalidAccountNumber
		}
	}
	if rem != 1 {
		return ErrInvalidAccountNumber
	}
	return nil
}
