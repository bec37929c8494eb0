package core

import "strings"

var phoneSeparators = strings.NewReplacer("+", "", "-", "", " ", "", "(", "", ")", "", ".", "")

// NormalizePhone returns the canonical digits-only form of a phone number.
// It strips separators only; callers validate the result with ValidPhone.
func NormalizePhone(raw string) string {
	return phoneSeparators.Replace(strings.TrimSpace(raw))
}

// ValidPhone reports whether a normalized phone is 7 to 15 digits (E.164 bounds).
func ValidPhone(phone string) bool {
	if len(phone) < 7 || len(phone) > 15 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MaskPhone keeps the last four digits for log lines.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
