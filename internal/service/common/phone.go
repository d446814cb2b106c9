package common

import "strings"

// PhoneMatchPolicy selects how webhook phone numbers are matched against
// stored contact phones when no echoed metadata is available.
type PhoneMatchPolicy string

const (
	// MatchPolicySuffix compares the last 10 digits of both numbers. This
	// is the stricter policy and avoids false positives on short numbers.
	MatchPolicySuffix PhoneMatchPolicy = "suffix"
	// MatchPolicySubstring accepts a substring match in either direction,
	// handling providers that report numbers with or without country code.
	MatchPolicySubstring PhoneMatchPolicy = "substring"
)

const suffixDigits = 10

// NormalizePhone strips every non-digit character from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhonesMatch reports whether two already-normalized digit strings refer
// to the same number under the given policy.
func PhonesMatch(a, b string, policy PhoneMatchPolicy) bool {
	if a == "" || b == "" {
		return false
	}
	switch policy {
	case MatchPolicySubstring:
		return strings.Contains(a, b) || strings.Contains(b, a)
	default:
		return suffix(a) == suffix(b)
	}
}

func suffix(digits string) string {
	if len(digits) <= suffixDigits {
		return digits
	}
	return digits[len(digits)-suffixDigits:]
}
