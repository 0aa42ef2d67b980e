package password

import (
	"fmt"
	"unicode"
)

// Policy is the configurable password acceptance rule set.
type Policy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumber    bool
	RequireSymbol    bool
}

// DefaultPolicy mirrors the platform default: 8+ characters with at least
// one upper, one lower, and one digit.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumber:    true,
	}
}

// Check returns one human-readable violation per unmet rule. An empty
// result means the password is acceptable.
func (p Policy) Check(plaintext string) []string {
	var issues []string

	if len(plaintext) < p.MinLength {
		issues = append(issues, fmt.Sprintf("password must be at least %d characters", p.MinLength))
	}

	var upper, lower, number, symbol bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			number = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if p.RequireUppercase && !upper {
		issues = append(issues, "password must contain an uppercase letter")
	}
	if p.RequireLowercase && !lower {
		issues = append(issues, "password must contain a lowercase letter")
	}
	if p.RequireNumber && !number {
		issues = append(issues, "password must contain a number")
	}
	if p.RequireSymbol && !symbol {
		issues = append(issues, "password must contain a symbol")
	}

	return issues
}
