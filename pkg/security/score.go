package security

import (
	"fmt"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// Score is the overall hygiene assessment of a set of credentials.
type Score struct {
	// Overall is the total score (0-100).
	Overall     int             `json:"overall"`
	Components  ScoreComponents `json:"components"`
	Issues      []Issue         `json:"issues"`
	Suggestions []string        `json:"suggestions"`
}

// ScoreComponents breaks the score down. Each component contributes up to
// 50 points.
type ScoreComponents struct {
	// StrengthScore is the average secret length rating (0-50).
	StrengthScore int `json:"strength"`
	// UniquenessScore is the share of distinct secrets (0-50).
	UniquenessScore int `json:"uniqueness"`
}

// IssueType identifies the type of issue.
type IssueType string

const (
	IssueShortSecret     IssueType = "short_secret"
	IssueDuplicateSecret IssueType = "duplicate"
)

// Severity indicates the urgency of an issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Issue is one detected problem. Identity fields are empty unless the
// caller asked for them.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Identity    string    `json:"identity,omitempty"`
	Identities  []string  `json:"identities,omitempty"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Calculator computes hygiene scores.
type Calculator struct {
	hmacKey []byte // session-local key for duplicate detection
}

// NewCalculator returns a Calculator with a fresh comparison key.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// CalculateScore scores creds. An empty set scores 100.
func (c *Calculator) CalculateScore(creds []*otp.Credential, includeIdentities bool) (*Score, error) {
	if len(creds) == 0 {
		return &Score{
			Overall:     100,
			Components:  ScoreComponents{StrengthScore: 50, UniquenessScore: 50},
			Issues:      []Issue{},
			Suggestions: []string{},
		}, nil
	}

	strength, shortIssues := c.calculateStrengthScore(creds, includeIdentities)
	uniqueness, dupIssues, err := c.calculateUniquenessScore(creds, includeIdentities)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(shortIssues)+len(dupIssues))
	issues = append(issues, shortIssues...)
	issues = append(issues, dupIssues...)

	return &Score{
		Overall:     strength + uniqueness,
		Components:  ScoreComponents{StrengthScore: strength, UniquenessScore: uniqueness},
		Issues:      issues,
		Suggestions: generateSuggestions(issues),
	}, nil
}

// calculateStrengthScore averages the secret ratings.
func (c *Calculator) calculateStrengthScore(creds []*otp.Credential, includeIdentities bool) (int, []Issue) {
	var issues []Issue
	total := 0
	for _, cred := range creds {
		strength := RateSecret(cred.Secret)
		total += strength.Points()

		var issue Issue
		switch strength {
		case SecretWeak:
			issue = Issue{
				Type:        IssueShortSecret,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("Secret is only %d bits long", 8*len(cred.Secret)),
			}
		case SecretFair:
			issue = Issue{
				Type:        IssueShortSecret,
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("Secret is %d bits long, below the 128-bit minimum", 8*len(cred.Secret)),
			}
		default:
			continue
		}
		issue.Suggestion = "Re-enroll two-factor authentication with the service to get a new secret"
		if includeIdentities {
			issue.Identity = cred.Identity().String()
		}
		issues = append(issues, issue)
	}
	return total / len(creds), issues
}

// calculateUniquenessScore scales the share of distinct secrets to 0-50.
func (c *Calculator) calculateUniquenessScore(creds []*otp.Credential, includeIdentities bool) (int, []Issue, error) {
	groups, err := c.FindDuplicates(creds, includeIdentities, 0)
	if err != nil {
		return 0, nil, err
	}

	distinct := len(creds)
	issues := make([]Issue, 0, len(groups))
	for _, g := range groups {
		distinct -= g.Count - 1
		issues = append(issues, Issue{
			Type:        IssueDuplicateSecret,
			Severity:    SeverityWarning,
			Identities:  g.Identities,
			Description: fmt.Sprintf("%d credentials share the same secret", g.Count),
			Suggestion:  "Each account should have its own secret; re-enroll the copies",
		})
	}
	return distinct * 50 / len(creds), issues, nil
}

func generateSuggestions(issues []Issue) []string {
	var short, dup bool
	for _, i := range issues {
		switch i.Type {
		case IssueShortSecret:
			short = true
		case IssueDuplicateSecret:
			dup = true
		}
	}
	suggestions := []string{}
	if short {
		suggestions = append(suggestions, "Replace short secrets: RFC 4226 requires at least 128 bits and recommends 160")
	}
	if dup {
		suggestions = append(suggestions, "Stop sharing one secret between accounts; a leak of one exposes all of them")
	}
	return suggestions
}
