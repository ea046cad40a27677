package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/security"
)

// Security command flags
var (
	securityVerbose bool
	securityJSON    bool
)

func init() {
	rootCmd.AddCommand(securityCmd)

	securityCmd.Flags().BoolVarP(&securityVerbose, "verbose", "v", false, "Show suggestions")
	securityCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
}

// securityCmd scores credential hygiene.
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Analyze credential hygiene",
	Long: `Analyze the stored credentials and get recommendations.

The score is calculated from:
  - Secret Strength (0-50): Average secret length rating
  - Uniqueness (0-50): Share of credentials with their own secret

Example:
  otpkeys security
  otpkeys security --verbose
  otpkeys security --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		creds := make([]*otp.Credential, 0, dir.Len())
		for _, id := range identities(dir) {
			c, err := dir.Credential(id)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", id, err)
			}
			creds = append(creds, c)
		}

		score, err := security.NewCalculator().CalculateScore(creds, true)
		if err != nil {
			return fmt.Errorf("failed to calculate security score: %w", err)
		}
		if securityJSON {
			return outputSecurityJSON(cmd.OutOrStdout(), score)
		}
		outputSecurityText(cmd.OutOrStdout(), score, securityVerbose)
		return nil
	},
}

func outputSecurityJSON(w io.Writer, score *security.Score) error {
	data, err := json.MarshalIndent(score, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func outputSecurityText(w io.Writer, score *security.Score, verbose bool) {
	var rating string
	switch {
	case score.Overall >= 90:
		rating = "Excellent"
	case score.Overall >= 70:
		rating = "Good"
	case score.Overall >= 50:
		rating = "Fair"
	default:
		rating = "Needs Attention"
	}
	fmt.Fprintf(w, "Security Score: %d/100 (%s)\n\n", score.Overall, rating)

	fmt.Fprintln(w, "Components:")
	fmt.Fprintf(w, "  Secret Strength: %d/50 %s\n", score.Components.StrengthScore, progressBar(score.Components.StrengthScore, 50))
	fmt.Fprintf(w, "  Uniqueness:      %d/50 %s\n", score.Components.UniquenessScore, progressBar(score.Components.UniquenessScore, 50))
	fmt.Fprintln(w)

	if len(score.Issues) > 0 {
		fmt.Fprintf(w, "Issues (%d):\n", len(score.Issues))
		for i, issue := range score.Issues {
			who := issue.Identity
			if len(issue.Identities) > 0 {
				who = strings.Join(issue.Identities, ", ")
			}
			fmt.Fprintf(w, "  %d. [%s] %s: %s\n", i+1, strings.ToUpper(string(issue.Severity)), who, issue.Description)
		}
		fmt.Fprintln(w)
	}

	if verbose && len(score.Suggestions) > 0 {
		fmt.Fprintln(w, "Suggestions:")
		for _, s := range score.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
}

// progressBar creates a simple ASCII progress bar.
func progressBar(value, maxVal int) string {
	width := 20
	filled := value * width / maxVal
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
