package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/directory"
	"github.com/ogarcia/otp-keys/pkg/importer"
)

// Import conflict handling modes
const (
	conflictSkip      = "skip"
	conflictOverwrite = "overwrite"
	conflictError     = "error"
)

var (
	importFormat   string
	importConflict string
	importDryRun   bool
	importIssuer   string
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importFormat, "format", "f", string(importer.SourceOTPAuth),
		"Input format: "+strings.Join(importer.ValidSources(), ", "))
	importCmd.Flags().StringVar(&importConflict, "conflict", conflictSkip, "Conflict handling: skip, overwrite, error")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without making changes")
	importCmd.Flags().StringVar(&importIssuer, "issuer", "", "Issuer for entries that do not name one")

	// Convenience aliases for --conflict
	importCmd.Flags().Bool("skip", false, "Skip existing credentials (same as --conflict=skip)")
	importCmd.Flags().Bool("overwrite", false, "Overwrite existing credentials (same as --conflict=overwrite)")
	importCmd.Flags().Bool("error", false, "Error on conflict (same as --conflict=error)")
	importCmd.MarkFlagsMutuallyExclusive("skip", "overwrite", "error")
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Imports credentials from a file",
	Long: `Imports credentials from a file.

Supported formats:
  otpauth    One otpauth://totp URI or legacy entry per line (default)
  1password  1Password CSV export
  bitwarden  Bitwarden unencrypted JSON export
  lastpass   LastPass CSV export

Examples:
  otpkeys import uris.txt
  otpkeys import bitwarden.json --format bitwarden --dry-run
  otpkeys import export.csv --format lastpass --overwrite

Conflict handling:
  --skip       Skip credentials that already exist (default)
  --overwrite  Replace existing credentials
  --error      Exit with error if any credential already exists`,
	Args: cobra.ExactArgs(1),
	RunE: executeImport,
}

func executeImport(cmd *cobra.Command, args []string) error {
	// Handle convenience flags
	if skip, _ := cmd.Flags().GetBool("skip"); skip {
		importConflict = conflictSkip
	}
	if overwrite, _ := cmd.Flags().GetBool("overwrite"); overwrite {
		importConflict = conflictOverwrite
	}
	if errFlag, _ := cmd.Flags().GetBool("error"); errFlag {
		importConflict = conflictError
	}
	if err := validateImportFlags(); err != nil {
		return err
	}

	// 1. Read and parse the file
	data, err := readImportFile(args[0])
	if err != nil {
		return err
	}
	parser, err := importer.GetParser(importer.Source(importFormat))
	if err != nil {
		return err
	}
	result, err := parser.Parse(data, importer.ParseOptions{Issuer: importIssuer})
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	importer.DeduplicateCredentials(result)

	out := cmd.OutOrStdout()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	for _, s := range result.Skipped {
		fmt.Fprintf(out, "Skipped (%s): %s\n", s.Reason, s.Origin)
	}
	if len(result.Credentials) == 0 {
		fmt.Fprintln(out, "No credentials found in file")
		return nil
	}

	// 2. Unlock and import
	if err := ensureUnlocked(cmd.Context()); err != nil {
		return err
	}
	defer store.Lock()

	report, err := importCredentials(dir, result.Credentials, importConflict, importDryRun)
	report.print(out, importDryRun)
	return err
}

func validateImportFlags() error {
	if importConflict != conflictSkip && importConflict != conflictOverwrite && importConflict != conflictError {
		return fmt.Errorf("invalid conflict mode '%s': must be 'skip', 'overwrite', or 'error'", importConflict)
	}
	if !slices.Contains(importer.ValidSources(), importFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %s", importFormat, strings.Join(importer.ValidSources(), ", "))
	}
	return nil
}

func readImportFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}

	// Security check: reject symlinks
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// importReport lists identities by outcome, in input order.
type importReport struct {
	Imported    []string
	Overwritten []string
	Skipped     []string
	Conflicts   []string
	Failed      []string
}

// importCredentials adds creds to d, resolving identity collisions by mode.
// In error mode any collision aborts before the first write. A dry run only
// reports.
func importCredentials(d *directory.Directory, creds []*importer.ImportedCredential, mode string, dryRun bool) (importReport, error) {
	var report importReport

	exists := func(ic *importer.ImportedCredential) bool {
		return d.Find(ic.Credential.Identity()) >= 0
	}

	if mode == conflictError {
		for _, ic := range creds {
			if exists(ic) {
				report.Conflicts = append(report.Conflicts, ic.Credential.Identity().String())
			}
		}
		if len(report.Conflicts) > 0 {
			return report, fmt.Errorf("%d credential(s) already exist: %s",
				len(report.Conflicts), strings.Join(report.Conflicts, ", "))
		}
	}

	var errs []error
	for _, ic := range creds {
		c := ic.Credential
		name := c.Identity().String()

		if !exists(ic) {
			if !dryRun {
				if err := d.Append(c); err != nil {
					report.Failed = append(report.Failed, name)
					errs = append(errs, fmt.Errorf("failed to import '%s': %w", name, err))
					continue
				}
			}
			report.Imported = append(report.Imported, name)
			continue
		}

		if mode == conflictSkip {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if !dryRun {
			if err := d.Replace(c.Identity(), c); err != nil {
				report.Failed = append(report.Failed, name)
				errs = append(errs, fmt.Errorf("failed to overwrite '%s': %w", name, err))
				continue
			}
		}
		report.Overwritten = append(report.Overwritten, name)
	}
	return report, errors.Join(errs...)
}

func (r importReport) print(w io.Writer, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] Would "
	}
	for _, name := range r.Imported {
		fmt.Fprintf(w, "%s%s: %s\n", prefix, verb(dryRun, "Imported", "import"), name)
	}
	for _, name := range r.Overwritten {
		fmt.Fprintf(w, "%s%s: %s\n", prefix, verb(dryRun, "Overwritten", "overwrite"), name)
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(w, "Skipped (exists): %s\n", name)
	}

	fmt.Fprintln(w)
	if dryRun {
		fmt.Fprintf(w, "Dry-run complete: %d credential(s) would be imported, %d overwritten\n",
			len(r.Imported), len(r.Overwritten))
		return
	}
	fmt.Fprintf(w, "Import summary: %d imported", len(r.Imported))
	if len(r.Overwritten) > 0 {
		fmt.Fprintf(w, ", %d overwritten", len(r.Overwritten))
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, ", %d skipped", len(r.Skipped))
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintf(w, ", %d conflicts", len(r.Conflicts))
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, ", %d failed", len(r.Failed))
	}
	fmt.Fprintln(w)
}

func verb(dryRun bool, done, planned string) string {
	if dryRun {
		return planned
	}
	return done
}
