package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/internal/cli"
	"github.com/ogarcia/otp-keys/pkg/directory"
	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

// Credential flags shared by add and edit
var (
	credUsername  string
	credIssuer    string
	credPeriod    int
	credDigits    int
	credAlgorithm string
	credNewSecret bool
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(verifyCmd)

	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().StringVar(&credIssuer, "issuer", "", "Service that issued the credential")
		c.Flags().IntVar(&credPeriod, "period", otp.DefaultPeriod, "Time step in seconds (30 or 60)")
		c.Flags().IntVar(&credDigits, "digits", otp.DefaultDigits, "Code length (6 to 8)")
		c.Flags().StringVar(&credAlgorithm, "algorithm", string(otp.DefaultAlgorithm), "HMAC algorithm: SHA1, SHA256, SHA512")
	}
	editCmd.Flags().StringVar(&credUsername, "username", "", "Rename the credential")
	editCmd.Flags().BoolVar(&credNewSecret, "secret", false, "Prompt for a new Base32 secret")
}

// addCmd adds a credential
var addCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Adds a credential",
	Long: `Adds a TOTP credential. The Base32 secret is read from the terminal
without echo, or from standard input when piped.

Examples:
  otpkeys add alice@example.com --issuer GitHub
  echo JBSWY3DPEHPK3PXP | otpkeys add alice --issuer Example --digits 8`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Parse parameters
		alg, err := otp.ParseAlgorithm(credAlgorithm)
		if err != nil {
			return err
		}

		// 2. Read and decode the secret
		text, err := readSecretInput("Enter Base32 secret: ", cmd.InOrStdin())
		if err != nil {
			return err
		}
		secret, err := otp.Decode(text)
		if err != nil {
			return err
		}

		// 3. Build the credential
		c, err := otp.NewCredential(secret, args[0], credIssuer,
			otp.WithPeriod(credPeriod), otp.WithDigits(credDigits), otp.WithAlgorithm(alg))
		if err != nil {
			return err
		}

		// 4. Unlock and store
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		if err := dir.Append(c); err != nil {
			return fmt.Errorf("failed to add credential: %w", err)
		}
		fmt.Printf("Added %s\n", c.Identity())
		return nil
	},
}

// editCmd replaces a credential
var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Edits a credential",
	Long: `Edits a credential in place. ID is a username or username:issuer.
Only the flags given are changed.

Examples:
  otpkeys edit alice --issuer "GitHub Enterprise"
  otpkeys edit alice:GitHub --username alice@corp.example --secret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Unlock and resolve the target
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		id, err := cli.ResolveOne(args[0], identities(dir))
		if err != nil {
			return err
		}
		current, err := dir.Credential(id)
		if err != nil {
			return err
		}

		// 2. Apply changed fields
		next, err := editCredential(cmd, current)
		if err != nil {
			return err
		}

		// 3. Replace
		if err := dir.Replace(id, next); err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		fmt.Printf("Updated %s\n", next.Identity())
		return nil
	},
}

// editCredential returns current with the fields named by changed flags
// replaced, validated.
func editCredential(cmd *cobra.Command, current *otp.Credential) (*otp.Credential, error) {
	flags := cmd.Flags()
	secret := current.Secret
	username, issuer := current.Username, current.Issuer
	opts := []otp.Option{
		otp.WithPeriod(current.Period),
		otp.WithDigits(current.Digits),
		otp.WithAlgorithm(current.Algorithm),
	}

	if flags.Changed("username") {
		username = credUsername
	}
	if flags.Changed("issuer") {
		issuer = credIssuer
	}
	if flags.Changed("period") {
		opts = append(opts, otp.WithPeriod(credPeriod))
	}
	if flags.Changed("digits") {
		opts = append(opts, otp.WithDigits(credDigits))
	}
	if flags.Changed("algorithm") {
		alg, err := otp.ParseAlgorithm(credAlgorithm)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otp.WithAlgorithm(alg))
	}
	if credNewSecret {
		text, err := readSecretInput("Enter new Base32 secret: ", cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		if secret, err = otp.Decode(text); err != nil {
			return nil, err
		}
	}
	return otp.NewCredential(secret, username, issuer, opts...)
}

// removeCmd removes credentials
var removeCmd = &cobra.Command{
	Use:     "remove ID...",
	Aliases: []string{"rm"},
	Short:   "Removes credentials",
	Long: `Removes credentials. Each ID is a username or username:issuer and must
match exactly one credential.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		// Resolve every ID before removing anything.
		available := identities(dir)
		targets := make([]otp.Identity, 0, len(args))
		for _, arg := range args {
			id, err := cli.ResolveOne(arg, available)
			if err != nil {
				return err
			}
			targets = append(targets, id)
		}

		for _, id := range targets {
			if err := dir.Remove(id); err != nil {
				return fmt.Errorf("failed to remove %s: %w", id, err)
			}
			fmt.Printf("Removed %s\n", id)
		}
		return nil
	},
}

// listCmd lists credentials
var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Lists credentials",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		return printList(cmd.OutOrStdout(), dir.Items())
	},
}

func printList(w io.Writer, items []directory.Entry) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No credentials found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tISSUER\tALGORITHM\tDIGITS\tPERIOD")
	for _, e := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%ds\n", e.Username, e.Issuer, e.Algorithm, e.Digits, e.Period)
	}
	return tw.Flush()
}

// codeCmd prints current codes
var codeCmd = &cobra.Command{
	Use:   "code [PATTERN...]",
	Short: "Prints current codes",
	Long: `Prints the current code of every credential matching PATTERN (a glob over
usernames, or over username:issuer when it contains ':'). Without patterns all
credentials are shown.

Examples:
  otpkeys code
  otpkeys code "alice*"
  otpkeys code "*:GitHub"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		ids := identities(dir)
		if len(args) > 0 {
			var err error
			if ids, err = cli.ExpandPatterns(args, ids); err != nil {
				return err
			}
		}
		return printCodes(cmd.OutOrStdout(), dir, ids, time.Now())
	},
}

// printCodes writes one row per identity with its code at now and the
// seconds it stays valid.
func printCodes(w io.Writer, d *directory.Directory, ids []otp.Identity, now time.Time) error {
	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, "No credentials found")
		return err
	}
	epoch := now.Unix()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		c, err := d.Credential(id)
		if errors.Is(err, vault.ErrNotFound) {
			// removed since the list was read
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		code, err := c.Code(epoch)
		if err != nil {
			return fmt.Errorf("failed to generate code for %s: %w", id, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%ds\n", id, cli.FormatCode(code), otp.Remaining(epoch, c.Period))
	}
	return tw.Flush()
}

// verifyCmd checks a code
var verifyCmd = &cobra.Command{
	Use:   "verify ID CODE",
	Short: "Checks a code against a credential",
	Long: `Checks CODE against the credential, accepting the configured number of
periods of clock skew (OTPKEYS_VERIFY_SKEW, default 1).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		id, err := cli.ResolveOne(args[0], identities(dir))
		if err != nil {
			return err
		}
		c, err := dir.Credential(id)
		if err != nil {
			return err
		}
		ok, err := otp.Verify(c, args[1], time.Now(), cfg.VerifySkew)
		if err != nil {
			return err
		}
		if !ok {
			return errCodeMismatch
		}
		fmt.Printf("✓ Code is valid for %s\n", id)
		return nil
	},
}

var errCodeMismatch = errors.New("code does not match")
