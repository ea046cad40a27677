package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ogarcia/otp-keys/internal/cli"
	"github.com/ogarcia/otp-keys/internal/qr"
	"github.com/ogarcia/otp-keys/pkg/audit"
	"github.com/ogarcia/otp-keys/pkg/directory"
	"github.com/ogarcia/otp-keys/pkg/otp"
)

var (
	exportQR     string
	exportQRSize int
	exportForce  bool
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportQR, "qr", "", "Write a QR code PNG to FILE instead of printing the URI")
	exportCmd.Flags().IntVar(&exportQRSize, "qr-size", qr.DefaultSize, "QR code size in pixels")
	exportCmd.Flags().BoolVar(&exportForce, "force", false, "Overwrite an existing QR code file")
}

var exportCmd = &cobra.Command{
	Use:   "export PATTERN",
	Short: "Exports credentials as otpauth URIs",
	Long: `Exports the credentials matching PATTERN as otpauth://totp URIs, one per
line, for transfer to another authenticator app. The output contains the
secrets.

With --qr the single matching credential is written as a QR code PNG.

Examples:
  otpkeys export "*" > backup.txt
  otpkeys export alice:GitHub --qr github.png`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Unlock and match
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		// 2. Single credential to QR code
		if exportQR != "" {
			id, err := cli.ResolveOne(args[0], identities(dir))
			if err != nil {
				return err
			}
			if err := exportQRCode(dir, id, exportQR, exportQRSize, exportForce); err != nil {
				return err
			}
			logExport(id)
			fmt.Fprintf(os.Stderr, "QR code for %s written to %s\n", id, exportQR)
			return nil
		}

		// 3. URIs to stdout
		ids, err := cli.ExpandPattern(args[0], identities(dir))
		if err != nil {
			return err
		}
		if err := writeURIs(cmd.OutOrStdout(), dir, ids); err != nil {
			return err
		}
		for _, id := range ids {
			logExport(id)
		}
		return nil
	},
}

func writeURIs(w io.Writer, d *directory.Directory, ids []otp.Identity) error {
	for _, id := range ids {
		c, err := d.Credential(id)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		uri, err := otp.BuildURI(c)
		if err != nil {
			return fmt.Errorf("failed to build URI for %s: %w", id, err)
		}
		if _, err := fmt.Fprintln(w, uri); err != nil {
			return err
		}
	}
	return nil
}

func exportQRCode(d *directory.Directory, id otp.Identity, path string, size int, force bool) error {
	absPath, err := checkOutputPath(path, force)
	if err != nil {
		return err
	}
	c, err := d.Credential(id)
	if err != nil {
		return err
	}
	uri, err := otp.BuildURI(c)
	if err != nil {
		return err
	}
	return qr.WriteFile(absPath, uri, size)
}

// checkOutputPath resolves path and refuses symlinks, and existing files
// unless force is set.
func checkOutputPath(path string, force bool) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Lstat(absPath)
	if err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("security: refusing to write to symlink: %s", absPath)
		}
		if !force {
			return "", fmt.Errorf("file already exists: %s (use --force to overwrite)", absPath)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to access file: %w", err)
	}
	return absPath, nil
}

func logExport(id otp.Identity) {
	if err := store.AuditLogger().LogSuccess(audit.OpCredentialExport, audit.SourceCLI, id.String()); err != nil {
		logger.Warn("failed to record export", zap.Error(err))
	}
}
