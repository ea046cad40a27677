package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/backup"
	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

var (
	backupStdout         bool
	backupWithAudit      bool
	backupBackupPassword bool
	backupKeyFile        string
	backupForce          bool
	backupGenerateKey    string
)

var (
	restoreDryRun     bool
	restoreVerifyOnly bool
	restoreKeyFile    string
	restoreOverwrite  bool
	restoreWithAudit  bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	backupCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Write the backup to stdout")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include the audit log")
	backupCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Encrypt with a separate backup password")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encrypt with a 32-byte key file")
	backupCmd.Flags().StringVar(&backupGenerateKey, "generate-key", "", "Create a new key file at PATH and use it")
	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite an existing backup file")
	backupCmd.MarkFlagsMutuallyExclusive("key-file", "backup-password", "generate-key")

	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "Replace the existing vault and credential index")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore the audit log when the backup has one")
	restoreCmd.MarkFlagsMutuallyExclusive("dry-run", "verify-only")
}

var backupCmd = &cobra.Command{
	Use:   "backup [FILE]",
	Short: "Creates an encrypted backup of the vault and credential index",
	Long: `Creates an encrypted backup of the vault and the credential index.

The backup is encrypted with the master password unless --backup-password
or a key file is given.

Examples:
  otpkeys backup otpkeys.bak
  otpkeys backup otpkeys.bak --with-audit
  otpkeys backup --stdout | gpg --encrypt > otpkeys.bak.gpg
  otpkeys backup otpkeys.bak --generate-key backup.key`,
	Args: cobra.MaximumNArgs(1),
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if backupStdout == (len(args) == 1) {
		return errors.New("either FILE or --stdout is required")
	}
	if !store.Exists() {
		return vault.ErrVaultNotFound
	}

	// 1. Verify the master password and count credentials
	master, err := masterPassword()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(master)
	if err := store.Unlock(cmd.Context(), vault.StaticPassword(master)); err != nil {
		return err
	}
	ids, err := store.List()
	store.Lock()
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	// 2. Backup key
	opts := backup.Options{
		VaultPath:       store.Path(),
		IndexPath:       cfg.Settings,
		IncludeAudit:    backupWithAudit,
		CredentialCount: len(ids),
	}
	switch {
	case backupGenerateKey != "":
		if err := backup.GenerateKeyFile(backupGenerateKey); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Key file written to %s; keep it apart from the backup\n", backupGenerateKey)
		opts.KeyFile = backupGenerateKey
	case backupKeyFile != "":
		opts.KeyFile = backupKeyFile
	case backupBackupPassword:
		pw, err := promptNewPassword("Enter backup password: ", "Confirm backup password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)
		opts.Password = pw
	default:
		opts.Password = master
	}

	// 3. Output
	var out io.Writer = cmd.OutOrStdout()
	if !backupStdout {
		path, err := checkOutputPath(args[0], backupForce)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := backup.Backup(out, opts); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if !backupStdout {
		fmt.Fprintf(os.Stderr, "✓ Backup of %d credential(s) written to %s\n", len(ids), args[0])
	}
	return nil
}

// masterPassword returns OTPKEYS_PASSWORD when set, otherwise asks once.
func masterPassword() ([]byte, error) {
	if cfg.Password != "" {
		return []byte(cfg.Password), nil
	}
	return readPassword("Enter master password: ")
}

var restoreCmd = &cobra.Command{
	Use:   "restore FILE",
	Short: "Restores the vault and credential index from a backup",
	Long: `Restores the vault and the credential index from an encrypted backup.

An existing vault is only replaced with --overwrite.

Examples:
  otpkeys restore otpkeys.bak --verify-only
  otpkeys restore otpkeys.bak --dry-run
  otpkeys restore otpkeys.bak --overwrite
  otpkeys restore otpkeys.bak --key-file backup.key`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	backupPath := args[0]
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}

	// 1. Backup password
	var password []byte
	if restoreKeyFile == "" {
		pw, err := backupPassword()
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)
		password = pw
	}

	out := cmd.OutOrStdout()

	// 2. Verify only
	if restoreVerifyOnly {
		result := backup.Verify(backupPath, password, restoreKeyFile)
		if !result.Valid {
			return fmt.Errorf("verification failed: %s", result.Error)
		}
		printVerifyResult(out, result)
		return nil
	}

	// 3. Restore
	result, err := backup.Restore(backupPath, backup.RestoreOptions{
		VaultPath: store.Path(),
		IndexPath: cfg.Settings,
		Password:  password,
		KeyFile:   restoreKeyFile,
		Overwrite: restoreOverwrite,
		DryRun:    restoreDryRun,
		WithAudit: restoreWithAudit,
	})
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	printRestoreResult(out, result)
	return nil
}

func backupPassword() ([]byte, error) {
	if cfg.Password != "" {
		return []byte(cfg.Password), nil
	}
	return readPassword("Enter backup password (or master password): ")
}

func printVerifyResult(w io.Writer, r *backup.VerifyResult) {
	fmt.Fprintln(w, "✓ Backup verified")
	fmt.Fprintf(w, "  Version:        %d\n", r.Version)
	fmt.Fprintf(w, "  Created:        %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Credentials:    %d\n", r.CredentialCount)
	fmt.Fprintf(w, "  Includes audit: %v\n", r.IncludesAudit)
}

func printRestoreResult(w io.Writer, r *backup.RestoreResult) {
	if r.DryRun {
		fmt.Fprintln(w, "Dry run complete. Would restore:")
	} else {
		fmt.Fprintln(w, "✓ Restore complete")
	}
	fmt.Fprintf(w, "  Credentials: %d\n", r.CredentialsRestored)
	if r.IndexRestored {
		fmt.Fprintln(w, "  Credential index: restored")
	}
	if r.AuditRestored {
		fmt.Fprintln(w, "  Audit log: restored")
	}
}
