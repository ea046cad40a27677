package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(doctorCmd)
}

// initCmd creates a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if store.Exists() {
			return vault.ErrVaultAlreadyExists
		}

		fmt.Println("Initializing new vault...")

		// 1. Read and confirm the master password
		password, err := readNewPassword("Enter master password: ", "Confirm master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		// 2. Validate password strength
		result := vault.ValidateMasterPassword(string(password))
		if !result.Valid {
			return fmt.Errorf("password validation failed: %s", result.Warnings[0])
		}
		fmt.Printf("Password strength: %s\n", result.Strength)
		for _, warning := range result.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}

		// 3. Create the vault
		if err := store.Init(password); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		fmt.Printf("Vault initialized successfully at %s\n", store.Path())
		return nil
	},
}

// readNewPassword returns OTPKEYS_PASSWORD when set, otherwise asks twice on
// the terminal.
func readNewPassword(prompt, confirm string) ([]byte, error) {
	if cfg.Password != "" {
		return []byte(cfg.Password), nil
	}
	return promptNewPassword(prompt, confirm)
}

func promptNewPassword(prompt, confirm string) ([]byte, error) {
	first, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	second, err := readPassword(confirm)
	if err != nil {
		crypto.SecureWipe(first)
		return nil, err
	}
	defer crypto.SecureWipe(second)
	if string(first) != string(second) {
		crypto.SecureWipe(first)
		return nil, errors.New("passwords do not match")
	}
	return first, nil
}

// unlockCmd checks the master password
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Checks the master password and shows the vault status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer store.Lock()

		fmt.Printf("✓ Vault unlocked: %d credential(s) at %s\n", dir.Len(), store.Path())
		return nil
	},
}

// passwdCmd changes the master password
var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Changes the master password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Current password
		current, err := readPassword("Current master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(current)

		if err := store.Unlock(cmd.Context(), vault.StaticPassword(current)); err != nil {
			return fmt.Errorf("failed to unlock vault: %w", err)
		}
		defer store.Lock()

		// 2. New password
		next, err := promptNewPassword("New master password: ", "Confirm new master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(next)

		result := vault.ValidateMasterPassword(string(next))
		if !result.Valid {
			return fmt.Errorf("password validation failed: %s", result.Warnings[0])
		}
		fmt.Printf("Password strength: %s\n", result.Strength)

		// 3. Re-wrap the data key
		if err := store.ChangePassword(current, next); err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}
		fmt.Println("Master password changed")
		return nil
	},
}

// doctorCmd checks vault health
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Checks vault files, permissions and database integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !store.Exists() {
			return vault.ErrVaultNotFound
		}

		result, err := store.CheckIntegrity()
		if err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		fmt.Printf("Schema version: %d\n", result.SchemaVersion)
		fmt.Printf("Salt file:      %s\n", status(result.SaltExists))
		fmt.Printf("Metadata:       %s\n", status(result.MetaValid))
		fmt.Printf("Database:       %s\n", status(result.DBExists && result.DBIntegrity))
		fmt.Printf("Permissions:    %s\n", status(result.PermissionsValid))

		if disk, err := store.CheckDiskSpace(); err == nil {
			fmt.Printf("Disk:           %d MB available (%d%% used)\n", disk.Available/(1024*1024), disk.UsedPct)
		}

		if !result.Valid {
			for _, e := range result.Errors {
				fmt.Printf("  - %s\n", e)
			}
			return errors.New("vault integrity check failed")
		}
		fmt.Println("✓ Vault is healthy")
		return nil
	},
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}
