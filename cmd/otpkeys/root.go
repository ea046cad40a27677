package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ogarcia/otp-keys/internal/config"
	"github.com/ogarcia/otp-keys/internal/logging"
	"github.com/ogarcia/otp-keys/pkg/audit"
	"github.com/ogarcia/otp-keys/pkg/backup"
	"github.com/ogarcia/otp-keys/pkg/directory"
	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/settings"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

var (
	cfg    *config.Config
	logger *zap.Logger
	store  *vault.Store
	index  *settings.FileStore
	dir    *directory.Directory
)

// Global flags
var (
	homeFlag     string
	settingsFlag string
	logLevelFlag string
)

// annotationNoVault marks commands that run without opening the vault.
const annotationNoVault = "no-vault"

var (
	errUnlockCancelled = errors.New("unlock cancelled")
	errNoTerminal      = errors.New("no terminal available; set OTPKEYS_PASSWORD to run non-interactively")
)

var rootCmd = &cobra.Command{
	Use:   "otpkeys",
	Short: "otpkeys keeps TOTP credentials in an encrypted vault",
	Long: `otpkeys stores two-factor (TOTP) credentials in an encrypted local vault
and prints their current one-time codes.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	// PersistentPreRunE opens the configuration, vault and credential index
	// before every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoVault] != "" {
			return nil
		}
		return setup(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "Vault directory (default ~/.otp-keys, env OTPKEYS_HOME)")
	rootCmd.PersistentFlags().StringVar(&settingsFlag, "settings", "", "Credential index file (default <home>/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}

// setup wires config, logger, vault store, index and directory.
func setup(cmd *cobra.Command) error {
	// 1. Configuration
	c, err := config.Load()
	if err != nil {
		return err
	}
	if homeFlag != "" {
		if c.Settings == filepath.Join(c.Home, config.SettingsFileName) {
			c.Settings = filepath.Join(homeFlag, config.SettingsFileName)
		}
		c.Home = homeFlag
	}
	if settingsFlag != "" {
		c.Settings = settingsFlag
	}
	if logLevelFlag != "" {
		c.LogLevel = logLevelFlag
	}
	cfg = c

	// 2. Logger
	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	// 3. Vault store
	source := audit.SourceCLI
	opts := []vault.StoreOption{vault.WithLogger(logger)}
	if cmd.Name() == "watch" {
		// watch re-reads every credential at each step.
		source = audit.SourceWatcher
		opts = append(opts, vault.WithReadAuditOnce())
	}
	store = vault.NewStore(cfg.Home, append(opts, vault.WithAuditSource(source))...)

	// 4. Persisted index and directory
	index, err = settings.NewFileStore(cfg.Settings, logger)
	if err != nil {
		return fmt.Errorf("failed to open credential index: %w", err)
	}
	dir = directory.New(vault.New(store, newPrompter(cfg), logger), index, logger)
	dir.OnMigrate(func(migrated, dropped int) {
		err := store.AuditLogger().Log(audit.OpIndexMigrate, source, audit.ResultSuccess, "", nil, map[string]string{
			"migrated": strconv.Itoa(migrated),
			"dropped":  strconv.Itoa(dropped),
		})
		if err != nil {
			logger.Warn("failed to record index migration", zap.Error(err))
		}
	})
	return nil
}

// teardown releases everything setup opened. Safe to call when setup did not run.
func teardown() {
	if dir != nil {
		dir.Close()
	}
	if index != nil {
		_ = index.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close vault", zap.Error(err))
		}
	}
	if logger != nil {
		_ = logger.Sync()
	}
}

func newPrompter(c *config.Config) vault.Prompter {
	if c.Password != "" {
		return vault.StaticPassword([]byte(c.Password))
	}
	return vault.PrompterFunc(promptPassword)
}

// promptPassword asks for the master password on the terminal. An empty
// answer cancels the unlock.
func promptPassword(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	password, err := readPassword("Enter master password: ")
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, vault.ErrPromptCancelled
	}
	return password, nil
}

func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// readSecretInput reads one sensitive line: hidden on a terminal, plain from
// a pipe.
func readSecretInput(prompt string, in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ensureUnlocked unlocks the vault and loads the credential list.
func ensureUnlocked(ctx context.Context) error {
	ok, err := dir.Unlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	if !ok {
		return errUnlockCancelled
	}
	return nil
}

// identities returns the identities of the listed credentials, in list order.
func identities(d *directory.Directory) []otp.Identity {
	items := d.Items()
	ids := make([]otp.Identity, len(items))
	for i, e := range items {
		ids[i] = e.Identity()
	}
	return ids
}

// userMessage turns an error into the text shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, vault.ErrVaultNotFound):
		return "no vault found; run 'otpkeys init' first"
	case errors.Is(err, vault.ErrVaultAlreadyExists):
		return "a vault already exists in this directory"
	case errors.Is(err, vault.ErrInvalidPassword):
		return "invalid master password"
	case errors.Is(err, vault.ErrCooldownActive), errors.Is(err, vault.ErrTooManyAttempts):
		return "too many failed unlock attempts; try again later"
	case errors.Is(err, errUnlockCancelled), errors.Is(err, vault.ErrPromptCancelled):
		return "unlock cancelled"
	case errors.Is(err, vault.ErrNotFound):
		return "credential not found"
	case errors.Is(err, directory.ErrDuplicateCredential):
		return "a credential with this username and issuer already exists"
	case errors.Is(err, vault.ErrInsufficientDisk):
		return "not enough disk space to update the vault"
	case errors.Is(err, otp.ErrInvalidEncoding):
		return "secret is not valid Base32"
	case errors.Is(err, backup.ErrIntegrityFailed):
		return "backup integrity check failed: wrong password or key file, or the file was modified"
	case errors.Is(err, backup.ErrTargetExists):
		return "a vault already exists; use --overwrite to replace it"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	return err.Error()
}
