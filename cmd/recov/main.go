package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"recov-go/internal/app"
	"recov-go/internal/config"
	"recov-go/internal/recov"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps classified failures to distinct exit statuses so scripts
// can tell a cancelled run from a broken one.
func exitCode(err error) int {
	switch recov.KindOf(err) {
	case recov.KindCancelled:
		return 130
	case recov.KindInvalidArgument, recov.KindPermanentNotConfirmed:
		return 2
	case recov.KindTokenInvalid, recov.KindTokenExpired, recov.KindTokenAlreadyUsed, recov.KindResourceModified:
		return 3
	}
	if errors.Is(err, errPartial) {
		return 4
	}
	return 1
}

// errPartial signals that a command finished but some files failed.
var errPartial = errors.New("completed with errors")

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run; args are recorded with it.
func newApp(operation string, args ...string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg, app.NewOperation(operation, args...))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	a.SetPassphraseFunc(func() (string, error) { return readPassphrase("Passphrase: ") })
	return a, nil
}

// readPassphrase prefers RECOV_PASSPHRASE and otherwise prompts on the
// terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p, ok := app.PassphraseFromEnv(); ok {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt on; set %s", app.EnvPassphrase)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// progressPrinter draws a single status line on stderr when it is a terminal.
func progressPrinter() recov.ProgressFunc {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 20 {
		width = w
	}
	return func(p recov.Progress) {
		line := fmt.Sprintf("%s [%d/%d] %s", p.Phase, p.Current, p.Total, p.Path)
		if len(line) > width-1 {
			line = line[:width-1]
		}
		fmt.Fprintf(os.Stderr, "\r\033[K%s", line)
		if p.Current == p.Total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:          "recov",
	Short:        "Backup and recovery engine",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add a [[vaults]] entry, a [database] and a [staging] section before the first backup.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Staging:   %s\n", cfg.Staging.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:     %s (%s)\n", v.Name, v.Type)
		}
		fmt.Printf("Scanner:   %s\n", cfg.Scanner.Type)
		fmt.Printf("Token TTL: %s\n", cfg.Tokens.DefaultTTL.Duration)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s is valid\n", defaults["config_path"])
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
}

var keyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("key init")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("New passphrase (empty for an unwrapped key): ")
		if err != nil {
			return err
		}
		if passphrase != "" {
			if _, ok := app.PassphraseFromEnv(); !ok {
				again, err := readPassphrase("Repeat passphrase: ")
				if err != nil {
					return err
				}
				if again != passphrase {
					return errors.New("passphrases do not match")
				}
			}
		}

		if err := a.SetupKeys(passphrase); err != nil {
			return err
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(limit)
		if err != nil {
			return fmt.Errorf("getting history: %w", err)
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			finished := "running"
			if op.FinishedAt.Valid {
				finished = op.FinishedAt.Time.Local().Format("2006-01-02 15:04:05")
			}
			params := ""
			if op.Parameters != "" {
				params = " " + op.Parameters
			}
			fmt.Printf("%d\t%s\t%s\t%s\t%s%s\n",
				op.ID,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				finished,
				op.Status,
				op.Operation,
				params,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configCheckCmd)
	keyCmd.AddCommand(keyInitCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(historyCmd)
}
