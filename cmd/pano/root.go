package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/panohub/pano/internal/config"
	"github.com/panohub/pano/pkg/hub"
)

var (
	cfg *config.Config
	log zerolog.Logger
	app *hub.Hub

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "pano",
	Short:         "Personal launcher hub: notes, links, code snippets and secrets",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()

		app, err = hub.New(cmd.Context(), cfg, log)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if app != nil {
			app.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(
		setupCmd, unlockCmd, lockCmd, passwdCmd,
		addCmd, lsCmd, showCmd, rmCmd,
		searchCmd, secretsCmd,
		useCmd, statsCmd,
		reindexCmd, doctorCmd,
		exportCmd, importCmd,
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// tokenPath is where the CLI parks the session token between
// invocations. The key material itself lives in the keyring.
func tokenPath() string {
	return filepath.Join(filepath.Dir(cfg.Vault.Path), "session.token")
}

func saveToken(token string) error {
	return os.WriteFile(tokenPath(), []byte(token), 0o600)
}

func loadToken() string {
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func clearToken() {
	os.Remove(tokenPath())
}

// resumeSession picks up the remembered session if one exists. Returns
// the token, or empty when running locked.
func resumeSession(ctx context.Context) string {
	token := loadToken()
	if token == "" {
		return ""
	}
	if err := app.ResumeSession(ctx, token); err != nil {
		clearToken()
		return ""
	}
	return token
}

// promptPassword reads a password without echo when stdin is a
// terminal, falling back to a plain line read for pipes.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
