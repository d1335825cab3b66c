package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/otboo/otboo-client/internal/config"
	"github.com/otboo/otboo-client/internal/otboo"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 1)
)

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "ERROR":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	case "WARNING":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	}
}

// renderAlert shows an error the way the web client's alert does: exception
// name, message and request id for API errors, the plain message otherwise.
func renderAlert(err error) string {
	if errors.Is(err, errNotSignedIn) {
		return alertStyle.Render(err.Error())
	}
	return alertStyle.Render(otboo.Alert(err))
}

// isInteractiveTerminal returns true if both stdin and stdout are TTYs.
func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func runLoginForm(email string) (auth.Credentials, error) {
	creds := auth.Credentials{Email: email}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Value(&creds.Email).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("email is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&creds.Password).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("password is required")
					}
					return nil
				}),
		),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return auth.Credentials{}, errors.New("login cancelled")
		}
		return auth.Credentials{}, err
	}
	return creds, nil
}

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Write config.env interactively",
		Long: formatMessage(`
			Ask for the API address, check that it answers and write it to
			config.env together with a generated OTBOO_TOKEN_KEY.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isInteractiveTerminal() {
				return errors.New("setup needs an interactive terminal, set the OTBOO_* variables instead")
			}
			return runSetupWizard(cmd.Context())
		},
	}
}

// runSetupWizard collects the API address and writes the configuration.
func runSetupWizard(ctx context.Context) error {
	fmt.Println()
	fmt.Println(titleStyle.Render("OTBOO client setup"))

	apiURL := config.DefaultAPIURL
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API address").
				Description("Base URL of the OTBOO server, e.g. https://otboo.example.com").
				Value(&apiURL).
				Validate(func(s string) error {
					return validateAPIURL(ctx, s)
				}),
		),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("\nSetup cancelled.")
			return nil
		}
		return err
	}

	values := map[string]string{"OTBOO_API_URL": apiURL}
	if os.Getenv("OTBOO_TOKEN_KEY") == "" {
		values["OTBOO_TOKEN_KEY"] = generateTokenKey()
	}

	path, err := config.WriteEnvFile(values)
	if err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + path))
	fmt.Println()
	return nil
}

// validateAPIURL checks the address by fetching the CSRF token endpoint,
// which answers without a session.
func validateAPIURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}

	client, err := otboo.NewClient(otboo.ClientOpts{BaseURL: raw, Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if err := client.CsrfToken(ctx); err != nil {
		if errors.Is(err, otboo.ErrNetwork) {
			return errors.New("connection failed, check the address")
		}
		return fmt.Errorf("server answered with an error: %w", err)
	}
	return nil
}

func generateTokenKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("otboo-%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}
