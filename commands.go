package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/dedent"
	"github.com/otboo/otboo-client/internal/app"
	"github.com/otboo/otboo-client/internal/config"
	"github.com/otboo/otboo-client/internal/otboo"
	"github.com/otboo/otboo-client/internal/otboo/auth"
	"github.com/otboo/otboo-client/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errNotSignedIn = errors.New("not signed in, run `otboo login` first")

// formatMessage dedents a multi-line template and formats it.
func formatMessage(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otboo",
		Short: "Command line client for the OTBOO API",
		Long: formatMessage(`
			Command line client for the OTBOO API.

			Configuration is read from the environment and from
			config.env in the user config directory (run "otboo setup").
			Set OTBOO_TOKEN_KEY to keep the session between runs.
		`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newSetupCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newNotificationsCommand(),
		newReadCommand(),
		newWatchCommand(),
		newResetPasswordCommand(),
	)
	return cmd
}

// loadApp reads the configuration, applies the log level and wires the app.
func loadApp() (*app.App, error) {
	config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	return app.New(cfg)
}

// withApp runs fn with a wired app, closing it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withSession is withApp for commands that need a signed-in user.
func withSession(ctx context.Context, fn func(ctx context.Context, a *app.App, s *auth.Session) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		session, err := a.Restore(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("session restore failed")
			var apiErr *otboo.ErrorResponse
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
				return err
			}
			if errors.Is(err, otboo.ErrNetwork) {
				return err
			}
			return errNotSignedIn
		}
		return fn(ctx, a, session)
	})
}

func newLoginCommand() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: formatMessage(`
			Sign in with email and password.

			The password is prompted for on a terminal, otherwise it is
			read from OTBOO_PASSWORD.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := promptCredentials(email)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				session, err := a.SignIn(ctx, creds)
				if err != nil {
					return err
				}
				fmt.Println(successStyle.Render("✓ Signed in as " + session.Email))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Restore(ctx); err != nil {
					log.Debug().Err(err).Msg("no session to sign out")
				}
				if err := a.SignOut(ctx); err != nil {
					log.Warn().Err(err).Msg("sign out request failed, local session cleared")
				}
				fmt.Println(successStyle.Render("✓ Signed out"))
				return nil
			})
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, s *auth.Session) error {
				fmt.Println(formatMessage(`
					User:    %s (%s)
					Id:      %s
					Role:    %s
					Expires: %s
				`, s.Name, s.Email, s.UserID, roleLabel(s), expiryLabel(s, time.Now())))
				return nil
			})
		},
	}
}

func roleLabel(s *auth.Session) string {
	if s.IsAdmin() {
		return alertStyle.Render(string(s.Role))
	}
	return string(s.Role)
}

func expiryLabel(s *auth.Session, now time.Time) string {
	switch {
	case s.ExpiresAt.IsZero():
		return "unknown"
	case s.Expired(now):
		return s.ExpiresAt.Local().Format(time.RFC1123) + " (expired, refreshed on next request)"
	}
	return s.ExpiresAt.Local().Format(time.RFC1123)
}

func newNotificationsCommand() *cobra.Command {
	var (
		limit int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, _ *auth.Session) error {
				return listNotifications(ctx, a.Client, limit, all)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "page size")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "fetch every page")
	return cmd
}

func listNotifications(ctx context.Context, svc otboo.NotificationService, limit int, all bool) error {
	req := otboo.CursorRequest{Limit: limit}
	count := 0
	for {
		page, err := svc.ListNotifications(ctx, req)
		if err != nil {
			return err
		}
		for _, n := range page.Data {
			printNotification(n)
			count++
		}

		next, ok := page.Next(limit)
		if !all || !ok {
			if count == 0 {
				fmt.Println("No notifications.")
			} else if ok {
				fmt.Println(pathStyle.Render(fmt.Sprintf("%d of %d shown, use --all for more", count, page.TotalCount)))
			}
			return nil
		}
		req = next
	}
}

func printNotification(n otboo.Notification) {
	fmt.Println(formatMessage(`
		%s  %s  %s
		  %s
		  %s
	`, levelStyle(n.Level).Render(n.Level), n.CreatedAt.Local().Format("2006-01-02 15:04"), n.ID, n.Title, n.Content))
}

func newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>...",
		Short: "Mark notifications as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, _ *auth.Session) error {
				for _, id := range args {
					if err := a.Client.ReadNotification(ctx, id); err != nil {
						return err
					}
					fmt.Println(successStyle.Render("✓ " + id))
				}
				return nil
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications as they arrive",
		Long: formatMessage(`
			Stream notifications as they arrive.

			The stream reconnects when the access token is refreshed and
			stops when the session ends. Use --transport ws for the
			WebSocket endpoint instead of server-sent events.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App, s *auth.Session) error {
				return watch(ctx, a, app.Transport(transport))
			})
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", string(app.TransportSSE), "stream transport: sse or ws")
	return cmd
}

func watch(ctx context.Context, a *app.App, transport app.Transport) error {
	svc, err := a.StreamService(transport, func(ev stream.Event) {
		if ev.Name != "notifications" {
			log.Debug().Str("event", ev.Name).Msg("ignoring stream event")
			return
		}
		n, err := app.DecodeNotification(ev)
		if err != nil {
			log.Warn().Err(err).Msg("skipping notification")
			return
		}
		printNotification(*n)
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	ended := make(chan struct{})
	var once sync.Once

	unsubscribe := a.Session.OnChange(func(s *auth.Session) {
		if s == nil {
			once.Do(func() { close(ended) })
		}
	})
	defer unsubscribe()

	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			if err := a.Session.Err(); err != nil {
				return fmt.Errorf("%w: %w", otboo.ErrAuthExpired, err)
			}
			return otboo.ErrAuthExpired
		}
	})

	log.Info().Str("transport", string(transport)).Msg("watching notifications, press Ctrl+C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newResetPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Request a password reset mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Session.ResetPassword(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(successStyle.Render("✓ Password reset mail sent to " + args[0]))
				return nil
			})
		},
	}
}

func promptCredentials(email string) (auth.Credentials, error) {
	if isInteractiveTerminal() {
		return runLoginForm(email)
	}

	password := os.Getenv("OTBOO_PASSWORD")
	if email == "" || password == "" {
		return auth.Credentials{}, errors.New("--email and OTBOO_PASSWORD are required when not on a terminal")
	}
	return auth.Credentials{Email: email, Password: password}, nil
}
