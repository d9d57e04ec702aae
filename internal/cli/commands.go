package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/storefront/pkg/apiclient"
	"github.com/Skotchmaster/storefront/pkg/authclient"
	"github.com/Skotchmaster/storefront/pkg/session"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) loginCommand() *cobra.Command {
	var creds authclient.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a username and password",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()
			exitOn(a.runLogin(ctx, cmd.OutOrStdout(), creds))
		},
	}
	cmd.Flags().StringVar(&creds.Username, "username", "", "Account username")
	cmd.Flags().StringVar(&creds.Password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) googleLoginCommand() *cobra.Command {
	var idToken string
	cmd := &cobra.Command{
		Use:   "google-login",
		Short: "Sign in with a Google ID token",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()
			exitOn(a.runGoogleLogin(ctx, cmd.OutOrStdout(), idToken))
		},
	}
	cmd.Flags().StringVar(&idToken, "id-token", "", "Google ID token")
	_ = cmd.MarkFlagRequired("id-token")
	return cmd
}

func (a *app) registerCommand() *cobra.Command {
	var reg authclient.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()
			exitOn(a.runRegister(ctx, cmd.OutOrStdout(), reg))
		},
	}
	f := cmd.Flags()
	f.StringVar(&reg.Username, "username", "", "Account username")
	f.StringVar(&reg.Email, "email", "", "Email address")
	f.StringVar(&reg.Password, "password", "", "Account password")
	f.StringVar(&reg.FirstName, "first-name", "", "First name")
	f.StringVar(&reg.LastName, "last-name", "", "Last name")
	f.StringVar(&reg.Phone, "phone", "", "Phone number")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the local session and revoke its refresh token",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()
			exitOn(a.runLogout(ctx, cmd.OutOrStdout()))
		},
	}
}

func (a *app) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()
			exitOn(a.runWhoami(ctx, cmd.OutOrStdout()))
		},
	}
}

func (a *app) runLogin(ctx context.Context, w io.Writer, creds authclient.Credentials) int {
	m, closeFn, err := a.openSession()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}
	defer closeFn()

	if err := m.Login(ctx, creds); err != nil {
		return a.authFailure(w, err)
	}
	a.printUser(w, "Logged in as", m.CurrentUser())
	return exitOK
}

func (a *app) runGoogleLogin(ctx context.Context, w io.Writer, idToken string) int {
	m, closeFn, err := a.openSession()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}
	defer closeFn()

	if err := m.LoginWithGoogle(ctx, idToken); err != nil {
		return a.authFailure(w, err)
	}
	a.printUser(w, "Logged in as", m.CurrentUser())
	return exitOK
}

func (a *app) runRegister(ctx context.Context, w io.Writer, reg authclient.Registration) int {
	m, closeFn, err := a.openSession()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}
	defer closeFn()

	if err := m.Register(ctx, reg); err != nil {
		return a.authFailure(w, err)
	}

	if a.jsonOut {
		printJSON(w, map[string]any{"registered": true, "username": reg.Username})
	} else {
		fmt.Fprintf(w, "Registered %s. Run \"storefront login\" to sign in.\n", reg.Username)
	}
	return exitOK
}

func (a *app) runLogout(ctx context.Context, w io.Writer) int {
	m, closeFn, err := a.openSession()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}
	defer closeFn()

	notifyErr := m.Logout(ctx)

	if a.jsonOut {
		out := map[string]any{"logged_out": true}
		if notifyErr != nil {
			out["warning"] = notifyErr.Error()
		}
		printJSON(w, out)
		return exitOK
	}
	if notifyErr != nil {
		fmt.Fprintf(w, "Warning: the server was not notified: %v\n", notifyErr)
	}
	fmt.Fprintln(w, "Logged out")
	return exitOK
}

func (a *app) runWhoami(ctx context.Context, w io.Writer) int {
	m, closeFn, err := a.openSession()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}
	defer closeFn()

	if err := m.Bootstrap(ctx); errors.Is(err, apiclient.ErrNetwork) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return exitError
	}

	user := m.CurrentUser()
	if m.State() != session.Authenticated || user == nil {
		if a.jsonOut {
			printJSON(w, map[string]any{"authenticated": false})
		} else {
			fmt.Fprintln(w, "not logged in")
		}
		return exitRejected
	}
	a.printUser(w, "Logged in as", user)
	return exitOK
}

// authFailure prints a login or registration failure. Field problems are
// printed one per line.
func (a *app) authFailure(w io.Writer, err error) int {
	code := exitRejected
	if errors.Is(err, apiclient.ErrNetwork) {
		code = exitError
	}

	var ae *session.AuthError
	if !errors.As(err, &ae) {
		ae = &session.AuthError{Message: err.Error()}
	}

	if a.jsonOut {
		out := map[string]any{"error": ae.Error()}
		if len(ae.Fields) > 0 {
			out["fields"] = ae.Fields
		}
		printJSON(w, out)
		return code
	}

	if ae.Message != "" {
		fmt.Fprintf(w, "Error: %s\n", ae.Message)
	}
	for _, line := range fieldLines(ae.Fields) {
		fmt.Fprintln(w, line)
	}
	return code
}
