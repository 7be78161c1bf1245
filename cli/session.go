// ABOUTME: Admin session CLI commands
// ABOUTME: Login with a hidden password prompt, logout, and whoami
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/session"
	"golang.org/x/term"
)

// readPassword prompts without echo. Tests replace it.
var readPassword = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		return strings.TrimSpace(line), err
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

// LoginCommand signs in an admin and persists the session for every page.
func LoginCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", os.Getenv("SCHOOLSYNC_USERNAME"), "Admin username")
	password := fs.String("password", os.Getenv("SCHOOLSYNC_PASSWORD"), "Admin password (prompted when empty)")
	_ = fs.Parse(args)

	if *username == "" && fs.NArg() > 0 {
		*username = fs.Arg(0)
	}
	if *username == "" {
		return fmt.Errorf("username required")
	}
	if *password == "" {
		p, err := readPassword("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		*password = p
	}

	page := rt.NewPage()
	defer page.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.Timeout)
	defer cancel()
	sess, err := page.Guard.Login(ctx, *username, *password)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			return fmt.Errorf("login failed: %w", err)
		}
		return err
	}

	fmt.Fprintf(out, "✓ Logged in as %s (%s)\n", sess.Username, sess.Role)
	return nil
}

// LogoutCommand clears the persisted session.
func LogoutCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	_ = fs.Parse(args)

	page := rt.NewPage()
	defer page.Close()
	page.Guard.Reload()

	if err := page.Guard.Logout(); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	fmt.Fprintln(out, "✓ Logged out")
	return nil
}

// WhoamiCommand validates the saved session and prints who it belongs to.
func WhoamiCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	_ = fs.Parse(args)

	page := rt.NewPage()
	defer page.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.Timeout)
	defer cancel()
	err := page.Restore(ctx)

	sess, ok := page.Guard.Session()
	if !ok {
		fmt.Fprintf(out, "Not logged in (%s)\n", page.Guard.State())
		if err != nil && !errors.Is(err, session.ErrUnauthorized) {
			return err
		}
		return nil
	}

	fmt.Fprintf(out, "User:      %s\n", sess.Username)
	fmt.Fprintf(out, "Role:      %s\n", sess.Role)
	if sess.Email != "" {
		fmt.Fprintf(out, "Email:     %s\n", sess.Email)
	}
	fmt.Fprintf(out, "State:     %s\n", page.Guard.State())
	if !sess.ValidatedAt.IsZero() {
		fmt.Fprintf(out, "Validated: %s\n", sess.ValidatedAt.Format("2006-01-02 15:04:05"))
	}
	if !sess.ExpiresAtKnownGood.IsZero() {
		fmt.Fprintf(out, "Expires:   %s\n", sess.ExpiresAtKnownGood.Format("2006-01-02 15:04:05"))
	}
	return err
}
