// ABOUTME: Admin account management CLI commands
// ABOUTME: Super admins list, create, and delete other admin accounts
package cli

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/session"
)

// AdminsCommand routes admins list, create, and delete. Every subcommand needs
// a super admin session.
func AdminsCommand(rt *app.Runtime, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("admins requires a subcommand (list, create, delete)")
	}
	switch args[0] {
	case "list":
		return adminsList(rt, args[1:])
	case "create":
		return adminsCreate(rt, args[1:])
	case "delete":
		return adminsDelete(rt, args[1:])
	}
	return fmt.Errorf("unknown admins command: %s (use list, create, delete)", args[0])
}

func adminsList(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("admins list", flag.ExitOnError)
	_ = fs.Parse(args)

	page, err := superAdminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	admins, err := page.Guard.ListAdmins(context.Background())
	if err != nil {
		return explain(err)
	}
	if len(admins) == 0 {
		fmt.Fprintln(out, "No admins found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tCREATED")
	for _, a := range admins {
		created := "-"
		if !a.CreatedAt.IsZero() {
			created = a.CreatedAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Username, a.Email, a.Role, created)
	}
	return w.Flush()
}

func adminsCreate(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("admins create", flag.ExitOnError)
	email := fs.String("email", "", "Email of the new admin")
	password := fs.String("password", "", "Password of the new admin (prompted when empty)")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("username required")
	}
	n := models.NewAdmin{Username: fs.Arg(0), Email: *email, Password: *password}
	if n.Password == "" {
		p, err := readPassword(fmt.Sprintf("Password for %s: ", n.Username))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		n.Password = p
	}
	if err := n.Validate(); err != nil {
		return err
	}

	page, err := superAdminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	id, err := page.Guard.CreateAdmin(context.Background(), n)
	if err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ Created admin %s (ID: %d)\n", n.Username, id)
	return nil
}

func adminsDelete(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("admins delete", flag.ExitOnError)
	_ = fs.Parse(args)

	id, err := idArg(fs, 0)
	if err != nil {
		return err
	}

	page, err := superAdminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	if err := page.Guard.DeleteAdmin(context.Background(), id); err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ Deleted admin %d\n", id)
	return nil
}

// superAdminPage restores the saved session and refuses early when it cannot
// manage admins.
func superAdminPage(rt *app.Runtime) (*app.Page, error) {
	page, err := adminPage(rt)
	if err != nil {
		return nil, err
	}
	if !page.Guard.Can(session.ActionManageAdmins) {
		page.Close()
		return nil, fmt.Errorf("%w: admin management needs a super admin session\nRun 'schoolsync login' as a super admin first", session.ErrUnauthorized)
	}
	return page, nil
}
