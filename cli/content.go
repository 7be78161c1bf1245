// ABOUTME: Content CLI commands
// ABOUTME: List, show, create, update, and delete items of a school collection
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/session"
)

// out receives command output. Tests swap it for a buffer.
var out io.Writer = os.Stdout

// fields collects repeated --set key=value flags.
type fields map[string]json.RawMessage

func (f fields) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, ",")
}

// Set accepts key=value. Values that parse as JSON (numbers, booleans, null,
// quoted strings) keep their type; anything else is a string.
func (f fields) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if json.Valid([]byte(v)) {
		f[k] = json.RawMessage(v)
		return nil
	}
	quoted, _ := json.Marshal(v)
	f[k] = quoted
	return nil
}

func payloadFrom(set fields, raw string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("--json must be an object: %w", err)
		}
	}
	for k, v := range set {
		obj[k] = v
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("nothing to send; use --set key=value or --json")
	}
	return json.Marshal(obj)
}

func collectionArg(fs *flag.FlagSet) (models.Collection, error) {
	if fs.NArg() == 0 {
		return "", fmt.Errorf("collection required (events, classes, announcements, facilities)")
	}
	return models.ParseCollection(fs.Arg(0))
}

func idArg(fs *flag.FlagSet, pos int) (int64, error) {
	if fs.NArg() <= pos {
		return 0, fmt.Errorf("item ID required")
	}
	id, err := strconv.ParseInt(fs.Arg(pos), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid item ID %q", fs.Arg(pos))
	}
	return id, nil
}

// ListCommand prints a collection. By default it waits for a fresh copy and
// falls back to the cache when the backend is unreachable.
func ListCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cached := fs.Bool("cached", false, "Show the cached copy without contacting the backend")
	live := fs.Bool("live", false, "Only live classes (classes only)")
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}

	page := rt.NewPage()
	defer page.Close()

	var e cache.Entry
	if *cached {
		e, _ = page.Sync.Get(c)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.FetchTimeout)
		defer cancel()
		e, err = page.Sync.Refresh(ctx, c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠ showing cached data: %v\n", err)
			e, _ = page.Sync.Get(c)
		}
	}

	items := e.Items
	if *live && c == models.ClassSessions {
		items, err = liveItems(items)
		if err != nil {
			return err
		}
	}
	return printEntry(c, e, items)
}

func liveItems(items []models.Item) ([]models.Item, error) {
	sessions, err := models.Decode[models.ClassSession](items)
	if err != nil {
		return nil, err
	}
	live := map[int64]bool{}
	for _, s := range models.LiveOnly(sessions) {
		live[s.ID] = true
	}
	var kept []models.Item
	for _, it := range items {
		if live[it.ID] {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

func printEntry(c models.Collection, e cache.Entry, items []models.Item) error {
	if e.Empty() {
		fmt.Fprintf(out, "No %s cached yet\n", strings.ToLower(c.Title()))
		return nil
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "No %s found\n", strings.ToLower(c.Title()))
		return nil
	}

	header, rows, err := models.Table(c, items)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", c, err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	dashes := make([]string, len(header))
	for i, h := range header {
		dashes[i] = strings.Repeat("-", len(h))
	}
	_, _ = fmt.Fprintln(w, strings.Join(dashes, "\t"))
	for _, r := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(r, "\t"))
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\n%d %s · %s · fetched %s\n", len(items), strings.ToLower(c.Title()), e.Origin, e.FetchedAt.Format(time.Kitchen))
	return nil
}

// ShowCommand prints one cached item as indented JSON.
func ShowCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}
	id, err := idArg(fs, 1)
	if err != nil {
		return err
	}

	page := rt.NewPage()
	defer page.Close()

	e, ok := page.Sync.Get(c)
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.FetchTimeout)
		defer cancel()
		if e, err = page.Sync.Refresh(ctx, c); err != nil {
			return fmt.Errorf("failed to load %s: %w", c, err)
		}
	}

	idx := models.IndexOf(e.Items, id)
	if idx < 0 {
		return fmt.Errorf("%s %d not found", c.Singular(), id)
	}
	var pretty map[string]any
	if err := json.Unmarshal(e.Items[idx].Raw, &pretty); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// CreateCommand adds an item through the admin API.
func CreateCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	set := fields{}
	fs.Var(set, "set", "Field as key=value (repeatable)")
	raw := fs.String("json", "", "Full JSON object")
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}
	payload, err := payloadFrom(set, *raw)
	if err != nil {
		return err
	}

	page, err := adminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	it, err := page.Gateway.Create(context.Background(), c, payload)
	if err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ Created %s (ID: %d)\n", c.Singular(), it.ID)
	return nil
}

// UpdateCommand changes fields of an existing item. Flags come before the ID.
func UpdateCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	set := fields{}
	fs.Var(set, "set", "Field as key=value (repeatable)")
	raw := fs.String("json", "", "JSON object of fields to change")
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}
	id, err := idArg(fs, 1)
	if err != nil {
		return err
	}
	payload, err := payloadFrom(set, *raw)
	if err != nil {
		return err
	}

	page, err := adminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	if _, err := page.Gateway.Update(context.Background(), c, id, payload); err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ Updated %s %d\n", c.Singular(), id)
	return nil
}

// DeleteCommand removes an item.
func DeleteCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}
	id, err := idArg(fs, 1)
	if err != nil {
		return err
	}

	page, err := adminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	if _, err := page.Gateway.Delete(context.Background(), c, id); err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ Deleted %s %d\n", c.Singular(), id)
	return nil
}

// ToggleCommand flips a class between live and offline, or an announcement
// between active and hidden.
func ToggleCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("toggle", flag.ExitOnError)
	_ = fs.Parse(args)

	c, err := collectionArg(fs)
	if err != nil {
		return err
	}
	field, _, ok := c.ToggleField()
	if !ok {
		return fmt.Errorf("%s cannot be toggled (use classes or announcements)", c)
	}
	id, err := idArg(fs, 1)
	if err != nil {
		return err
	}

	page, err := adminPage(rt)
	if err != nil {
		return err
	}
	defer page.Close()

	toggled, err := page.Gateway.Toggle(context.Background(), c, id)
	if err != nil {
		return explain(err)
	}
	fmt.Fprintf(out, "✓ %s %d is now %s\n", c.Singular(), id, flagWord(field, toggled.Flag(field)))
	return nil
}

func flagWord(field string, on bool) string {
	switch {
	case field == "isLive" && on:
		return "live"
	case field == "isLive":
		return "offline"
	case on:
		return "active"
	}
	return "inactive"
}

// adminPage opens a page and restores the saved session.
func adminPage(rt *app.Runtime) (*app.Page, error) {
	page := rt.NewPage()
	ctx, cancel := context.WithTimeout(context.Background(), rt.Config.Backend.Timeout)
	defer cancel()
	if err := page.Restore(ctx); err != nil && !errors.Is(err, session.ErrUnauthorized) {
		page.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	return page, nil
}

func explain(err error) error {
	if errors.Is(err, session.ErrUnauthorized) {
		return fmt.Errorf("%w\nRun 'schoolsync login' with an admin account first", err)
	}
	return err
}
