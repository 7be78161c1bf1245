// ABOUTME: Status and watch CLI commands
// ABOUTME: Summarizes cache, fetch history, and mutations; streams change notifications
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/bus"
	"github.com/harperreed/schoolsync/db"
	"github.com/harperreed/schoolsync/models"
)

// StatusCommand prints the cache, fetch, and mutation overview.
func StatusCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	limit := fs.Int("limit", 5, "Recent mutations to show")
	_ = fs.Parse(args)

	kv := rt.KV.Config()
	fmt.Fprintln(out, "School Sync Status")
	fmt.Fprintln(out, "==================")
	fmt.Fprintf(out, "Backend:  %s\n", rt.Config.Backend.BaseURL)
	fmt.Fprintf(out, "Storage:  %s\n", kv.Backend)
	if rt.KV.Remote() {
		fmt.Fprintf(out, "Host:     %s\n", kv.Host)
	}
	marker, err := rt.Store.Marker()
	if err != nil {
		return fmt.Errorf("failed to read marker: %w", err)
	}
	if marker > 0 {
		fmt.Fprintf(out, "Updated:  %s\n", time.UnixMilli(marker).Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(out, "Updated:  never")
	}
	if rt.Bridge != nil {
		fmt.Fprintf(out, "Redis:    %s (%s)\n", rt.Config.Redis.Addr, rt.Bridge.Instance())
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COLLECTION\tCACHED\tORIGIN\tFETCHED\tSTATUS\tFETCHES\tFAILURES")
	_, _ = fmt.Fprintln(w, "----------\t------\t------\t-------\t------\t-------\t--------")
	for _, c := range models.AllCollections {
		e, ok, err := rt.Store.Read(c)
		if err != nil {
			return err
		}
		cached, origin, fetched := "-", "-", "-"
		if ok {
			cached = fmt.Sprintf("%d", len(e.Items))
			origin = string(e.Origin)
			fetched = e.FetchedAt.Format("15:04:05")
		}

		status, fetches, failures := "-", "0", "0"
		state, err := db.GetSyncState(rt.DB(), string(c))
		if err != nil {
			return fmt.Errorf("failed to read sync state: %w", err)
		}
		if state != nil {
			status = state.Status
			fetches = fmt.Sprintf("%d", state.FetchCount)
			failures = fmt.Sprintf("%d", state.FailureCount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c, cached, origin, fetched, status, fetches, failures)
	}
	_ = w.Flush()

	logs, err := db.ListMutationLogs(rt.DB(), "", *limit)
	if err != nil {
		return fmt.Errorf("failed to list mutations: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nRecent mutations")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tOP\tCOLLECTION\tID\tSTATUS\tBY")
	_, _ = fmt.Fprintln(w, "----\t--\t----------\t--\t------\t--")
	for _, l := range logs {
		id := "-"
		if l.ItemID != nil {
			id = fmt.Sprintf("%d", *l.ItemID)
		}
		status := l.Status
		if l.ErrorMessage != nil {
			status += ": " + *l.ErrorMessage
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CreatedAt.Format("01-02 15:04:05"), l.Op, l.Collection, id, status, l.Username)
	}
	return w.Flush()
}

// WatchCommand keeps collections subscribed and prints every notification.
// SIGCONT counts as the page becoming visible again.
func WatchCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	legacy := fs.Bool("legacy", false, "Also print legacy named events")
	_ = fs.Parse(args)

	collections := models.AllCollections
	if fs.NArg() > 0 {
		collections = nil
		for _, a := range fs.Args() {
			c, err := models.ParseCollection(a)
			if err != nil {
				return err
			}
			collections = append(collections, c)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, rt, collections, *legacy)
}

func watch(ctx context.Context, rt *app.Runtime, collections []models.Collection, legacy bool) error {
	page := rt.NewPage()
	defer page.Close()

	for _, c := range collections {
		unsub := page.Bus.Subscribe(c, func(n bus.Notification) {
			e, _ := page.Sync.Get(c)
			fmt.Fprintf(out, "%s  %-13s %-11s %d items (%s)\n",
				time.Now().Format("15:04:05"), n.Key, n.Reason, len(e.Items), e.Origin)
		})
		defer unsub()
		_, unwatch := page.Sync.Watch(c)
		defer unwatch()
	}

	if legacy {
		for _, c := range collections {
			for _, name := range []string{c.Singular() + "Created", c.Singular() + "Deleted"} {
				defer page.Bus.Listen(name, printLegacy)()
			}
		}
		defer page.Bus.Listen(bus.DataUpdated, printLegacy)()
	}

	names := make([]string, len(collections))
	for i, c := range collections {
		names[i] = string(c)
	}
	fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", strings.Join(names, ", "))

	cont := make(chan os.Signal, 1)
	signal.Notify(cont, syscall.SIGCONT)
	defer signal.Stop(cont)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cont:
			page.Sync.Visible()
		}
	}
}

func printLegacy(ev bus.LegacyEvent) {
	if t := ev.Detail["type"]; t != "" {
		fmt.Fprintf(out, "%s  event %s {type: %s}\n", time.Now().Format("15:04:05"), ev.Name, t)
		return
	}
	fmt.Fprintf(out, "%s  event %s\n", time.Now().Format("15:04:05"), ev.Name)
}
