// ABOUTME: CLI commands for the durable KV store behind the content cache
// ABOUTME: Switches backends, syncs with charm cloud, and wipes cached content

package charm

import (
	"flag"
	"fmt"
	"strings"
)

// LinkCommand moves the cache to charm cloud KV so other devices share it.
// Uses SSH key auth - charm handles this automatically via SSH keys.
func LinkCommand(args []string) error {
	fs := flag.NewFlagSet("kv link", flag.ExitOnError)
	host := fs.String("host", "", "Charm server host")
	_ = fs.Parse(args)

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if err := cfg.SetBackend(BackendCharm); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Linking to Charm Cloud (%s)...\n\n", cfg.Host)

	c, err := Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open charm kv: %w", err)
	}
	if err := c.Sync(); err != nil {
		return fmt.Errorf("link failed: %w", err)
	}

	id, err := c.ID()
	if err != nil {
		fmt.Println("✓ Device linked (ID unavailable)")
	} else {
		fmt.Printf("✓ Linked to account: %s\n", id)
	}
	fmt.Printf("✓ Auto-sync: %v\n", cfg.AutoSync)

	return nil
}

// UnlinkCommand returns the cache to the local badger store.
func UnlinkCommand(args []string) error {
	fs := flag.NewFlagSet("kv unlink", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.SetBackend(BackendLocal); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✓ Using local store at %s\n", cfg.LocalPath())
	fmt.Println("Remove this device's SSH key from your Charm account to fully unlink.")
	return nil
}

// StatusCommand shows the backend and the cached keys.
func StatusCommand(args []string) error {
	fs := flag.NewFlagSet("kv status", flag.ExitOnError)
	_ = fs.Parse(args)

	c, err := GetClient()
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}
	cfg := c.Config()

	fmt.Println("Cache Store Status")
	fmt.Println("──────────────────")
	fmt.Printf("Backend:   %s\n", cfg.Backend)
	if c.Remote() {
		fmt.Printf("Server:    %s\n", cfg.Host)
		fmt.Printf("Auto-sync: %v\n", cfg.AutoSync)
		if id, err := c.ID(); err == nil {
			fmt.Printf("ID:        %s\n", id)
		} else {
			fmt.Println("Status:    Not connected")
		}
	} else {
		fmt.Printf("Path:      %s\n", cfg.LocalPath())
	}

	keys, err := c.Keys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	fmt.Printf("Keys:      %d\n", len(keys))
	for _, k := range keys {
		if strings.HasPrefix(string(k), "school:") {
			fmt.Printf("  %s\n", k)
		}
	}
	return nil
}

// WipeCommand completely resets the KV store.
// WARNING: This deletes the cached content and the saved admin session!
func WipeCommand(args []string) error {
	fs := flag.NewFlagSet("kv wipe", flag.ExitOnError)
	confirm := fs.Bool("confirm", false, "Confirm data wipe")
	_ = fs.Parse(args)

	if !*confirm {
		fmt.Println("WARNING: This will delete ALL cached content and the saved session!")
		fmt.Println()
		fmt.Println("To confirm, run:")
		fmt.Println("  schoolsync kv wipe --confirm")
		return nil
	}

	c, err := GetClient()
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}
	if err := c.Reset(); err != nil {
		return fmt.Errorf("failed to reset KV store: %w", err)
	}

	fmt.Println("✓ All cached data wiped")
	return nil
}

// SyncNowCommand performs an immediate sync.
func SyncNowCommand(args []string) error {
	fs := flag.NewFlagSet("kv sync", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show verbose output")
	_ = fs.Parse(args)

	c, err := GetClient()
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}
	if !c.Remote() {
		fmt.Println("Local backend: nothing to sync")
		return nil
	}

	if *verbose {
		fmt.Println("Syncing with server...")
	}
	if err := c.Sync(); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Println("✓ Synced")
	return nil
}

// SetAutoSyncCommand enables or disables auto-sync.
func SetAutoSyncCommand(args []string) error {
	fs := flag.NewFlagSet("kv auto", flag.ExitOnError)
	enable := fs.Bool("enable", false, "Enable auto-sync")
	disable := fs.Bool("disable", false, "Disable auto-sync")
	_ = fs.Parse(args)

	if !*enable && !*disable {
		fmt.Println("Usage: schoolsync kv auto --enable|--disable")
		return nil
	}

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.SetAutoSync(*enable); err != nil {
		return fmt.Errorf("failed to update auto-sync: %w", err)
	}
	if *enable {
		fmt.Println("✓ Auto-sync enabled")
	} else {
		fmt.Println("✓ Auto-sync disabled")
	}
	return nil
}
