package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/rbac"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, extend, and purge API keys used to authorize MCP tool calls.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyExtendCmd())
	cmd.AddCommand(newKeyPurgeCmd())

	return cmd
}

// findKeyByPrefix resolves a display prefix to the key's internal handle.
func findKeyByPrefix(keys *rbac.Keys, prefix string) (string, *model.APIKey, error) {
	for _, k := range keys.List(true) {
		if k.KeyPrefix == prefix || strings.HasPrefix(k.KeyPrefix, prefix) {
			key := k
			return k.KeyHash, &key, nil
		}
	}
	return "", nil, fmt.Errorf("no API key found with prefix %q", prefix)
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name        string
		role        string
		permissions []string
		expiresIn   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key bound to a role. The raw key is shown once and cannot be retrieved again.",
		Example: `  warden key create --name "claude-desktop" --role bot
  warden key create --name "auditor" --role readonly --expires-in 720h
  warden key create --name "pinner" --role bot --permission pin_messages`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(name, role, permissions, expiresIn)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&role, "role", "", "Role to bind the key to: admin, developer, bot, readonly, custom (required)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Custom permission (repeatable; replaces the role's defaults)")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "Lifetime as a duration, e.g. 720h (default: never expires)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("role")

	return cmd
}

func runKeyCreate(name, role string, permissions []string, expiresIn string) error {
	ctx := context.Background()
	store, keys, err := openKeys(ctx, quietLogger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var perms []model.Permission
	for _, p := range permissions {
		perms = append(perms, model.Permission(p))
	}

	var ttl time.Duration
	if expiresIn != "" {
		ttl, err = time.ParseDuration(expiresIn)
		if err != nil {
			return fmt.Errorf("invalid --expires-in: %w", err)
		}
	}

	secret, key, err := keys.Create(ctx, name, model.Role(role), perms, ttl)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", secret)
	fmt.Printf("  Prefix: %s\n", key.KeyPrefix)
	fmt.Printf("  Role:   %s\n", key.Role)
	if len(key.CustomPermissions) > 0 {
		fmt.Printf("  Perms:  %s\n", joinPermissions(key.CustomPermissions))
	}
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

func joinPermissions(perms []model.Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput     bool
		includeRevoked bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput, includeRevoked)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&includeRevoked, "all", false, "Include revoked keys")

	return cmd
}

func runKeyList(jsonOutput, includeRevoked bool) error {
	ctx := context.Background()
	store, keys, err := openKeys(ctx, quietLogger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	exported := keys.Export()
	if !includeRevoked {
		kept := exported[:0]
		for _, k := range exported {
			if !k.Revoked {
				kept = append(kept, k)
			}
		}
		exported = kept
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exported)
	}

	if len(exported) == 0 {
		fmt.Println("No API keys configured. Use 'warden key create' to create one.")
		return nil
	}

	fmt.Printf("%-14s %-20s %-10s %-8s %-20s\n", "PREFIX", "NAME", "ROLE", "ACTIVE", "EXPIRES")
	fmt.Printf("%-14s %-20s %-10s %-8s %-20s\n", "------", "----", "----", "------", "-------")
	for _, k := range exported {
		active := "yes"
		if k.Revoked {
			active = "no"
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-14s %-20s %-10s %-8s %-20s\n", k.KeyPrefix, k.Name, k.Role, active, expires)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its display prefix",
		Long:  "Deactivate an API key, preventing any further tool calls using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}
}

func runKeyRevoke(prefix string) error {
	ctx := context.Background()
	store, keys, err := openKeys(ctx, quietLogger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	handle, key, err := findKeyByPrefix(keys, prefix)
	if err != nil {
		return err
	}
	if err := keys.Revoke(ctx, handle); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %q (%s)\n", key.Name, key.KeyPrefix)
	return nil
}

// ---------- key extend ----------

func newKeyExtendCmd() *cobra.Command {
	var extendBy string

	cmd := &cobra.Command{
		Use:   "extend <prefix>",
		Short: "Extend an API key's expiration",
		Long:  "Push an API key's expiration further into the future. Keys that already expired are extended from now.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyExtend(args[0], extendBy)
		},
	}

	cmd.Flags().StringVar(&extendBy, "by", "720h", "Duration to extend by, e.g. 168h")

	return cmd
}

func runKeyExtend(prefix, extendBy string) error {
	d, err := time.ParseDuration(extendBy)
	if err != nil {
		return fmt.Errorf("invalid --by: %w", err)
	}

	ctx := context.Background()
	store, keys, err := openKeys(ctx, quietLogger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	handle, key, err := findKeyByPrefix(keys, prefix)
	if err != nil {
		return err
	}
	expires, err := keys.ExtendExpiration(ctx, handle, d)
	if err != nil {
		return fmt.Errorf("extend api key: %w", err)
	}

	fmt.Printf("Extended API key %q (%s)\n", key.Name, key.KeyPrefix)
	fmt.Printf("  New expiration: %s\n", expires.Format(time.RFC3339))
	return nil
}

// ---------- key purge ----------

func newKeyPurgeCmd() *cobra.Command {
	var (
		expired      bool
		revokedOlder string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Permanently delete expired or long-revoked keys",
		Example: `  warden key purge --expired
  warden key purge --revoked-older-than 2160h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyPurge(expired, revokedOlder)
		},
	}

	cmd.Flags().BoolVar(&expired, "expired", false, "Delete keys past their expiration")
	cmd.Flags().StringVar(&revokedOlder, "revoked-older-than", "", "Delete keys revoked longer ago than this duration")

	return cmd
}

func runKeyPurge(expired bool, revokedOlder string) error {
	if !expired && revokedOlder == "" {
		return fmt.Errorf("nothing to purge; pass --expired and/or --revoked-older-than")
	}

	ctx := context.Background()
	store, keys, err := openKeys(ctx, quietLogger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if expired {
		n, err := keys.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge expired keys: %w", err)
		}
		fmt.Printf("Deleted %d expired key(s)\n", n)
	}

	if revokedOlder != "" {
		d, err := time.ParseDuration(revokedOlder)
		if err != nil {
			return fmt.Errorf("invalid --revoked-older-than: %w", err)
		}
		n, err := keys.PurgeRevoked(ctx, time.Now().Add(-d))
		if err != nil {
			return fmt.Errorf("purge revoked keys: %w", err)
		}
		fmt.Printf("Deleted %d revoked key(s)\n", n)
	}

	return nil
}
