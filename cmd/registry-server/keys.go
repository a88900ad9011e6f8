package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for verification submissions and incident operations",
	}

	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysRevokeCmd())

	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var name, outputFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Create a new API key. The key is shown once and cannot be retrieved later.

On a terminal the key is written to a 0600 file. When stdout is piped the
bare key is printed so it can go straight to a secrets manager.

EXAMPLES:
  registry-server keys create --name ci-verify
  registry-server keys create --name ci-verify --output /secure/key.txt
  registry-server keys create --name ci-verify | gh secret set REGISTRY_API_KEY
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysCreate(cmd.Context(), name, outputFile)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name/label for the key (required)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write key to file (default: ./registry-key-{name}.txt)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(cmd.Context())
		},
	}
}

func newKeysRevokeCmd() *cobra.Command {
	var keyID string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		Long: `Revoke an API key to prevent further use. A unique prefix of the id
shown by 'registry-server keys list' is accepted.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRevoke(cmd.Context(), keyID)
		},
	}

	cmd.Flags().StringVar(&keyID, "id", "", "key ID or unique prefix (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runKeysCreate(ctx context.Context, name, outputFile string) error {
	e, err := openEnv(ctx, quietLogger())
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := e.store.CreateAPIKey(ctx, name)
	if err != nil {
		return fmt.Errorf("creating API key: %w", err)
	}

	if outputFile == "" && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(key)
		return nil
	}

	if outputFile == "" {
		outputFile = fmt.Sprintf("./registry-key-%s.txt", name)
	}
	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing key to file: %w", err)
	}

	fmt.Printf("API key created: %s\n", name)
	fmt.Printf("  written to %s (mode 0600)\n", outputFile)
	fmt.Println("  this key cannot be retrieved later")
	return nil
}

func runKeysList(ctx context.Context) error {
	e, err := openEnv(ctx, quietLogger())
	if err != nil {
		return err
	}
	defer e.Close()

	keys, err := e.store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Println("No API keys found")
		fmt.Println("Create one with: registry-server keys create --name \"my-key\"")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != "" {
			lastUsed = k.LastUsedAt
		}
		id := k.ID
		if len(id) > 8 {
			id = id[:8] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, k.Name, k.CreatedAt, lastUsed)
	}
	return w.Flush()
}

func runKeysRevoke(ctx context.Context, keyID string) error {
	e, err := openEnv(ctx, quietLogger())
	if err != nil {
		return err
	}
	defer e.Close()

	keys, err := e.store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}

	var matches []string
	for _, k := range keys {
		if k.ID == keyID {
			matches = []string{k.ID}
			break
		}
		if strings.HasPrefix(k.ID, keyID) {
			matches = append(matches, k.ID)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Errorf("key not found: %s", keyID)
	case 1:
	default:
		return fmt.Errorf("key id prefix %q is ambiguous (%d keys)", keyID, len(matches))
	}

	if err := e.store.RevokeAPIKey(ctx, matches[0]); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}
	fmt.Printf("API key revoked: %s\n", matches[0])
	return nil
}
