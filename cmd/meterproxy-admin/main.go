// meterproxy-admin manages caller API keys directly in Redis.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngoyal88/meterproxy/pkg/cache"
	"github.com/ngoyal88/meterproxy/pkg/config"
	"github.com/ngoyal88/meterproxy/pkg/keymanager"
)

const (
	envFile     = ".env"
	adminKeyEnv = config.EnvPrefix + "_AUTH_ADMIN_KEY"
	opTimeout   = 5 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "meterproxy-admin",
	Short:        "Manage meterproxy API keys",
	SilenceUsage: true,
}

var createFlags struct {
	name        string
	user        string
	desc        string
	expiresDays int
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./configs/config.yaml)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an admin key and store it in .env",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adminKey, err := generateAdminKey()
			if err != nil {
				return fmt.Errorf("generate admin key: %w", err)
			}
			if err := writeEnv(envFile, adminKeyEnv, adminKey); err != nil {
				return fmt.Errorf("write %s: %w", envFile, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "AdminKey: %s\nSaved to %s (%s).\n", adminKey, envFile, adminKeyEnv)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create-key",
		Short: "Create a new API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, km *keymanager.Manager) error {
				var expiresIn *time.Duration
				if createFlags.expiresDays > 0 {
					d := time.Duration(createFlags.expiresDays) * 24 * time.Hour
					expiresIn = &d
				}
				plaintext, key, err := km.CreateKey(ctx, createFlags.name, createFlags.user, createFlags.desc, expiresIn)
				if err != nil {
					return fmt.Errorf("create key: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "API key:  %s\n", plaintext)
				fmt.Fprintf(out, "Key hash: %s\n", key.KeyHash)
				fmt.Fprintf(out, "User:     %s\n", key.UserID)
				fmt.Fprintln(out, "Store the key securely - it won't be shown again.")
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&createFlags.name, "name", "root", "key name")
	createCmd.Flags().StringVar(&createFlags.user, "user", "root", "user id")
	createCmd.Flags().StringVar(&createFlags.desc, "desc", "bootstrap key", "description")
	createCmd.Flags().IntVar(&createFlags.expiresDays, "expires-days", 0, "expires in N days (0 = never)")

	listCmd := &cobra.Command{
		Use:   "list-keys <user-id>",
		Short: "List the keys of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, km *keymanager.Manager) error {
				keys, err := km.ListUserKeys(ctx, args[0])
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "PREFIX\tNAME\tACTIVE\tCREATED\tEXPIRES\tHASH")
				for _, k := range keys {
					expires := "never"
					if k.ExpiresAt != nil {
						expires = k.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
						k.KeyPrefix, k.Name, k.Valid(time.Now()), k.CreatedAt.Format(time.RFC3339), expires, k.KeyHash)
				}
				return tw.Flush()
			})
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke-key <key-hash>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, km *keymanager.Manager) error {
				if err := km.RevokeKey(ctx, args[0]); err != nil {
					return fmt.Errorf("revoke key: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key revoked")
				return nil
			})
		},
	}

	rootCmd.AddCommand(initCmd, createCmd, listCmd, revokeCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withManager(fn func(ctx context.Context, km *keymanager.Manager) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rdb, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return fn(ctx, keymanager.New(rdb))
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeEnv sets name=value in path, replacing an existing assignment.
func writeEnv(path, name, value string) error {
	line := fmt.Sprintf("%s=%s", name, value)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.WriteFile(path, []byte(line+"\n"), 0o600)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, l := range lines {
		if strings.HasPrefix(l, name+"=") {
			lines[i] = line
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, line)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}
