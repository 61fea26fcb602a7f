package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/storage"
	"github.com/andresmejia3/avatarstream/internal/store"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetBundles bool
	resetAvatar  string
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (registry, bundles)",
	Long: `Clears persisted state. By default it drops the registry tables and deletes
every bundle in the store. With --avatar-id only that avatar is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReset(cmd, bufio.NewReader(os.Stdin))
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "registry", false, "Drop the PostgreSQL registry tables")
	resetCmd.Flags().BoolVar(&resetBundles, "bundles", false, "Delete all bundles in the store")
	resetCmd.Flags().StringVarP(&resetAvatar, "avatar-id", "a", "", "Remove a single avatar's bundle and registry rows")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, reader *bufio.Reader) error {
	ctx := cmd.Context()
	fs, err := storage.Open(storeURI)
	if err != nil {
		return err
	}

	if resetAvatar != "" {
		if !confirm(reader, fmt.Sprintf("⚠️  Remove avatar %q?", resetAvatar)) {
			return nil
		}
		if err := bundle.NewCache(fs, bundle.Models{}).Remove(ctx, resetAvatar); err != nil {
			return fmt.Errorf("failed to remove bundle: %w", err)
		}
		if DB != nil {
			if err := DB.DeleteAvatar(ctx, resetAvatar); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to remove registry entry: %w", err)
			}
		}
		fmt.Printf("🗑️  Removed %s.\n", resetAvatar)
		return nil
	}

	// If no flags are set, default to clearing EVERYTHING
	if !resetDB && !resetBundles {
		resetDB = DB != nil
		resetBundles = true
	}

	if resetDB {
		if DB == nil {
			return errNoRegistry
		}
		if confirm(reader, "⚠️  Are you sure you want to DROP all registry tables?") {
			fmt.Println("🗑️  Clearing Registry...")
			if err := DB.Reset(ctx); err != nil {
				return fmt.Errorf("failed to reset registry: %w", err)
			}
		}
	}

	if resetBundles {
		if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all bundles in %s?", fs.URI())) {
			fmt.Println("🗑️  Clearing Bundles...")
			if err := fs.DeleteAll(ctx, ""); err != nil {
				return fmt.Errorf("failed to delete bundles: %w", err)
			}
		}
	}

	fmt.Println("✨ System Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
