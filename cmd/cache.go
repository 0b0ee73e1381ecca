// cmd/cache.go
package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the result cache of a running server",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Evict expired entries and enforce the size bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]int
		status, err := apiPost("/v1/admin/cache/clean", nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("server returned %d", status)
		}
		goodColor.Printf("evicted %d expired entries\n", resp["evicted"])
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge <fingerprint>",
	Short: "Remove a single cached artifact by fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]bool
		status, err := apiPost("/v1/admin/cache/purge?fingerprint="+args[0], nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("server returned %d", status)
		}
		if resp["purged"] {
			goodColor.Printf("purged %s\n", args[0])
		} else {
			warnColor.Printf("no cache entry for %s\n", args[0])
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
