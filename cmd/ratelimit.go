// cmd/ratelimit.go
package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage rate limits on a running server",
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset <identity> [operation]",
	Short: "Clear rate windows for an identity",
	Long: `Clears the rate windows for an identity. Without an operation every
window and the abuse counter are cleared; with one, only the window for
that operation kind.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/admin/ratelimit/reset?identity=" + args[0]
		if len(args) == 2 {
			path += "&operation=" + args[1]
		}
		status, err := apiPost(path, nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("server returned %d", status)
		}
		goodColor.Printf("rate limits reset for %s\n", args[0])
		return nil
	},
}

func init() {
	ratelimitCmd.AddCommand(ratelimitResetCmd)
	rootCmd.AddCommand(ratelimitCmd)
}
