// cmd/workers.go
package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage the render worker pool of a running server",
}

var workersRecycleCmd = &cobra.Command{
	Use:   "recycle",
	Short: "Force-recycle every worker handle",
	Long: `Recycles all worker handles. In-flight jobs fail with a retryable
error and the pool refills with fresh workers. Use when workers are
wedged (e.g. a GPU driver hiccup) without restarting the service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]int
		status, err := apiPost("/v1/admin/workers/recycle", nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("server returned %d", status)
		}
		goodColor.Printf("recycled %d worker handles\n", resp["recycled"])
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersRecycleCmd)
	rootCmd.AddCommand(workersCmd)
}
