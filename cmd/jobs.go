// cmd/jobs.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Jobs []struct {
				ID        string `json:"id"`
				Identity  string `json:"identity"`
				Operation string `json:"operation"`
				Status    string `json:"status"`
				CacheHit  bool   `json:"cache_hit"`
				Error     string `json:"error"`
			} `json:"jobs"`
		}
		if err := apiGet("/v1/jobs", &resp); err != nil {
			return err
		}
		if len(resp.Jobs) == 0 {
			fmt.Println("no recent jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tIDENTITY\tOPERATION\tSTATUS\tCACHE\tERROR")
		for _, j := range resp.Jobs {
			statusStr := j.Status
			switch j.Status {
			case "completed":
				statusStr = goodColor.Sprint(j.Status)
			case "failed", "timeout":
				statusStr = badColor.Sprint(j.Status)
			}
			hit := ""
			if j.CacheHit {
				hit = "hit"
			}
			fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\t%.40s\n", j.ID, j.Identity, j.Operation, statusStr, hit, j.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
