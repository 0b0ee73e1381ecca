// cmd/status.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool // Flag to disable color
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st", "info"},
	Short:   "Shows a comprehensive status of the glslbot service",
	Long: `Provides a full health and load overview of a running glslbot server:
worker pool occupancy, cache effectiveness, rate limiter pressure and the
circuit breaker state.`,
	Example: `  # View full service status with colors
  glslbot status

  # View status without colors (for scripts/logging)
  glslbot status --no-color`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- glslbot Service Status (%s) ---\n", serverURL)

		var health map[string]any
		if err := apiGet("/v1/health", &health); err != nil {
			return err
		}

		headerColor.Fprintln(w, "\nHEALTH")
		printHealth(w, health)

		headerColor.Fprintln(w, "\nWORKER POOL")
		var pool map[string]any
		if err := apiGet("/v1/stats/pool", &pool); err == nil {
			fmt.Fprintf(w, "  %s:\t%.0f / %.0f busy\n", labelColor.Sprint("Workers"), num(pool, "active_count"), num(pool, "pool_size"))
			fmt.Fprintf(w, "  %s:\t%.0f / %.0f\n", labelColor.Sprint("Queue"), num(pool, "waiting_count"), num(pool, "queue_capacity"))
			fmt.Fprintf(w, "  %s:\t%.2fs\n", labelColor.Sprint("Avg Wait"), num(pool, "avg_wait_seconds"))
		}

		headerColor.Fprintln(w, "\nRESULT CACHE")
		var cache map[string]any
		if err := apiGet("/v1/stats/cache", &cache); err == nil {
			fmt.Fprintf(w, "  %s:\t%.0f entries, %.1f MB\n", labelColor.Sprint("Stored"), num(cache, "entry_count"), num(cache, "total_size_bytes")/(1024*1024))
			hits, misses := num(cache, "hit_count"), num(cache, "miss_count")
			rate := 0.0
			if hits+misses > 0 {
				rate = hits / (hits + misses) * 100
			}
			fmt.Fprintf(w, "  %s:\t%.1f%% (%.0f hits, %.0f misses)\n", labelColor.Sprint("Hit Rate"), rate, hits, misses)
		}

		headerColor.Fprintln(w, "\nRATE LIMITER")
		var rl map[string]any
		if err := apiGet("/v1/stats/ratelimit", &rl); err == nil {
			fmt.Fprintf(w, "  %s:\t%.0f\n", labelColor.Sprint("Active Identities"), num(rl, "active_identities"))
			fmt.Fprintf(w, "  %s:\t%.0f (resets in %.0fs)\n", labelColor.Sprint("Global Window"), num(rl, "global_count"), num(rl, "global_reset_in_seconds"))
		}
		return nil
	},
}

func printHealth(w *tabwriter.Writer, health map[string]any) {
	status, _ := health["status"].(string)
	statusStr := goodColor.Sprint(status)
	if status != "ok" {
		statusStr = warnColor.Sprint(status)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Status"), statusStr)

	breakerState, _ := health["breaker"].(string)
	breakerStr := goodColor.Sprint(breakerState)
	if breakerState != "closed" {
		breakerStr = badColor.Sprint(breakerState)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Breaker"), breakerStr)
	fmt.Fprintf(w, "  %s:\t%.0fs\n", labelColor.Sprint("Uptime"), num(health, "uptime_seconds"))
	if v, ok := health["memory_used_percent"]; ok {
		fmt.Fprintf(w, "  %s:\t%.1f%%\n", labelColor.Sprint("Memory"), toFloat(v))
	}
}

func num(m map[string]any, key string) float64 {
	return toFloat(m[key])
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func init() {
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.AddCommand(statusCmd)
}
