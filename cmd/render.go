// cmd/render.go
package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	renderIdentity string
	renderParams   map[string]string
)

var renderCmd = &cobra.Command{
	Use:   "render <shader.frag>",
	Short: "Submit a shader file to a running glslbot server",
	Args:  cobra.ExactArgs(1),
	Example: `  # Render a shader with default settings
  glslbot render plasma.frag

  # Render at a custom size
  glslbot render plasma.frag --param width=320 --param height=240`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read shader: %w", err)
		}

		req := map[string]any{
			"identity": renderIdentity,
			"source":   string(source),
			"params":   renderParams,
		}
		var job map[string]any
		status, err := apiPost("/v1/jobs", req, &job)
		if err != nil {
			return err
		}

		switch status {
		case http.StatusOK:
			if hit, _ := job["cache_hit"].(bool); hit {
				goodColor.Printf("served from cache: %v\n", job["location"])
			} else {
				goodColor.Printf("rendered: %v\n", job["location"])
			}
			Debug("job id %v", job["id"])
			return nil
		case http.StatusConflict:
			warnColor.Println("an identical render is already in progress; try again shortly")
		case http.StatusTooManyRequests:
			warnColor.Printf("rate limited: retry in %vs\n", job["retry_after_seconds"])
		case http.StatusServiceUnavailable:
			badColor.Printf("service busy: %v\n", job["error"])
		default:
			badColor.Printf("render failed (%d): %v\n", status, job["error"])
		}
		return fmt.Errorf("render not completed")
	},
}

func init() {
	hostname, _ := os.Hostname()
	renderCmd.Flags().StringVar(&renderIdentity, "identity", getEnvOrDefault("GLSLBOT_IDENTITY", hostname), "Identity to attribute the render to")
	renderCmd.Flags().StringToStringVar(&renderParams, "param", nil, "Render parameter overrides (width, height, duration, fps)")
	rootCmd.AddCommand(renderCmd)
}
