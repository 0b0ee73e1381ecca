// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var cfgFile string
var serverURL string
var debugMode bool

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debugMode {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Printf("[DEBUG] %s %s\n", timestamp, fmt.Sprintf(format, args...))
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "glslbot",
	Short: "glslbot renders GLSL shaders into animated GIFs",
	Long: `A rendering service and CLI for turning GLSL fragment shaders into
animated GIFs, with result caching, duplicate suppression, per-user rate
limits and a supervised worker pool.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./glslbot.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("GLSLBOT_SERVER", "http://127.0.0.1:8090"), "The URL of a running glslbot server")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}
