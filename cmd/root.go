package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:   "icee",
	Short: "Interactive code execution engine",
	Long: `icee runs hand-ins for programming assignments inside throw-away
containers and streams their output back while they run.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ICEE_CONFIG"), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", getEnvOrDefault("ICEE_URL", "http://localhost:3000"), "icee server URL (client commands)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("ICEE_USER"), "user id sent with client requests")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
