package command

// root.go defines the root command for melinkctl and its global flags.

import (
	"errors"
	"fmt"
	"os"

	"melink/cmd/melinkctl/authentication"
	"melink/cmd/melinkctl/command/client"

	"github.com/spf13/cobra"
)

var apiURL string // admin API of the engine to drive

var rootCmd = &cobra.Command{
	Use:   "melinkctl",
	Short: "melinkctl - operate a melink messaging engine",
	Long: `melinkctl talks to the admin API of one melink engine. Use it to:
- start and stop the inter-engine router
- list connections and check remote engines
- inspect and follow dropped messages

Use "melinkctl command -h" to see all available commands.`,
	SilenceUsage: true,
}

// Execute is called by main.main. It only needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultURL := os.Getenv("MELINK_API")
	if defaultURL == "" {
		defaultURL = "http://localhost:7480"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "admin API URL (env MELINK_API)")
}

// GetAuthenticatedClient returns a client carrying the stored token for
// the selected server.
func GetAuthenticatedClient() (*client.HTTPClient, error) {
	creds, err := authentication.GetTokens(apiURL)
	if errors.Is(err, authentication.ErrNotLoggedIn) {
		return nil, fmt.Errorf("not logged in to %s, run 'melinkctl auth login' first", apiURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stored credentials: %w", err)
	}
	c := client.NewHTTPClient(apiURL)
	c.SetToken(creds.AccessToken)
	return c, nil
}
