package command

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"melink/cmd/melinkctl/authentication"
	"melink/cmd/melinkctl/command/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long:  `Log in to the admin API of an engine and manage the stored token.`,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the token in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req client.LoginRequest
		req.Username, _ = cmd.Flags().GetString("username")
		req.Password, _ = cmd.Flags().GetString("password")
		if req.Password == "" {
			fmt.Print("Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			req.Password = strings.TrimSpace(line)
		}

		httpClient := client.NewHTTPClient(apiURL)
		response, err := httpClient.Login(&req)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		err = authentication.StoreTokens(apiURL, &authentication.StoredCredentials{
			AccessToken: response.Token,
			Username:    req.Username,
			ExpiresAt:   response.ExpiresAt.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}

		color.Green("✓ Logged in to %s until %s", apiURL, response.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := authentication.DeleteTokens(apiURL); err != nil {
			return fmt.Errorf("failed to remove token: %w", err)
		}
		color.Green("✓ Logged out of %s", apiURL)
		return nil
	},
}

func init() {
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(authCmd)

	loginCmd.Flags().StringP("username", "u", "admin", "Admin username")
	loginCmd.Flags().StringP("password", "p", "", "Admin password (prompted when empty)")
}
