package command

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the router state of the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		status, err := httpClient.Status()
		if err != nil {
			return err
		}

		fmt.Printf("Engine:       %s\n", status.Engine)
		fmt.Printf("Bus:          %s\n", status.Bus)
		if status.Started {
			fmt.Printf("Router:       %s\n", color.GreenString("started"))
		} else {
			fmt.Printf("Router:       %s\n", color.YellowString("stopped"))
		}
		fmt.Printf("Connections:  %d\n", status.Connections)
		fmt.Printf("Feed clients: %d\n", status.EventClients)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the inter-engine router",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		if err := httpClient.Start(); err != nil {
			return err
		}
		color.Green("✓ Router started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the inter-engine router",
	Long:  `Stop the router. Messages arriving while it is stopped are dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		if err := httpClient.Stop(); err != nil {
			return err
		}
		color.Yellow("✓ Router stopped")
		return nil
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List connections to remote engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		conns, err := httpClient.Connections()
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No connections")
			return nil
		}
		fmt.Printf("%-36s  %-8s  %s\n", "ENGINE", "VERSION", "ADDRESS")
		for _, c := range conns {
			fmt.Printf("%-36s  %-8s  %s\n", c.Engine, c.Version, c.RemoteAddr)
		}
		return nil
	},
}

var reachableCmd = &cobra.Command{
	Use:   "reachable [engine_id]",
	Short: "Check whether an engine is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		ok, err := httpClient.Reachable(args[0])
		if err != nil {
			return err
		}
		printVerdict(args[0], ok, "reachable", "not reachable")
		return nil
	},
}

var compatibleCmd = &cobra.Command{
	Use:   "compatible [engine_id] [version]",
	Short: "Check whether an engine speaks at least the given protocol version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		ok, err := httpClient.Compatible(args[0], args[1])
		if err != nil {
			return err
		}
		printVerdict(args[0], ok, "compatible with "+args[1], "not compatible with "+args[1])
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [engine_id]",
	Short: "Ask the engine to open a connection to a remote engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		ok, err := httpClient.Connect(args[0])
		if err != nil {
			return err
		}
		printVerdict(args[0], ok, "connected", "no connection established")
		return nil
	},
}

func printVerdict(engine string, ok bool, yes, no string) {
	if ok {
		color.Green("✓ %s %s", engine, yes)
		return
	}
	color.Red("✗ %s %s", engine, no)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(reachableCmd)
	rootCmd.AddCommand(compatibleCmd)
	rootCmd.AddCommand(connectCmd)
}
