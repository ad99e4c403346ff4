package command

import (
	"fmt"

	"melink/cmd/melinkctl/command/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var destinationsCmd = &cobra.Command{
	Use:   "destinations",
	Short: "List and manage the destinations known to the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		dests, err := httpClient.Destinations()
		if err != nil {
			return err
		}
		if len(dests) == 0 {
			fmt.Println("No destinations")
			return nil
		}
		for _, d := range dests {
			flags := ""
			if d.Link {
				flags += " link->" + d.ForeignBus
			}
			if d.Invisible {
				flags += " invisible"
			}
			if d.CreateInProgress {
				flags += " creating"
			}
			if d.ToBeDeleted {
				flags += " deleting"
			}
			fmt.Printf("%s  %s:%s%s\n", d.ID, d.Bus, d.Name, color.HiBlackString(flags))
		}
		return nil
	},
}

var destinationCreate client.NewDestination

var destinationsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a destination",
	Long: `Create a destination on the engine's bus, or on --bus.

Examples:
  melinkctl destinations create orders
  melinkctl destinations create to-eu --link --foreign-bus eu-bus
  melinkctl destinations create staging --creating`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		req := destinationCreate
		req.Name = args[0]
		if req.ForeignBus != "" {
			req.Link = true
		}
		rec, err := httpClient.CreateDestination(&req)
		if err != nil {
			return err
		}
		color.Green("✓ Created %s:%s (%s)", rec.Bus, rec.Name, rec.ID)
		return nil
	},
}

var destinationsCreatingCmd = &cobra.Command{
	Use:   "creating [destination_id]",
	Short: "Mark a destination as being created; --done clears the mark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		done, _ := cmd.Flags().GetBool("done")
		if err := httpClient.SetCreateInProgress(args[0], !done); err != nil {
			return err
		}
		if done {
			color.Green("✓ %s accepts traffic", args[0])
		} else {
			color.Yellow("✓ %s marked as being created", args[0])
		}
		return nil
	},
}

var destinationsMarkDeletedCmd = &cobra.Command{
	Use:   "mark-deleted [destination_id]",
	Short: "Mark a destination for deletion",
	Long:  `Mark a destination for deletion. Its traffic is then handled like traffic for an unknown destination.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		if err := httpClient.MarkToBeDeleted(args[0]); err != nil {
			return err
		}
		color.Yellow("✓ %s marked for deletion", args[0])
		return nil
	},
}

var destinationsDeleteCmd = &cobra.Command{
	Use:   "delete [destination_id]",
	Short: "Delete a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient, err := GetAuthenticatedClient()
		if err != nil {
			return err
		}
		if err := httpClient.DeleteDestination(args[0]); err != nil {
			return err
		}
		color.Green("✓ %s deleted", args[0])
		return nil
	},
}

func init() {
	destinationsCreateCmd.Flags().StringVar(&destinationCreate.Bus, "bus", "", "Bus of the destination (defaults to the engine's bus)")
	destinationsCreateCmd.Flags().BoolVar(&destinationCreate.Link, "link", false, "Create a link to a foreign bus")
	destinationsCreateCmd.Flags().StringVar(&destinationCreate.ForeignBus, "foreign-bus", "", "Foreign bus a link stands for")
	destinationsCreateCmd.Flags().BoolVar(&destinationCreate.Invisible, "invisible", false, "Hide the destination from name lookups")
	destinationsCreateCmd.Flags().BoolVar(&destinationCreate.CreateInProgress, "creating", false, "Create the destination marked as being created")
	destinationsCreatingCmd.Flags().Bool("done", false, "Clear the mark")

	destinationsCmd.AddCommand(destinationsCreateCmd)
	destinationsCmd.AddCommand(destinationsCreatingCmd)
	destinationsCmd.AddCommand(destinationsMarkDeletedCmd)
	destinationsCmd.AddCommand(destinationsDeleteCmd)
	rootCmd.AddCommand(destinationsCmd)
}
