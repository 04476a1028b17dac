package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whadgest/whadgest-backend/internal/app"
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceCreateCmd, deviceRotateCmd, deviceListCmd)

	deviceCreateCmd.Flags().String("platform", "android", "device platform")
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage ingesting devices",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create <device-id>",
	Short: "Register a device and print its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			token, err := a.DeviceAuth.Register(ctx, args[0], platform)
			if err != nil {
				return fmt.Errorf("register device: %w", err)
			}
			fmt.Printf("Device %q registered.\nToken (shown once): %s\n", args[0], token)
			return nil
		})
	},
}

var deviceRotateCmd = &cobra.Command{
	Use:   "rotate <device-id>",
	Short: "Issue a new token for a device, revoking the old one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			token, err := a.DeviceAuth.Rotate(ctx, args[0])
			if err != nil {
				return fmt.Errorf("rotate token: %w", err)
			}
			fmt.Printf("New token for %q (shown once): %s\n", args[0], token)
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			devices, err := a.Devices.List(ctx)
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No devices registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLATFORM\tAPP VERSION\tCREATED\tLAST SEEN")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Platform.String, d.AppVersion.String,
					d.CreatedAt.Format(time.RFC3339), d.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}
