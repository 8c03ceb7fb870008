package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsu-project/dsid/api/dsi"
)

var enableFlags struct {
	singleBoot bool
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the installed image for the next boot",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		status, err := client.Enable(c.Context(), &dsi.EnableRequest{OneShot: enableFlags.singleBoot})
		if err != nil {
			return err
		}

		if status.Code != dsi.StatusOK {
			return fmt.Errorf("enable: %s", status.Code)
		}

		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the installed image without removing its data",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		resp, err := client.Disable(c.Context())
		if err != nil {
			return err
		}

		if !resp.Value {
			return fmt.Errorf("disable: refused")
		}

		return nil
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Remove the installed image and delete its backing storage",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		resp, err := client.Remove(c.Context())
		if err != nil {
			return err
		}

		if !resp.Value {
			return fmt.Errorf("wipe: refused")
		}

		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Abort an installation currently in progress",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		resp, err := client.CancelInstall(c.Context())
		if err != nil {
			return err
		}

		if !resp.Value {
			return fmt.Errorf("cancel: refused")
		}

		return nil
	},
}

func init() {
	enableCmd.Flags().BoolVarP(&enableFlags.singleBoot, "single-boot", "s", false, "boot the installed image exactly once, then revert")

	rootCmd.AddCommand(enableCmd, disableCmd, wipeCmd, cancelCmd)
}
