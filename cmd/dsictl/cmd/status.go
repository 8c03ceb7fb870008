package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dsu-project/dsid/api/dsi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print whether a dynamic system is running, installed, or absent",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		running, err := client.IsRunning(c.Context())
		if err != nil {
			return err
		}

		if running.Value {
			fmt.Println("running")

			return nil
		}

		installed, err := client.IsInstalled(c.Context())
		if err != nil {
			return err
		}

		if installed.Value {
			fmt.Println("installed")

			return nil
		}

		fmt.Println("normal")

		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print the current installation progress snapshot",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		snap, err := client.GetInstallProgress(c.Context(), &dsi.GetInstallProgressRequest{})
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s / %s\n", snap.Step, humanize.Bytes(snap.Processed), humanize.Bytes(snap.Total))

		return nil
	},
}

var dumpDMCmd = &cobra.Command{
	Use:   "dump-device-mapper",
	Short: "Dump the system's device-mapper table (requires root or the shell user)",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		client, closeFn, err := dial(c.Context(), flags.socketPath)
		if err != nil {
			return err
		}
		defer closeFn() //nolint:errcheck

		dump, err := client.DumpDeviceMapperDevices(c.Context())
		if err != nil {
			return err
		}

		fmt.Println(dump.Value)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, progressCmd, dumpDMCmd)
}
