package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"github.com/dsu-project/dsid/api/dsi"
	"github.com/dsu-project/dsid/internal/pkg/config"
)

var installFlags struct {
	userdataSize int64
	wipe         bool
	noReboot     bool
	dsuSlot      string
	readOnly     bool
}

var installCmd = &cobra.Command{
	Use:   "install <system-image>",
	Short: "Install a system image as a dynamic system",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return runInstall(c.Context(), args[0])
	},
}

func init() {
	installCmd.Flags().Int64Var(&installFlags.userdataSize, "userdata-size", 0, "size in bytes of the userdata image to create (0 to skip)")
	installCmd.Flags().BoolVar(&installFlags.wipe, "wipe", false, "delete any prior images for this slot before installing")
	installCmd.Flags().BoolVar(&installFlags.noReboot, "no-reboot", false, "do not enable the install for next boot")
	installCmd.Flags().StringVar(&installFlags.dsuSlot, "dsu-slot", "default", "name of the DSU slot directory to install into")
	installCmd.Flags().BoolVar(&installFlags.readOnly, "read-only", true, "mark the system partition read-only once installed")
	rootCmd.AddCommand(installCmd)
}

func runInstall(ctx context.Context, imagePath string) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		return newUsageError("reading %s: %v", imagePath, err)
	}

	client, closeFn, err := dial(ctx, flags.socketPath)
	if err != nil {
		return err
	}
	defer closeFn() //nolint:errcheck

	dir := filepath.Join(config.DefaultInstallRoot, installFlags.dsuSlot) + "/"

	status, err := client.OpenInstall(ctx, &dsi.OpenInstallRequest{Dir: dir})
	if err != nil {
		return err
	}

	if status.Code != dsi.StatusOK {
		return fmt.Errorf("open_install: %s", status.Code)
	}

	if err := streamPartition(ctx, client, "system", imagePath, info.Size(), installFlags.readOnly, installFlags.wipe); err != nil {
		_, _ = client.CloseInstall(ctx, &dsi.CloseInstallRequest{})

		return err
	}

	if installFlags.userdataSize > 0 {
		status, err := client.CreatePartition(ctx, &dsi.CreatePartitionRequest{
			Name:     "userdata",
			Size:     installFlags.userdataSize,
			ReadOnly: false,
			Wipe:     installFlags.wipe,
		})
		if err != nil {
			return err
		}

		if status.Code != dsi.StatusOK {
			return fmt.Errorf("create_partition(userdata): %s", status.Code)
		}
	}

	if !installFlags.noReboot {
		if _, err := client.Enable(ctx, &dsi.EnableRequest{OneShot: false}); err != nil {
			return fmt.Errorf("enabling install: %w", err)
		}
	}

	color.Green("install complete: %s", humanize.Bytes(uint64(info.Size())))

	return nil
}

const installChunkSize = 1 << 20 // 1 MiB

func streamPartition(ctx context.Context, client *dsi.Client, name, path string, size int64, readOnly, wipe bool) error {
	status, err := client.CreatePartition(ctx, &dsi.CreatePartitionRequest{Name: name, Size: size, ReadOnly: readOnly, Wipe: wipe})
	if err != nil {
		return err
	}

	if status.Code != dsi.StatusOK {
		return fmt.Errorf("create_partition(%s): %s", name, status.Code)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uiprogress.Start()
	bar := uiprogress.AddBar(int(size / installChunkSize + 1)).AppendCompleted().PrependElapsed()

	bar.AppendFunc(func(*uiprogress.Bar) string {
		return name
	})

	defer uiprogress.Stop()

	buf := make([]byte, installChunkSize)

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			resp, werr := client.CommitChunkFromMemory(ctx, &dsi.CommitChunkFromMemoryRequest{Bytes: buf[:n]})
			if werr != nil {
				return fmt.Errorf("commit_chunk_from_memory: %w", werr)
			}

			if !resp.Value {
				return fmt.Errorf("commit_chunk_from_memory: daemon rejected chunk")
			}

			bar.Incr()
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			return fmt.Errorf("reading %s: %w", path, rerr)
		}
	}

	return pollUntilQuiet(ctx, client)
}

// pollUntilQuiet waits for the daemon's progress record to drop out of
// the Working state, giving the zero-fill/finalize step performed after
// the last chunk time to complete before the CLI returns.
func pollUntilQuiet(ctx context.Context, client *dsi.Client) error {
	for i := 0; i < 50; i++ {
		snap, err := client.GetInstallProgress(ctx, &dsi.GetInstallProgressRequest{})
		if err != nil {
			return err
		}

		if snap.Status != dsi.ProgressWorking {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return nil
}
