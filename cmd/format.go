package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"diskcore"
	"diskcore/chunk"
	"diskcore/filesystem"
	"diskcore/filesystem/cpm"
	"diskcore/filesystem/prodos"
	"diskcore/storage"
)

var formatFilesystem string
var formatSize int64

var formatCmd = &cobra.Command{
	Use:                   "format FILE VOLUME-NAME",
	Short:                 "Creates a blank UnadornedSector image and formats it",
	Long:                  `Creates a new UnadornedSector disk image at FILE of --size bytes (default: a 140 KB 5.25" floppy) and formats it with the filesystem named by --filesystem, using VOLUME-NAME as its volume label.`,
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, volumeName := args[0], args[1]

		driver, order, err := formatDriver(formatFilesystem)
		if err != nil {
			return err
		}

		f, err := os.Create(filename)
		if err != nil {
			return errors.Wrapf(err, "creating %s", filename)
		}
		defer f.Close()
		if err := f.Truncate(formatSize); err != nil {
			return errors.Wrapf(err, "sizing %s", filename)
		}
		src := storage.NewFileSource(f, false)

		tracks := int(formatSize / (16 * diskcore.SectorSize))
		l, err := chunk.NewLinear(src, chunk.Geometry{
			FormattedLength: formatSize,
			HasSectors:      true,
			Tracks:          tracks,
			SectorsPerTrack: 16,
			HasBlocks:       true,
			FileOrder:       order,
		})
		if err != nil {
			return err
		}

		return driver.Format(l, volumeName)
	},
}

func formatDriver(name string) (filesystem.Driver, diskcore.FileOrder, error) {
	switch name {
	case "prodos":
		return prodos.Driver{}, diskcore.OrderProDOSBlock, nil
	case "cpm":
		return cpm.Driver{}, diskcore.OrderCPMKBlock, nil
	default:
		return nil, 0, errors.Errorf("unknown filesystem %q, want \"prodos\" or \"cpm\"", name)
	}
}

func init() {
	formatCmd.Flags().StringVarP(&formatFilesystem, "filesystem", "f", "prodos", `Filesystem to format as: "prodos" or "cpm"`)
	formatCmd.Flags().Int64VarP(&formatSize, "size", "s", 140*1024, `Image size in bytes`)
	rootCmd.AddCommand(formatCmd)
}
