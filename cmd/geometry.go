package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"diskcore/diskimage"
)

var geometryMediaType string

var geometryCmd = &cobra.Command{
	Use:                   "geometry FILE",
	Short:                 "Identifies a disk image's container, sector order and filesystem",
	Long:                  `Analyzes FILE and prints its container kind, sector order, geometry and recognized filesystem, without mounting it.`,
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		f, src, err := openSource(filename, false)
		if err != nil {
			return err
		}
		defer f.Close()

		img := diskimage.NewImage(src)
		ext := mediaType(geometryMediaType, filename)
		if err := img.Analyze(ext); err != nil {
			return err
		}

		fmt.Printf("Container: %s\n", img.Kind)
		fmt.Printf("Sector order: %s\n", img.FileOrder)
		if img.Chunk != nil {
			g := img.Chunk.Geometry()
			fmt.Printf("Formatted length: %d bytes\n", g.FormattedLength)
			if g.HasSectors {
				fmt.Printf("Tracks: %d, sectors/track: %d\n", g.Tracks, g.SectorsPerTrack)
			}
			fmt.Printf("Blocks: %v\n", g.HasBlocks)
		}
		if img.FSTag != 0 {
			fmt.Printf("Filesystem: %s\n", img.FSTag)
		}
		for _, n := range img.Notes {
			fmt.Fprintln(os.Stderr, "note:", n)
		}
		return nil
	},
}

func init() {
	geometryCmd.Flags().StringVarP(&geometryMediaType, "media", "m", "", `Media type, default: file extension`)
	rootCmd.AddCommand(geometryCmd)
}
