package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"diskcore"
	"diskcore/archive"
	"diskcore/archive/zipfile"
	"diskcore/diskimage"
	"diskcore/storage"
)

var catMediaType string
var catQuick bool

var catCmd = &cobra.Command{
	Use:                   "cat FILE",
	Short:                 "Lists a disk image's directory or an archive's entries",
	Long:                  `Analyzes FILE and prints its directory contents: the cooked filesystem's entries for a disk image, or the record list for a file archive.`,
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		f, src, err := openSource(filename, false)
		if err != nil {
			return err
		}
		defer f.Close()

		ext := mediaType(catMediaType, filename)
		img := diskimage.NewImage(src)
		if err := img.Analyze(ext); err != nil {
			return err
		}

		if img.Kind == diskcore.ContainerZip {
			return catArchive(src)
		}

		if img.Contents == diskimage.ContentsMultiPart {
			for i, p := range img.MultiPart.Partitions {
				fmt.Printf("%2d: %-20s %-20s start %8d len %8d blocks\n", i, p.Name, p.Type, p.StartBlock, p.LengthBlocks)
			}
			return nil
		}

		if img.Host == nil {
			fmt.Printf("%s: recognized as %s, no filesystem mounted\n", filename, img.Kind)
			return nil
		}
		if err := img.Host.ToCooked(catQuick); err != nil {
			return err
		}
		for _, e := range img.Host.Entries() {
			marks := ""
			if e.Dubious {
				marks += " (dubious)"
			}
			if e.Damaged {
				marks += " (damaged)"
			}
			fmt.Printf("%-32s %10d%s\n", e.Path, e.Size, marks)
		}
		return nil
	},
}

func catArchive(src storage.Source) error {
	a, err := archive.Open(src, zipfile.New())
	if err != nil {
		return err
	}
	for _, e := range a.Entries() {
		for kind, info := range e.Parts {
			fmt.Printf("%-32s %-10s %10d -> %10d (compression %d)\n", e.Name, kind, info.CompressedLength, info.UncompressedLength, info.Compression)
		}
	}
	return nil
}

func init() {
	catCmd.Flags().StringVarP(&catMediaType, "media", "m", "", `Media type, default: file extension`)
	catCmd.Flags().BoolVarP(&catQuick, "quick", "q", false, `Quick structural scan only, skip deep validation`)
	rootCmd.AddCommand(catCmd)
}
