package cmd

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"diskcore"
	"diskcore/archive"
	"diskcore/archive/zipfile"
	"diskcore/diskimage"
	"diskcore/storage"
)

var extractMediaType string
var extractOutput string

var extractCmd = &cobra.Command{
	Use:                   "extract FILE ENTRY",
	Short:                 "Extracts one file or archive entry's data fork",
	Long:                  `Analyzes FILE, locates ENTRY by path or name, and writes its data fork to stdout or to the path given by --output.`,
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, entryName := args[0], args[1]

		f, src, err := openSource(filename, false)
		if err != nil {
			return err
		}
		defer f.Close()

		ext := mediaType(extractMediaType, filename)
		img := diskimage.NewImage(src)
		if err := img.Analyze(ext); err != nil {
			return err
		}

		out := io.Writer(os.Stdout)
		if extractOutput != "" {
			outFile, err := os.Create(extractOutput)
			if err != nil {
				return errors.Wrapf(err, "creating %s", extractOutput)
			}
			defer outFile.Close()
			out = outFile
		}

		if img.Kind == diskcore.ContainerZip {
			return extractArchivePart(src, entryName, out)
		}

		if img.Host == nil {
			return errors.Errorf("%s: no filesystem mounted", filename)
		}
		if err := img.Host.ToCooked(false); err != nil {
			return err
		}
		stream, err := img.Host.Open(entryName, false)
		if err != nil {
			return err
		}
		defer stream.Close()
		_, err = io.Copy(out, stream)
		return err
	},
}

func extractArchivePart(src storage.Source, entryName string, out io.Writer) error {
	a, err := archive.Open(src, zipfile.New())
	if err != nil {
		return err
	}
	var target *archive.Entry
	for _, e := range a.Entries() {
		if e.Name == entryName {
			target = e
			break
		}
	}
	if target == nil {
		return errors.Errorf("no entry named %q", entryName)
	}
	rs, err := a.OpenReadStream(target, archive.PartData)
	if err != nil {
		return err
	}
	defer rs.Close()
	_, err = io.Copy(out, rs)
	return err
}

func init() {
	extractCmd.Flags().StringVarP(&extractMediaType, "media", "m", "", `Media type, default: file extension`)
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", `Output file, default: stdout`)
	rootCmd.AddCommand(extractCmd)
}
