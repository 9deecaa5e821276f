package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/oczsync/zsync/cmd"
	"github.com/oczsync/zsync/pkg/logging"
	"github.com/oczsync/zsync/pkg/must"
	"github.com/oczsync/zsync/pkg/rsync"
)

var rootCommand = &cobra.Command{
	Use:          "oc-zsyncmake <input-file> <output.zsync>",
	Short:        "Generate a control file describing a target file",
	Args:         cobra.ExactArgs(2),
	Run:          cmd.Mainify(run),
	SilenceUsage: true,
}

var rootConfiguration struct {
	// verbose enables an informational line naming the input file, its
	// length and any block-size override; the derived parameters themselves
	// are not logged.
	verbose bool
	// blockSize overrides the derivation formula's choice of block size,
	// accepting human-readable sizes (e.g. "4KiB") via go-humanize.
	blockSize string
}

func run(_ *cobra.Command, arguments []string) error {
	if rootConfiguration.verbose {
		logging.SetLevel(logging.LevelInfo)
	}

	inputPath, outputPath := arguments[0], arguments[1]

	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("%s: %w", inputPath, err)
	}

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("%s: %w", inputPath, err)
	}
	defer must.Close(input, logging.RootLogger)

	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%s: %w", outputPath, err)
	}
	defer must.Close(output, logging.RootLogger)

	length := uint64(info.Size())

	if rootConfiguration.blockSize != "" {
		blockSize, err := humanize.ParseBytes(rootConfiguration.blockSize)
		if err != nil {
			return fmt.Errorf("invalid --block-size %q: %w", rootConfiguration.blockSize, err)
		}
		logging.RootLogger.Infof("building control file for %s (%d bytes), block size %d (override)", inputPath, length, blockSize)
		return rsync.WriteControlFileWithBlockSize(output, input, length, blockSize)
	}

	logging.RootLogger.Infof("building control file for %s (%d bytes)", inputPath, length)
	return rsync.WriteControlFile(output, input, length)
}

func main() {
	rootCommand.Flags().BoolVarP(
		&rootConfiguration.verbose, "verbose", "v", false,
		"print the input file's length (and any block size override) before building",
	)
	rootCommand.Flags().StringVar(
		&rootConfiguration.blockSize, "block-size", "",
		"override the automatically derived block size (e.g. 4KiB)",
	)

	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}
