package cmd

import (
	"context"
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:     "extract [layer id] [path to target folder]",
	Aliases: []string{},
	Short:   "extracts the content of a sealed layer",
	Long:    "unpacks the container of a sealed layer into an empty target folder",
	Example: "layerstore extract 1 /tmp/layer1",
	Args:    cobra.ExactArgs(2),
	Run:     doExtract,
}

func doExtract(cmd *cobra.Command, args []string) {
	id, err := parseLayerID(args[0])
	if err != nil {
		_ = cmd.Help()
		cobra.CheckErr(err)
		return
	}
	destPath := args[1]
	withStore("cannot extract layer", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		if err := os.MkdirAll(destPath, 0755); err != nil {
			return errors.Wrapf(err, "cannot create '%s'", destPath)
		}
		entries, err := os.ReadDir(destPath)
		if err != nil {
			return errors.Wrapf(err, "cannot read target folder '%s'", destPath)
		}
		if len(entries) > 0 {
			return errors.Errorf("target folder '%s' is not empty", destPath)
		}
		t := startTimer()
		if err := ls.ExtractLayer(ctx, id, destPath); err != nil {
			return err
		}
		logger.Info().Msgf("extracted layer %s to '%s' in %s", id, destPath, t.String())
		fmt.Printf("extraction done without errors\n")
		return nil
	})
}
