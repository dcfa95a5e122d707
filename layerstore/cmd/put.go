package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:     "put [path in store] [local file]",
	Aliases: []string{"write"},
	Short:   "writes a file to the staging layer",
	Long:    "writes the content of a local file or of stdin to the staging layer, replacing a file at the same path",
	Example: "layerstore put docs/readme.txt ./README.txt",
	Args:    cobra.RangeArgs(1, 2),
	Run:     doPut,
}

func initPut() {
	putCmd.Flags().String("layer", "", "id of the layer to write to (default is the staging layer)")
}

func doPut(cmd *cobra.Command, args []string) {
	layerFlag := getFlagString(cmd, "layer")
	withStore("cannot write file", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		var r io.Reader = os.Stdin
		if len(args) > 1 {
			fp, err := os.Open(args[1])
			if err != nil {
				return errors.Wrapf(err, "cannot open '%s'", args[1])
			}
			defer fp.Close()
			r = fp
		}
		id := ls.StagingLayer().ID
		if layerFlag != "" {
			var err error
			if id, err = parseLayerID(layerFlag); err != nil {
				return err
			}
		}
		if err := ls.WriteTo(ctx, id, args[0], r); err != nil {
			return err
		}
		logger.Info().Msgf("wrote '%s' to layer %s", args[0], id)
		fmt.Printf("%s\n", args[0])
		return nil
	})
}

func parseLayerID(str string) (layerstore.LayerID, error) {
	id, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid layer id '%s'", str)
	}
	return layerstore.LayerID(id), nil
}
