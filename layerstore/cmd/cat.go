package cmd

import (
	"context"
	"io"
	"os"

	"emperror.dev/errors"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:     "cat [path in store]",
	Aliases: []string{"read"},
	Short:   "writes the visible content of a file to stdout",
	Example: "layerstore cat docs/readme.txt",
	Args:    cobra.ExactArgs(1),
	Run:     doCat,
}

func doCat(cmd *cobra.Command, args []string) {
	withStore("cannot read file", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		rc, err := ls.ReadFile(ctx, args[0])
		if err != nil {
			return err
		}
		defer rc.Close()
		if _, err := io.Copy(os.Stdout, rc); err != nil {
			return errors.Wrapf(err, "cannot copy '%s'", args[0])
		}
		return nil
	})
}
