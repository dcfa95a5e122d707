package cmd

import (
	"context"
	"fmt"

	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [path in store]",
	Short:   "shows the layer that is authoritative for a path",
	Long:    "shows the newest layer holding a path. A tombstone hides the path from all older layers",
	Example: "layerstore resolve docs/readme.txt",
	Args:    cobra.ExactArgs(1),
	Run:     doResolve,
}

func doResolve(cmd *cobra.Command, args []string) {
	withStore("cannot resolve", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		layer, item, err := ls.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("path:     %s\n", item.Path)
		fmt.Printf("type:     %s\n", item.Type)
		fmt.Printf("layer:    %s (%s)\n", layer.ID, layer.State)
		fmt.Printf("location: %s\n", layer.Location())
		return nil
	})
}
