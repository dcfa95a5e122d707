package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/je4/utils/v2/pkg/zLogger"
	"github.com/ocfl-archive/layerstore/pkg/layerstore"
	"github.com/spf13/cobra"
)

var layersCmd = &cobra.Command{
	Use:     "layers",
	Short:   "lists all layers, oldest first",
	Example: "layerstore layers",
	Args:    cobra.NoArgs,
	Run:     doLayers,
}

func doLayers(cmd *cobra.Command, args []string) {
	withStore("cannot list layers", func(ctx context.Context, ls *layerstore.LayerStore, logger zLogger.ZLogger) error {
		var total uint64
		for _, l := range ls.Layers() {
			size := "-"
			if l.State == layerstore.Sealed {
				fi, err := os.Stat(l.Location())
				if err != nil {
					return err
				}
				total += uint64(fi.Size())
				size = humanize.Bytes(uint64(fi.Size()))
			}
			fmt.Printf("%s %-7s %8s %s\n", l.ID, l.State, size, l.Location())
		}
		fmt.Printf("total size of containers: %s\n", humanize.Bytes(total))
		return nil
	})
}
