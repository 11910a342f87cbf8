package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openroads/roadsurvey/internal/chainage"
)

var chainageCmd = &cobra.Command{
	Use:   "chainage ROAD_CODE...",
	Short: "Recompute geometry chainage and correct drifted link chainage",
	Long: `Walks each road's segment chain in order, recomputing geom_start/geom_end/
geom_length from stored geometry. With --correct-links, also rewrites user-entered
link chainage that drifted beyond the tolerance.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		resetGeom, _ := cmd.Flags().GetBool("reset-geom")
		correctLinks, _ := cmd.Flags().GetBool("correct-links")
		tolerance, _ := cmd.Flags().GetFloat64("tolerance")
		if tolerance == 0 {
			tolerance = cfg.Chainage.ToleranceMeters
		}

		norm := chainage.NewNormalizer(st, chainage.WithTolerance(tolerance))
		opts := chainage.Options{ResetGeom: resetGeom, CorrectLinks: correctLinks}

		for _, roadCode := range args {
			res, err := norm.NormalizeRoad(ctx, roadCode, opts)
			if err != nil {
				return eris.Wrapf(err, "chainage %s", roadCode)
			}
			zap.L().Info("chainage pass complete",
				zap.String("road_code", roadCode),
				zap.Int("segments", res.Segments),
				zap.Int("geom_updated", res.GeomUpdated),
				zap.Int("links_corrected", res.LinksCorrected),
			)
			fmt.Printf("%s: %d segments, %d geometry updates, %d link corrections\n",
				roadCode, res.Segments, res.GeomUpdated, res.LinksCorrected)
		}
		return nil
	},
}

func init() {
	chainageCmd.Flags().Bool("reset-geom", false, "rewrite geometry chainage even when current")
	chainageCmd.Flags().Bool("correct-links", false, "also correct drifted link_start/link_end chainage")
	chainageCmd.Flags().Float64("tolerance", 0, "correction tolerance in meters (default: from config)")
	rootCmd.AddCommand(chainageCmd)
}
