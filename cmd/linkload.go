package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openroads/roadsurvey/internal/chainage"
	"github.com/openroads/roadsurvey/internal/model"
	"github.com/openroads/roadsurvey/internal/shapeload"
)

var linkloadCmd = &cobra.Command{
	Use:   "linkload SHAPEFILE",
	Short: "Load a road-network shapefile into the link registry",
	Long: `Reads every polyline of the shapefile into link segments with EWKB geometry,
bulk-inserts them, then recomputes geometry chainage for each loaded road.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		roadField, _ := cmd.Flags().GetString("road-field")
		linkField, _ := cmd.Flags().GetString("link-field")
		nameField, _ := cmd.Flags().GetString("name-field")
		srid, _ := cmd.Flags().GetInt("srid")

		links, err := shapeload.ReadLinks(args[0], shapeload.Options{
			RoadCodeField: roadField,
			LinkCodeField: linkField,
			NameField:     nameField,
			SRID:          srid,
		})
		if err != nil {
			return err
		}
		if len(links) == 0 {
			return eris.Errorf("no usable records in %s", args[0])
		}

		n, err := st.BulkInsertSegments(ctx, links)
		if err != nil {
			return eris.Wrap(err, "insert link segments")
		}
		zap.L().Info("loaded link segments",
			zap.String("path", args[0]),
			zap.Int64("inserted", n),
		)

		roadCodes := distinctRoadCodes(links)
		norm := chainage.NewNormalizer(st, chainage.WithTolerance(cfg.Chainage.ToleranceMeters))
		for _, roadCode := range roadCodes {
			if _, err := norm.NormalizeRoad(ctx, roadCode, chainage.Options{ResetGeom: true}); err != nil {
				return eris.Wrapf(err, "normalize %s", roadCode)
			}
		}

		fmt.Printf("loaded %d segments across %d roads\n", n, len(roadCodes))
		return nil
	},
}

func distinctRoadCodes(links []model.LinkSegment) []string {
	seen := make(map[string]struct{}, len(links))
	var codes []string
	for _, l := range links {
		if _, ok := seen[l.RoadCode]; !ok {
			seen[l.RoadCode] = struct{}{}
			codes = append(codes, l.RoadCode)
		}
	}
	sort.Strings(codes)
	return codes
}

func init() {
	linkloadCmd.Flags().String("road-field", "", "DBF field holding the road code (default: road_code)")
	linkloadCmd.Flags().String("link-field", "", "DBF field holding the link code (default: link_code)")
	linkloadCmd.Flags().String("name-field", "", "DBF field holding the link name (default: name)")
	linkloadCmd.Flags().Int("srid", 0, "projected SRID of the shapefile (default: 32751)")
	rootCmd.AddCommand(linkloadCmd)
}
