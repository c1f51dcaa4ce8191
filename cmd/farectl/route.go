package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ridecore/internal/config"
	"ridecore/internal/domain"
	"ridecore/internal/service"
)

func newRouteCmd() *cobra.Command {
	var (
		from, to string
		via      []string
		fares    fareFlags
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Estimate the straight-line distance of a route and price it",
		Long: `route sums the great-circle segments pickup -> stops -> destination,
the estimate used when no routing provider is configured.`,
		Example: `  farectl route --from 52,13 --to 52.05,13.1
  farectl route --from 52,13 --via 52.02,13.05 --to 52.05,13.1 --night`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			points := make([]domain.Location, 0, len(via)+2)
			for _, raw := range append(append([]string{from}, via...), to) {
				loc, err := parsePoint(raw)
				if err != nil {
					return err
				}
				points = append(points, loc)
			}

			tariff, err := config.LoadFares()
			if err != nil {
				return err
			}

			distance := math.Round(service.RouteDistanceKm(points...)*100) / 100
			fmt.Fprintf(cmd.OutOrStdout(), "segments:      %d\n", len(points)-1)

			calc := service.NewFareCalculator(tariff, nil)
			printFare(cmd, calc.Calculate(fares.request(cmd, tariff, distance, len(via))))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "pickup as lat,lon")
	cmd.Flags().StringVar(&to, "to", "", "destination as lat,lon")
	cmd.Flags().StringArrayVar(&via, "via", nil, "intermediate stop as lat,lon (repeatable)")
	fares.register(cmd)
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRouteCmd())
}

// parsePoint reads "lat,lon".
func parsePoint(raw string) (domain.Location, error) {
	latText, lonText, ok := strings.Cut(raw, ",")
	if !ok {
		return domain.Location{}, fmt.Errorf("point %q: want lat,lon", raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil {
		return domain.Location{}, fmt.Errorf("point %q: latitude: %w", raw, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
	if err != nil {
		return domain.Location{}, fmt.Errorf("point %q: longitude: %w", raw, err)
	}
	loc := domain.Location{Latitude: lat, Longitude: lon}
	if err := loc.Validate(); err != nil {
		return domain.Location{}, fmt.Errorf("point %q: %w", raw, err)
	}
	return loc, nil
}
