package main

import (
	"errors"

	"github.com/spf13/cobra"

	"ridecore/internal/config"
	"ridecore/internal/service"
)

func newQuoteCmd() *cobra.Command {
	var (
		distance float64
		stops    int
		fares    fareFlags
	)

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a trip of a known distance",
		Example: `  farectl quote --distance 7.5
  farectl quote --distance 12 --pickup-distance 7 --waiting 9 --night`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if distance < 0 {
				return errors.New("distance must not be negative")
			}
			tariff, err := config.LoadFares()
			if err != nil {
				return err
			}
			calc := service.NewFareCalculator(tariff, nil)
			printFare(cmd, calc.Calculate(fares.request(cmd, tariff, distance, stops)))
			return nil
		},
	}

	cmd.Flags().Float64Var(&distance, "distance", 0, "trip distance in km")
	cmd.Flags().IntVar(&stops, "stops", 0, "number of intermediate stops")
	fares.register(cmd)
	_ = cmd.MarkFlagRequired("distance")
	return cmd
}

func init() {
	rootCmd.AddCommand(newQuoteCmd())
}
