package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ridecore/internal/config"
	"ridecore/internal/domain"
	"ridecore/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "farectl",
	Short: "farectl quotes trips with the configured tariff",
	Long: `farectl prices trips offline with the same fare calculator the server uses.
The tariff comes from the defaults, FARES_FILE and the fare environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// now is replaced in tests.
var now = time.Now

// fareFlags are shared by every command that prints a quote.
type fareFlags struct {
	pickupDistance float64
	waiting        float64
	night          bool
}

func (f *fareFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.pickupDistance, "pickup-distance", 0, "driver approach distance in km")
	cmd.Flags().Float64Var(&f.waiting, "waiting", 0, "waiting time in minutes")
	cmd.Flags().BoolVar(&f.night, "night", false, "apply the night fee (default: tariff night window at the current time)")
}

// request builds the fare request; without --night the tariff decides.
func (f *fareFlags) request(cmd *cobra.Command, tariff config.FareConfig, distance float64, stops int) service.FareRequest {
	isNight := f.night
	if !cmd.Flags().Changed("night") {
		isNight = tariff.IsNight(now())
	}
	return service.FareRequest{
		DistanceKm:       distance,
		PickupDistanceKm: f.pickupDistance,
		WaitingMinutes:   f.waiting,
		IsNight:          isNight,
		StopsCount:       stops,
	}
}

func printFare(cmd *cobra.Command, fare domain.FareBreakdown) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "distance:      %.2f km\n", fare.DistanceKm)
	fmt.Fprintf(out, "base:          %.2f\n", fare.BaseCost)
	fmt.Fprintf(out, "pickup:        %.2f (%.2f km)\n", fare.PickupCost, fare.PickupDistanceKm)
	fmt.Fprintf(out, "night fee:     %.2f\n", fare.NightFee)
	fmt.Fprintf(out, "waiting:       %.2f (%.0f min)\n", fare.WaitingCost, fare.WaitingMinutes)
	fmt.Fprintf(out, "total:         %.0f %s\n", fare.TotalCost, fare.Currency)
}
