package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/geo"
)

// GeoOptions holds flags for the geo commands.
type GeoOptions struct {
	*RootOptions
	Model string
}

// GeoResult is the output of the geo commands. Only the fields the
// command computes are set.
type GeoResult struct {
	Model          string       `json:"model"`
	Distance       *float64     `json:"distance,omitempty"`
	InitialBearing *float64     `json:"initial_bearing,omitempty"`
	FinalBearing   *float64     `json:"final_bearing,omitempty"`
	Destination    *geo.LatLong `json:"destination,omitempty"`
}

func (r GeoResult) String() string {
	var s string
	if r.Distance != nil {
		s += fmt.Sprintf("distance: %.3f m\n", *r.Distance)
	}
	if r.InitialBearing != nil {
		s += fmt.Sprintf("initial bearing: %.6f°\n", *r.InitialBearing)
	}
	if r.FinalBearing != nil {
		s += fmt.Sprintf("final bearing: %.6f°\n", *r.FinalBearing)
	}
	if r.Destination != nil {
		s += fmt.Sprintf("destination: %.7f, %.7f\n", r.Destination.Lat, r.Destination.Lon)
	}
	return s + "model: " + r.Model
}

// NewGeoCommand creates the geo command and its subcommands.
func NewGeoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GeoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Geodesic calculations",
		Long: `Compute distances, bearings and destinations on the earth model the
engine uses (a sphere of the mean earth radius) or on the WGS84 ellipsoid.

Coordinates are decimal degrees, distances metres, bearings degrees
clockwise from true north.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Model, "model", "sphere", "earth model (sphere|wgs84)")

	cmd.AddCommand(&cobra.Command{
		Use:           "distance <lat1> <lon1> <lat2> <lon2>",
		Short:         "Distance between two points",
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeo(opts, cmd, args, func(m geo.Model, v []float64) (GeoResult, error) {
				a, b, err := pointPair(v)
				if err != nil {
					return GeoResult{}, err
				}
				d := m.Distance(a, b)
				return GeoResult{Distance: &d}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "bearing <lat1> <lon1> <lat2> <lon2>",
		Short:         "Initial and final bearing from the first point to the second",
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeo(opts, cmd, args, func(m geo.Model, v []float64) (GeoResult, error) {
				a, b, err := pointPair(v)
				if err != nil {
					return GeoResult{}, err
				}
				d := m.Distance(a, b)
				ib := m.InitialBearing(a, b)
				fb := m.FinalBearing(a, b)
				return GeoResult{Distance: &d, InitialBearing: &ib, FinalBearing: &fb}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "destination <lat> <lon> <bearing> <distance>",
		Short:         "Point reached from a start point along a bearing",
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeo(opts, cmd, args, func(m geo.Model, v []float64) (GeoResult, error) {
				p, err := geo.NewLatLong(v[0], v[1])
				if err != nil {
					return GeoResult{}, err
				}
				if v[3] < 0 {
					return GeoResult{}, fmt.Errorf("distance must not be negative")
				}
				dest := m.Destination(p, v[2], v[3])
				return GeoResult{Destination: &dest}, nil
			})
		},
	})

	return cmd
}

func runGeo(opts *GeoOptions, cmd *cobra.Command, args []string, compute func(geo.Model, []float64) (GeoResult, error)) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	m, ok := geo.ModelByName(opts.Model)
	if !ok {
		err := fmt.Errorf("unknown earth model %q", opts.Model)
		_ = formatter.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid input", err)
	}
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			err = fmt.Errorf("argument %d: %q is not a number", i+1, a)
			_ = formatter.Error(CodeInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid input", err)
		}
		vals[i] = v
	}

	result, err := compute(m, vals)
	if err != nil {
		_ = formatter.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid input", err)
	}
	result.Model = m.Name()
	return formatter.Success(result)
}

func pointPair(v []float64) (geo.LatLong, geo.LatLong, error) {
	a, err := geo.NewLatLong(v[0], v[1])
	if err != nil {
		return geo.LatLong{}, geo.LatLong{}, fmt.Errorf("first point: %w", err)
	}
	b, err := geo.NewLatLong(v[2], v[3])
	if err != nil {
		return geo.LatLong{}, geo.LatLong{}, fmt.Errorf("second point: %w", err)
	}
	return a, b, nil
}
