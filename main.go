package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile   string
	AtlasDir     string
	AtlasSpacing float64
	OntologyFile string
	SliceFile    string
	SliceID      string
	SliceSpacing float64 // physical size of a slice pixel; 0 estimates it
	Downscale    int
	OutputDir    string
	EditCache    string
	HTTPAddr     string

	PlaneOffset float64 // along the volume normal from its centre
	ThetaX      float64
	ThetaY      float64
	ThetaZ      float64

	Demo  bool
	Align bool
	Serve bool
}

// Runner is the part of App the command line drives
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunDemo() error
	RunAlign() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "slicealign: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("slicealign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file (.yaml or .toml)")
	fs.StringVar(&opts.AtlasDir, "atlas-dir", "", "Atlas directory: intensity/ and labels/ z-stacks plus ontology.csv")
	fs.Float64Var(&opts.AtlasSpacing, "atlas-spacing", 25, "Atlas voxel size in physical units")
	fs.StringVar(&opts.OntologyFile, "ontology", "", "Ontology CSV (default: <atlas-dir>/ontology.csv)")
	fs.StringVar(&opts.SliceFile, "slice", "", "Slice image (PNG or TIFF)")
	fs.StringVar(&opts.SliceID, "id", "", "Slice ID (default: slice file name)")
	fs.Float64Var(&opts.SliceSpacing, "slice-spacing", 0, "Slice pixel size in physical units (0 estimates it)")
	fs.IntVar(&opts.Downscale, "downscale", 1, "Shrink the slice by this factor before registration")
	fs.StringVar(&opts.OutputDir, "output", "out", "Directory for overlays, GeoJSON and LMD XML")
	fs.StringVar(&opts.EditCache, "edit-cache", ".slicealign-edits.json", "Path of the persisted review edits")
	fs.StringVar(&opts.HTTPAddr, "http", "", "Review server listen address (overrides http.listen)")
	fs.Float64Var(&opts.PlaneOffset, "plane-offset", 0, "Cutting plane offset along its normal from the atlas centre")
	fs.Float64Var(&opts.ThetaX, "theta-x", 0, "Cutting plane rotation about x in degrees")
	fs.Float64Var(&opts.ThetaY, "theta-y", 0, "Cutting plane rotation about y in degrees")
	fs.Float64Var(&opts.ThetaZ, "theta-z", 0, "Cutting plane rotation about z in degrees")
	fs.BoolVar(&opts.Demo, "demo", false, "Register a synthetic sphere slice end to end and exit")
	fs.BoolVar(&opts.Align, "align", false, "Register -slice against -atlas-dir, write outputs and exit")
	fs.BoolVar(&opts.Serve, "serve", false, "Run the review server with MQTT hand-off")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "slicealign version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Serve:
		return app.RunService()
	case opts.Align:
		if opts.SliceFile == "" || opts.AtlasDir == "" {
			return fmt.Errorf("-align needs -slice and -atlas-dir")
		}
		return app.RunAlign()
	case opts.Demo:
		return app.RunDemo()
	}

	fmt.Fprintln(out, "Use -demo to run the synthetic sphere example")
	fmt.Fprintln(out, "Use -align -atlas-dir DIR -slice FILE to register one slice")
	fmt.Fprintln(out, "Use -serve to run the review server (add -slice to process a slice at startup)")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - registration, export calibration, MQTT and HTTP settings")
	fmt.Fprintln(out, "  .slicealign-edits.json - review edits replayed onto new runs")
	return nil
}
