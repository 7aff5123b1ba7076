package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/stereomesh/dsm"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile       string
	Pair             bool
	Triplet          bool
	CleanupDir       string
	HttpMode         bool
	HttpPort         int
	Dataset          string
	Experiment       string
	ROI              dsm.RoiSpec
	ReferenceID      int
	SecondaryID      int
	LeftID           int
	RightID          int
	Zoom             float64
	WorkDir          string
	GlobalCorrection string
	PreviewPNG       string
}

// Runner is what run drives; App implements it
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunPair() error
	RunTriplet() error
	RunCleanup(dir string) error
	RunServer() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to one mode. The triplet is the default.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("stereomesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Pair, "pair", false, "Run one stereo pair (--ref, --sec)")
	fs.BoolVar(&opts.Triplet, "triplet", false, "Run a triplet (--ref, --left, --right); the default mode")
	fs.StringVar(&opts.CleanupDir, "cleanup", "", "Remove leftover scratch files from a workspace directory and exit")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve run results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.StringVar(&opts.Dataset, "dataset", "", "Dataset name under <dataRoot>/images")
	fs.StringVar(&opts.Experiment, "exp", "", "Experiment name; the workspace directory")
	x := fs.Int("x", 0, "ROI left column (give all of --x --y --w --h, or none)")
	y := fs.Int("y", 0, "ROI top row")
	w := fs.Int("w", 0, "ROI width")
	h := fs.Int("h", 0, "ROI height")
	fs.IntVar(&opts.ReferenceID, "ref", 0, "Reference image id (default 1 with --pair, 2 for a triplet)")
	fs.IntVar(&opts.SecondaryID, "sec", 2, "Secondary image id (--pair)")
	fs.IntVar(&opts.LeftID, "left", 1, "Left image id (--triplet)")
	fs.IntVar(&opts.RightID, "right", 3, "Right image id (--triplet)")
	fs.Float64Var(&opts.Zoom, "zoom", 0, "Subsampling factor in (0,1]; overrides the config")
	fs.StringVar(&opts.WorkDir, "work-dir", "", "Workspace root; overrides the config")
	fs.StringVar(&opts.GlobalCorrection, "global-correction", "", "3x3 matrix file used for triangulation instead of the pairwise correction")
	fs.StringVar(&opts.PreviewPNG, "preview-png", "", "Also write a colorised preview of the result to this PNG")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// only flags actually given count towards the ROI
	var px, py, pw, ph *int
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "x":
			px = x
		case "y":
			py = y
		case "w":
			pw = w
		case "h":
			ph = h
		}
	})
	roi, err := dsm.ParseRoiFields(px, py, pw, ph)
	if err != nil {
		return err
	}
	opts.ROI = roi
	if opts.ReferenceID == 0 {
		opts.ReferenceID = 2
		if opts.Pair {
			opts.ReferenceID = 1
		}
	}

	fmt.Fprintf(out, "stereomesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.CleanupDir != "":
		return app.RunCleanup(opts.CleanupDir)
	case opts.HttpMode:
		return app.RunServer()
	case opts.Pair && opts.Triplet:
		return fmt.Errorf("--pair and --triplet are exclusive")
	case opts.Pair:
		return app.RunPair()
	default:
		return app.RunTriplet()
	}
}
