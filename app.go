package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/stereomesh/dsm"
)

// mqttConnectWait bounds how long a run waits for the broker before its
// first stage
const mqttConnectWait = 3 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *dsm.Config
	Stages     *dsm.Stages
	MQTTClient *dsm.MQTTClient
	Publisher  *dsm.ProgressPublisher
	Recorder   *dsm.RecordingObserver

	Options AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Recorder: dsm.NewRecordingObserver()}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// loadConfig reads the config file, falling back to defaults when the
// default file name is absent, then applies environment and flag
// overrides. Safe to call more than once.
func (a *App) loadConfig() (*dsm.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}

	cfg, err := dsm.LoadConfig(a.Options.ConfigFile)
	if err != nil {
		if _, statErr := os.Stat(a.Options.ConfigFile); !errors.Is(statErr, fs.ErrNotExist) || a.Options.ConfigFile != "config.yaml" {
			return nil, err
		}
		log.Printf("No %s, using defaults", a.Options.ConfigFile)
		cfg = dsm.DefaultConfig()
	} else {
		log.Printf("Loaded config from %s", a.Options.ConfigFile)
	}

	cfg.ApplyEnv()
	if a.Options.Zoom != 0 {
		cfg.SubsamplingFactor = a.Options.Zoom
	}
	if a.Options.WorkDir != "" {
		cfg.WorkDir = a.Options.WorkDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

// observer combines logging, the in-memory record and MQTT when enabled
func (a *App) observer(cfg *dsm.Config) dsm.Observer {
	obs := dsm.MultiObserver{dsm.LogObserver{}, a.Recorder}
	if a.Publisher == nil {
		if a.MQTTClient == nil {
			a.MQTTClient = dsm.InitMQTT(&cfg.MQTT)
		}
		if a.MQTTClient != nil {
			a.MQTTClient.WaitConnected(mqttConnectWait)
			a.Publisher = dsm.NewProgressPublisher(a.MQTTClient.GetClient(), cfg.MQTT.PublishPrefix)
		}
	}
	if a.Publisher != nil {
		obs = append(obs, a.Publisher)
	}
	return obs
}

func (a *App) stages(cfg *dsm.Config) dsm.Stages {
	if a.Stages != nil {
		return *a.Stages
	}
	return dsm.DefaultStages(cfg)
}

func (a *App) globalCorrection() (*dsm.Homography, error) {
	if a.Options.GlobalCorrection == "" {
		return nil, nil
	}
	h, err := dsm.LoadMatrix(a.Options.GlobalCorrection)
	if err != nil {
		return nil, err
	}
	log.Printf("Using global pointing correction from %s for triangulation", a.Options.GlobalCorrection)
	return &h, nil
}

func (a *App) checkRun() error {
	if a.Options.Dataset == "" {
		return fmt.Errorf("%w: --dataset is required", dsm.ErrConfig)
	}
	if a.Options.Experiment == "" {
		return fmt.Errorf("%w: --exp is required", dsm.ErrConfig)
	}
	return nil
}

// RunPair runs one pair pipeline
func (a *App) RunPair() error {
	if err := a.checkRun(); err != nil {
		return err
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	global, err := a.globalCorrection()
	if err != nil {
		return err
	}
	defer a.disconnect()

	p := dsm.NewPairPipeline(cfg, a.stages(cfg), a.observer(cfg))
	res, err := p.Run(dsm.PairRequest{
		Dataset:                a.Options.Dataset,
		Experiment:             a.Options.Experiment,
		ROI:                    a.Options.ROI,
		ReferenceID:            a.Options.ReferenceID,
		SecondaryID:            a.Options.SecondaryID,
		WorkDir:                cfg.WorkDir,
		TriangulationTransform: global,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Height map: %s\n", res.HeightUnrectified)
	return a.writePreview(res.HeightUnrectified)
}

// RunTriplet runs the triplet orchestrator
func (a *App) RunTriplet() error {
	if err := a.checkRun(); err != nil {
		return err
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	global, err := a.globalCorrection()
	if err != nil {
		return err
	}
	defer a.disconnect()

	t := dsm.NewTripletOrchestrator(cfg, a.stages(cfg), a.observer(cfg))
	res, err := t.Run(dsm.TripletRequest{
		Dataset:          a.Options.Dataset,
		Experiment:       a.Options.Experiment,
		ROI:              a.Options.ROI,
		ReferenceID:      a.Options.ReferenceID,
		LeftID:           a.Options.LeftID,
		RightID:          a.Options.RightID,
		WorkDir:          cfg.WorkDir,
		GlobalCorrection: global,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Merged height map: %s\n", res.MergedHeight)
	return a.writePreview(res.MergedHeight)
}

func (a *App) writePreview(heightPath string) error {
	if a.Options.PreviewPNG == "" {
		return nil
	}
	r, err := dsm.LoadRaster(heightPath)
	if err != nil {
		return err
	}
	hr := &dsm.HeightRenderer{Title: a.Options.Experiment}
	if err := hr.SavePNG(a.Options.PreviewPNG, r); err != nil {
		return err
	}
	fmt.Printf("Preview: %s\n", a.Options.PreviewPNG)
	return nil
}

// RunCleanup removes scratch files a failed run left in dir
func (a *App) RunCleanup(dir string) error {
	n, err := dsm.SweepScratch(dir)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d scratch file(s) from %s\n", n, dir)
	return nil
}

// RunServer serves the workspaces under the configured work directory
// until interrupted
func (a *App) RunServer() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	handler := newHTTPServer(cfg.WorkDir, a.Recorder)
	addr := fmt.Sprintf("0.0.0.0:%d", a.Options.HttpPort)
	go func() {
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("  Work dir:  %s\n", cfg.WorkDir)
	fmt.Printf("  Runs:      http://localhost:%d/runs\n", a.Options.HttpPort)
	fmt.Printf("  Health:    http://localhost:%d/health\n", a.Options.HttpPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	a.disconnect()
	fmt.Println("Service stopped")
	return nil
}

func (a *App) disconnect() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}
