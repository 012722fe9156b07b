package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kwv/slicealign/align"
)

// demo atlas: a 100³ volume holding one sphere of region 5
const (
	demoAtlasSize   = 100
	demoRadius      = 30
	demoRegion      = 5
	demoSliceID     = "demo"
	defaultConfigFn = "config.yaml"
)

var errSessionNotFound = errors.New("session not found")

// excisionPublisher hands exported geometry to the device driver
type excisionPublisher interface {
	PublishExcision(sliceID string, geom *align.ExcisionGeometry) error
}

// publishTimes is implemented by publishers that remember their last send
type publishTimes interface {
	LastPublished(sliceID string) (time.Time, bool)
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	Store      *align.AtlasStore
	Pipeline   *align.Pipeline
	Sessions   *align.SessionTracker
	MQTTClient *align.MQTTClient
	Publisher  excisionPublisher

	mu     sync.Mutex // serialises edits and guards slices
	slices map[string]*align.Image // by session ID, for overlays

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Sessions: align.NewSessionTracker(),
		slices:   make(map[string]*align.Image),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the config file. A missing default config.yaml falls back
// to DefaultConfig so -demo works without one.
func (a *App) loadConfig() error {
	path := a.opts.ConfigFile
	_, statErr := os.Stat(path)
	useDefaults := os.IsNotExist(statErr) && (path == "" || path == defaultConfigFn)

	var cfg *align.Config
	if useDefaults {
		cfg = align.DefaultConfig()
		cfg.ApplyEnv()
	} else {
		var err error
		if cfg, err = align.LoadConfig(path); err != nil {
			return err
		}
	}
	if a.opts.HTTPAddr != "" {
		cfg.HTTP.Listen = a.opts.HTTPAddr
	}
	a.Config = cfg

	align.InitLogger("slicealign", cfg.Log.Level, cfg.Log.Pretty)
	align.RegisterMetrics()
	if useDefaults {
		log.Warn().Str("path", path).Msg("no config file, using defaults")
	} else {
		log.Info().Str("path", path).Msg("loaded config")
	}
	return nil
}

// setup loads configuration and installs atlas and pipeline
func (a *App) setup(atlas *align.Atlas) error {
	if a.Config == nil {
		if err := a.loadConfig(); err != nil {
			return err
		}
	}
	a.Store = align.NewAtlasStore(atlas)
	p, err := align.NewPipeline(a.Store, a.Config)
	if err != nil {
		return err
	}
	a.Pipeline = p
	return nil
}

// loadAtlas reads -atlas-dir, or builds the synthetic sphere atlas
func (a *App) loadAtlas() (*align.Atlas, error) {
	if a.opts.AtlasDir == "" {
		log.Info().Int("size", demoAtlasSize).Msg("no atlas directory, using synthetic sphere atlas")
		return align.SphereAtlas(demoAtlasSize, demoRadius, demoRegion, 1), nil
	}
	atlas, err := loadAtlasDir(a.opts.AtlasDir, a.opts.AtlasSpacing, a.opts.OntologyFile)
	if err != nil {
		return nil, fmt.Errorf("loading atlas %s: %w", a.opts.AtlasDir, err)
	}
	log.Info().
		Str("dir", a.opts.AtlasDir).
		Int("nx", atlas.Volume.Nx).Int("ny", atlas.Volume.Ny).Int("nz", atlas.Volume.Nz).
		Int("regions", len(atlas.LabelIDs())).
		Msg("loaded atlas")
	return atlas, nil
}

// plane returns the cutting plane given by the command line
func (a *App) plane(atlas *align.Atlas) align.PlaneSpec {
	o := a.opts
	p := align.PlaneFromAngles(atlas.Volume.Center(), o.ThetaZ, o.ThetaY, o.ThetaX, align.Vec3{})
	p.Origin = p.Origin.Add(p.Normal().Scale(o.PlaneOffset))
	return p
}

// demoJob cuts the sphere's central section and moves it by a small
// rotation and shift, giving a slice with a known answer
func demoJob(atlas *align.Atlas) (align.Job, error) {
	plane := align.AxialPlane(atlas.Volume.Center())
	opts := align.ExtractOptions{Width: demoAtlasSize, Height: demoAtlasSize, Resolution: 1}
	section, err := align.ExtractSlice(atlas, plane, opts)
	if err != nil {
		return align.Job{}, err
	}
	c := align.Point{X: float64(demoAtlasSize-1) / 2, Y: float64(demoAtlasSize-1) / 2}
	move := align.MultiplyMatrices(align.Translation(3, -2), align.RotationAbout(4, c))
	slice := transformImage(section.Reference, move)
	slice.Spacing = 1
	return align.Job{ID: demoSliceID, Slice: slice, Plane: plane, Extract: opts}, nil
}

// RunDemo registers a synthetic slice against the sphere atlas and writes
// the outputs
func (a *App) RunDemo() error {
	atlas := align.SphereAtlas(demoAtlasSize, demoRadius, demoRegion, 1)
	if err := a.setup(atlas); err != nil {
		return err
	}
	job, err := demoJob(atlas)
	if err != nil {
		return err
	}
	res, err := a.Process(context.Background(), job)
	if res == nil {
		return err
	}
	files, werr := writeOutputs(a.opts.OutputDir, res, job.Slice)
	printResult(res, files)
	if werr != nil {
		return werr
	}
	return err
}

// RunAlign registers -slice against -atlas-dir and writes the outputs
func (a *App) RunAlign() error {
	atlas, err := a.loadAtlas()
	if err != nil {
		return err
	}
	if err := a.setup(atlas); err != nil {
		return err
	}
	job, err := a.sliceJob(atlas)
	if err != nil {
		return err
	}
	res, err := a.Process(context.Background(), job)
	if res == nil {
		return err
	}
	files, werr := writeOutputs(a.opts.OutputDir, res, job.Slice)
	printResult(res, files)
	if werr != nil {
		return werr
	}
	return err
}

// sliceJob loads -slice and estimates its pixel size when none was given
func (a *App) sliceJob(atlas *align.Atlas) (align.Job, error) {
	img, err := loadImageFile(a.opts.SliceFile)
	if err != nil {
		return align.Job{}, err
	}
	slice := align.FromImage(img, a.opts.Downscale, a.opts.SliceSpacing)
	plane := a.plane(atlas)

	if slice.Spacing <= 0 {
		section, err := align.ExtractSlice(atlas, plane, align.ExtractOptions{})
		if err != nil {
			return align.Job{}, err
		}
		spacing, err := align.EstimatePixelSpacing(slice, section)
		if err != nil {
			return align.Job{}, fmt.Errorf("estimating slice pixel size (pass -slice-spacing): %w", err)
		}
		log.Info().Float64("spacing", spacing).Msg("estimated slice pixel size")
		slice.Spacing = spacing
	}

	id := a.opts.SliceID
	if id == "" {
		base := filepath.Base(a.opts.SliceFile)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return align.Job{ID: id, Slice: slice, Plane: plane}, nil
}

// Process runs one job, replaying stored review edits for the slice, records
// the result and hands exported geometry to the device driver. A result is
// returned next to export errors so it can still be reviewed.
func (a *App) Process(ctx context.Context, job align.Job) (*align.PipelineResult, error) {
	if len(job.Edits.Edits) == 0 {
		job.Edits = a.Sessions.Edits(job.ID)
	}
	res, err := a.Pipeline.Run(ctx, job)
	if res == nil {
		return nil, err
	}
	a.mu.Lock()
	a.slices[job.ID] = job.Slice
	a.mu.Unlock()
	a.Sessions.Put(res)
	if err != nil {
		log.Warn().Err(err).Str("slice", job.ID).Msg("slice processed without excision geometry")
		return res, err
	}
	a.publish(res)
	return res, nil
}

// ApplyEdit layers a review edit over a stored session, re-exports and
// publishes the corrected geometry
func (a *App) ApplyEdit(sliceID string, e align.Edit) (*align.PipelineResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.Sessions.Get(sliceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSessionNotFound, sliceID)
	}
	if e.Source == "" {
		e.Source = align.EditManual
	}
	next, err := a.Pipeline.ApplyEdits(prev, e)
	if next == nil {
		return nil, err
	}
	a.Sessions.Put(next)
	log.Info().Str("slice", sliceID).Int("pixels", len(e.Pixels)).Str("source", string(e.Source)).Msg("applied review edit")
	if err != nil {
		return next, err
	}
	a.publish(next)
	return next, nil
}

func (a *App) handleMQTTEdit(sliceID string, e align.Edit) {
	if _, err := a.ApplyEdit(sliceID, e); err != nil {
		log.Error().Err(err).Str("slice", sliceID).Msg("edit from MQTT rejected")
	}
}

func (a *App) publish(res *align.PipelineResult) {
	if a.Publisher == nil || res.Excision == nil {
		return
	}
	if err := a.Publisher.PublishExcision(res.ID, res.Excision); err != nil {
		log.Warn().Err(err).Str("slice", res.ID).Msg("excision not published")
	}
}

// sessionDetail adds the last hand-off time to the JSON view of res
func (a *App) sessionDetail(res *align.PipelineResult) sessionDetail {
	d := newSessionDetail(res)
	if pt, ok := a.Publisher.(publishTimes); ok {
		if at, ok := pt.LastPublished(res.ID); ok {
			d.PublishedAt = &at
		}
	}
	return d
}

// slice returns the slice image of a session, nil when unknown
func (a *App) slice(id string) *align.Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slices[id]
}

// RunService runs the review server and MQTT hand-off until interrupted
func (a *App) RunService() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	a.Sessions = align.NewSessionTrackerWithCache(a.opts.EditCache)

	atlas, err := a.loadAtlas()
	if err != nil {
		return err
	}
	if err := a.setup(atlas); err != nil {
		return err
	}

	mqttClient, err := align.NewMQTTClient(a.Config.MQTT, a.handleMQTTEdit)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient != nil {
		a.MQTTClient = mqttClient
		a.Publisher = a.Config.MQTT.Publisher(mqttClient.Client())
		log.Info().Str("broker", a.Config.MQTT.Broker).Str("edits", mqttClient.EditTopic("+")).Msg("MQTT hand-off enabled")
	}

	// the first slice is processed before serving so the review surface has
	// something to show
	var job align.Job
	switch {
	case a.opts.SliceFile != "":
		job, err = a.sliceJob(atlas)
	case a.opts.AtlasDir == "":
		job, err = demoJob(atlas)
	}
	if err != nil {
		return err
	}
	if job.Slice != nil {
		if _, err := a.Process(context.Background(), job); err != nil {
			log.Warn().Err(err).Str("slice", job.ID).Msg("initial slice")
		}
	}

	srv := &http.Server{
		Addr:              a.Config.HTTP.Listen,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("review server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("review server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("review server shutdown")
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	return a.Store.Close(ctx)
}

func printResult(res *align.PipelineResult, files []string) {
	s := align.SummarizeResult(res)
	fmt.Printf("\n=== %s ===\n", res.ID)
	fmt.Printf("Confidence: %.3f (affine only: %v)\n", s.Confidence, s.AffineOnly)
	fmt.Printf("Rotation: %.2f°\n", s.RotationDeg)
	fmt.Printf("Regions: %d polygons, %d excision shapes\n", s.Polygons, s.Shapes)
	for _, w := range res.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	for _, f := range files {
		fmt.Printf("Wrote %s\n", f)
	}
}
