package main

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/kwv/slicealign/align"
)

const testRegion = 9

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishExcision(sliceID string, geom *align.ExcisionGeometry) error {
	return m.Called(sliceID, geom).Error(0)
}

// newTestApp wires an App around a small sphere atlas without reading a
// config file
func newTestApp(t *testing.T) (*App, *align.Atlas) {
	t.Helper()
	cfg := align.DefaultConfig()
	cfg.Registration.Levels = 2
	cfg.Registration.DeformableIterations = 10

	app := NewApp()
	app.Config = cfg
	atlas := align.SphereAtlas(32, 9, testRegion, 1)
	require.NoError(t, app.setup(atlas))
	return app, atlas
}

func testJob(t *testing.T, atlas *align.Atlas, id string) align.Job {
	t.Helper()
	plane := align.AxialPlane(atlas.Volume.Center())
	opts := align.ExtractOptions{Width: 32, Height: 32, Resolution: 1}
	section, err := align.ExtractSlice(atlas, plane, opts)
	require.NoError(t, err)
	return align.Job{
		ID:      id,
		Slice:   transformImage(section.Reference, align.Translation(1, -1)),
		Plane:   plane,
		Extract: opts,
	}
}

// processedApp returns an app holding one processed session "s1"
func processedApp(t *testing.T, pub excisionPublisher) *App {
	t.Helper()
	app, atlas := newTestApp(t)
	app.Publisher = pub
	_, err := app.Process(context.Background(), testJob(t, atlas, "s1"))
	require.NoError(t, err)
	return app
}

func centreEdit() align.Edit {
	return align.Edit{Source: align.EditManual, Note: "drop centre", Pixels: []align.PixelAssignment{{X: 16, Y: 16, Region: 0}}}
}

func TestApp_ProcessPublishes(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	pub := &mockPublisher{}
	pub.On("PublishExcision", "s1", mock.AnythingOfType("*align.ExcisionGeometry")).Return(nil).Once()

	app := processedApp(t, pub)
	pub.AssertExpectations(t)

	res, ok := app.Sessions.Get("s1")
	require.True(t, ok)
	assert.NotNil(t, res.Excision)
	assert.NotNil(t, app.slice("s1"))
	assert.Nil(t, app.slice("other"))
}

func TestApp_ApplyEdit(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	pub := &mockPublisher{}
	pub.On("PublishExcision", "s1", mock.Anything).Return(nil)
	app := processedApp(t, pub)

	res, err := app.ApplyEdit("s1", centreEdit())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), res.RegionMap.At(16, 16))
	assert.Len(t, res.Edits.Edits, 1)
	pub.AssertNumberOfCalls(t, "PublishExcision", 2)

	stored, _ := app.Sessions.Get("s1")
	assert.Same(t, res, stored)
	assert.Len(t, app.Sessions.Edits("s1").Edits, 1)

	_, err = app.ApplyEdit("missing", centreEdit())
	assert.ErrorIs(t, err, errSessionNotFound)

	res, err = app.ApplyEdit("s1", align.Edit{Pixels: []align.PixelAssignment{{X: 1, Y: 1, Region: 77}}})
	assert.Error(t, err)
	assert.Nil(t, res)
	pub.AssertNumberOfCalls(t, "PublishExcision", 2)
}

func TestApp_ProcessReplaysStoredEdits(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	app := processedApp(t, nil)
	_, err := app.ApplyEdit("s1", centreEdit())
	require.NoError(t, err)

	lease, err := app.Store.Acquire()
	require.NoError(t, err)
	job := testJob(t, lease.Atlas(), "s1")
	lease.Release()

	res, err := app.Process(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, res.Edits.Edits, 1)
	assert.Equal(t, "drop centre", res.Edits.Edits[0].Note)
	assert.Equal(t, uint32(0), res.RegionMap.At(16, 16))
}

func TestApp_MQTTHandOff(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	client := align.NewMockClient()
	client.Connect()
	app := processedApp(t, align.NewPublisher(client, "lab"))

	app.handleMQTTEdit("s1", align.Edit{Pixels: []align.PixelAssignment{{X: 16, Y: 16, Region: 0}}})
	app.handleMQTTEdit("unknown", centreEdit())

	var topics []string
	for _, m := range client.Published() {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"lab/s1/excision", "lab/s1/lmd", "lab/s1/excision", "lab/s1/lmd"}, topics)

	res, _ := app.Sessions.Get("s1")
	require.Len(t, res.Edits.Edits, 1)
	assert.Equal(t, align.EditManual, res.Edits.Edits[0].Source)

	detail := app.sessionDetail(res)
	require.NotNil(t, detail.PublishedAt)
	assert.False(t, detail.PublishedAt.IsZero())
	assert.Equal(t, 1, detail.ManualEdits)
}

func TestApp_LoadConfig(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("export:\n  order: region\nlog:\n  pretty: false\n"), 0644))

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: path, HTTPAddr: ":7070"})
	require.NoError(t, app.loadConfig())
	assert.Equal(t, "region", app.Config.Export.Order)
	assert.Equal(t, ":7070", app.Config.HTTP.Listen)

	app = NewApp()
	app.ApplyOptions(AppOptions{})
	require.NoError(t, app.loadConfig())
	assert.Equal(t, align.DefaultConfig().Export, app.Config.Export)

	app = NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, app.loadConfig())
}

func TestApp_Plane(t *testing.T) {
	atlas := align.SphereAtlas(10, 3, 1, 1)
	app := NewApp()
	app.ApplyOptions(AppOptions{PlaneOffset: 2})
	p := app.plane(atlas)
	assert.Equal(t, align.Vec3{X: 4.5, Y: 4.5, Z: 6.5}, p.Origin)
	assert.NoError(t, p.Validate())

	app.ApplyOptions(AppOptions{ThetaX: 90, PlaneOffset: 1})
	p = app.plane(atlas)
	assert.InDelta(t, 3.5, p.Origin.Y, 1e-9)
	assert.InDelta(t, 4.5, p.Origin.Z, 1e-9)
}

func TestWriteOutputs(t *testing.T) {
	if testing.Short() {
		t.Skip("registration run")
	}
	app := processedApp(t, nil)
	res, _ := app.Sessions.Get("s1")

	dir := filepath.Join(t.TempDir(), "out")
	files, err := writeOutputs(dir, res, app.slice("s1"))
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"s1.json", "s1.geojson", "s1.lmd.xml", "s1.overlay.svg", "s1.overlay.png"}, names)

	data, err := os.ReadFile(filepath.Join(dir, "s1.json"))
	require.NoError(t, err)
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, "s1", detail["id"])
	assert.Equal(t, true, detail["exported"])

	xml, err := os.ReadFile(filepath.Join(dir, "s1.lmd.xml"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(xml), "<ImageData>"))
}

func TestCheckLMD(t *testing.T) {
	geom := &align.ExcisionGeometry{
		CalibrationPoints: []align.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}},
		Shapes: []align.ExcisionShape{{
			Outline: []align.Point{{X: 1, Y: 1}, {X: 4, Y: 1}, {X: 4, Y: 4}, {X: 1, Y: 1}},
		}},
	}
	path := filepath.Join(t.TempDir(), "s.lmd.xml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, align.WriteLMDXML(f, geom))
	require.NoError(t, f.Close())

	require.NoError(t, checkLMD(path, geom))

	more := *geom
	more.Shapes = append(more.Shapes, geom.Shapes[0])
	assert.ErrorContains(t, checkLMD(path, &more), "1 shapes read back, 2 written")

	moved := *geom
	moved.CalibrationPoints = []align.Point{{X: 0, Y: 0}, {X: 11, Y: 0}, {X: 0, Y: 10}}
	assert.ErrorContains(t, checkLMD(path, &moved), "calibration point 2")

	require.NoError(t, os.WriteFile(path, []byte("<ImageData><Shape_1><PointCount>9</PointCount></Shape_1></ImageData>"), 0644))
	assert.Error(t, checkLMD(path, geom))
	assert.Error(t, checkLMD(filepath.Join(t.TempDir(), "none.xml"), geom))
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestLoadAtlasDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "intensity"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "labels"), 0755))

	for k := 0; k < 3; k++ {
		in := image.NewGray(image.Rect(0, 0, 8, 6))
		lab := image.NewGray(image.Rect(0, 0, 8, 6))
		for y := 2; y < 4; y++ {
			for x := 2; x < 6; x++ {
				in.SetGray(x, y, color.Gray{Y: 200})
				lab.SetGray(x, y, color.Gray{Y: 2})
			}
		}
		name := string(rune('a'+k)) + ".png"
		writePNG(t, filepath.Join(dir, "intensity", name), in)
		writePNG(t, filepath.Join(dir, "labels", name), lab)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ontology.csv"), []byte("id,acronym,name\n2,CA1,Field CA1\n"), 0644))

	atlas, err := loadAtlasDir(dir, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 8, atlas.Volume.Nx)
	assert.Equal(t, 6, atlas.Volume.Ny)
	assert.Equal(t, 3, atlas.Volume.Nz)
	assert.Equal(t, []uint32{2}, atlas.LabelIDs())
	assert.Equal(t, "CA1", atlas.Ontology.Acronym(2))

	_, err = loadAtlasDir(t.TempDir(), 10, "")
	assert.Error(t, err)
}

func TestLoadImageFile_TIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slice.tif")
	img := image.NewGray(image.Rect(0, 0, 5, 4))
	img.SetGray(1, 1, color.Gray{Y: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, nil))
	require.NoError(t, f.Close())

	got, err := loadImageFile(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 5, 4), got.Bounds())

	_, err = loadImageFile(filepath.Join(t.TempDir(), "none.png"))
	assert.Error(t, err)
}

func TestTransformImage_Identity(t *testing.T) {
	src := align.NewImage(6, 5, 1)
	for i := range src.Pix {
		src.Pix[i] = float64(i)
	}
	out := transformImage(src, align.Identity())
	assert.Equal(t, src.Pix, out.Pix)
}
