package main

import (
	"bytes"
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
	opts AppOptions
}

func (m *mockRunner) ApplyOptions(opts AppOptions) {
	m.opts = opts
	m.Called(opts)
}
func (m *mockRunner) RunDemo() error    { return m.Called().Error(0) }
func (m *mockRunner) RunAlign() error   { return m.Called().Error(0) }
func (m *mockRunner) RunService() error { return m.Called().Error(0) }

func newMockRunner() *mockRunner {
	m := &mockRunner{}
	m.On("ApplyOptions", mock.Anything).Return()
	return m
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		expected   string
		verifyOpts func(*testing.T, AppOptions)
	}{
		{
			name:     "Demo",
			args:     []string{"-demo", "-output", "/tmp/out"},
			expected: "RunDemo",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.Demo)
				assert.Equal(t, "/tmp/out", opts.OutputDir)
				assert.Equal(t, "config.yaml", opts.ConfigFile)
			},
		},
		{
			name:     "Align",
			args:     []string{"-align", "-atlas-dir", "atlas", "-slice", "s12.tif", "-slice-spacing", "2.5", "-theta-x", "10", "-plane-offset", "-40"},
			expected: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "atlas", opts.AtlasDir)
				assert.Equal(t, "s12.tif", opts.SliceFile)
				assert.Equal(t, 2.5, opts.SliceSpacing)
				assert.Equal(t, 10.0, opts.ThetaX)
				assert.Equal(t, -40.0, opts.PlaneOffset)
				assert.Equal(t, 25.0, opts.AtlasSpacing)
			},
		},
		{
			name:     "Serve",
			args:     []string{"-serve", "-http", ":9999", "-edit-cache", "edits.json", "-config", "lab.toml"},
			expected: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, ":9999", opts.HTTPAddr)
				assert.Equal(t, "edits.json", opts.EditCache)
				assert.Equal(t, "lab.toml", opts.ConfigFile)
			},
		},
		{
			name:     "ServeWinsOverDemo",
			args:     []string{"-serve", "-demo"},
			expected: "RunService",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockRunner()
			app.On(tt.expected).Return(nil).Once()

			var out bytes.Buffer
			require.NoError(t, run(tt.args, &out, app))
			app.AssertExpectations(t)
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_AlignNeedsInputs(t *testing.T) {
	app := newMockRunner()
	var out bytes.Buffer
	err := run([]string{"-align", "-slice", "s.png"}, &out, app)
	assert.ErrorContains(t, err, "-atlas-dir")
	app.AssertNotCalled(t, "RunAlign")
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockRunner()
	app.On("RunDemo").Return(errors.New("boom"))
	var out bytes.Buffer
	assert.EqualError(t, run([]string{"-demo"}, &out, app), "boom")
}

func TestRun_Help(t *testing.T) {
	app := newMockRunner()
	var out bytes.Buffer
	err := run([]string{"-help"}, &out, app)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "Usage of slicealign")
	app.AssertNotCalled(t, "ApplyOptions", mock.Anything)
}

func TestRun_Default(t *testing.T) {
	app := newMockRunner()
	var out bytes.Buffer
	require.NoError(t, run([]string{}, &out, app))

	assert.Contains(t, out.String(), "slicealign version: "+Version)
	assert.Contains(t, out.String(), "Use -demo")
	app.AssertNotCalled(t, "RunDemo")
	app.AssertNotCalled(t, "RunService")
}
