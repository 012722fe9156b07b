package align

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() *ExcisionGeometry {
	return &ExcisionGeometry{
		Policy:            "region",
		CalibrationPoints: []Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}},
		Shapes: []ExcisionShape{{
			Order:     1,
			Region:    3,
			Component: 1,
			Name:      "CA1_1",
			Outline:   []Point{{X: 1, Y: 1}, {X: 4, Y: 1}, {X: 4, Y: 4}, {X: 1, Y: 4}, {X: 1, Y: 1}},
			Centroid:  Point{X: 2.5, Y: 2.5},
		}},
	}
}

type editRecorder struct {
	mu    sync.Mutex
	ids   []string
	edits []Edit
}

func (r *editRecorder) handle(sliceID string, e Edit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, sliceID)
	r.edits = append(r.edits, e)
}

func TestMQTTClient_ReceivesEdits(t *testing.T) {
	mock := NewMockClient()
	mock.Connect()
	rec := &editRecorder{}
	c := newMQTTClientWith(mock, "lab", rec.handle)

	c.onConnect(mock)
	assert.True(t, c.IsConnected())
	assert.Equal(t, "lab/s7/edits", c.EditTopic("s7"))

	payload, err := json.Marshal(Edit{Pixels: []PixelAssignment{{X: 1, Y: 2, Region: 5}}})
	require.NoError(t, err)
	mock.SimulateMessage("lab/s7/edits", payload)
	mock.SimulateMessage("lab/s8/edits", []byte("not json"))
	mock.SimulateMessage("lab/s9/excision", payload)

	require.Equal(t, []string{"s7"}, rec.ids)
	assert.Equal(t, EditManual, rec.edits[0].Source, "source defaults to manual")
	assert.Equal(t, []PixelAssignment{{X: 1, Y: 2, Region: 5}}, rec.edits[0].Pixels)

	other := &editRecorder{}
	c.SetEditHandler(other.handle)
	auto, _ := json.Marshal(Edit{Source: EditAuto})
	mock.SimulateMessage("lab/s7/edits", auto)
	assert.Len(t, rec.ids, 1)
	require.Len(t, other.edits, 1)
	assert.Equal(t, EditAuto, other.edits[0].Source)

	c.onConnectionLost(mock, errors.New("broker gone"))
	assert.False(t, c.IsConnected())

	c.Disconnect()
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_SliceFromTopic(t *testing.T) {
	c := newMQTTClientWith(NewMockClient(), "lab", nil)
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"lab/s1/edits", "s1", true},
		{"lab/slice-2024-03/edits", "slice-2024-03", true},
		{"other/s1/edits", "", false},
		{"lab//edits", "", false},
		{"lab/a/b/edits", "", false},
		{"lab/s1/excision", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := c.sliceFromTopic(tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestNewMQTTClient_Disabled(t *testing.T) {
	c, err := NewMQTTClient(MQTTConfig{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/#", "a/x/y", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestPublisher_PublishExcision(t *testing.T) {
	mock := NewMockClient()
	p := NewPublisher(mock, "lab")
	geom := testGeometry()

	err := p.PublishExcision("s1", geom)
	assert.ErrorContains(t, err, "not connected")

	mock.Connect()
	require.NoError(t, p.PublishExcision("s1", geom))

	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "lab/s1/excision", msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.True(t, msgs[0].Retain)

	var decoded ExcisionMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &decoded))
	assert.Equal(t, "s1", decoded.SliceID)
	assert.Equal(t, geom, decoded.Geometry)
	assert.NotZero(t, decoded.Timestamp)

	assert.Equal(t, "lab/s1/lmd", msgs[1].Topic)
	assert.True(t, strings.HasPrefix(string(msgs[1].Payload), "<ImageData>"))
	cal, outlines, err := ReadLMDXML(strings.NewReader(string(msgs[1].Payload)))
	require.NoError(t, err)
	assert.Equal(t, geom.CalibrationPoints, cal)
	assert.Equal(t, [][]Point{geom.Shapes[0].Outline}, outlines)

	_, ok := p.LastPublished("s1")
	assert.True(t, ok)
	_, ok = p.LastPublished("s2")
	assert.False(t, ok)

	assert.Error(t, p.PublishExcision("s2", nil))
}

func TestPublisher_Options(t *testing.T) {
	mock := NewMockClient()
	mock.Connect()
	p := NewPublisher(mock, "")
	assert.Equal(t, "slicealign/x/excision", p.ExcisionTopic("x"))
	assert.Equal(t, "slicealign/x/lmd", p.LMDTopic("x"))

	p.SetQoS(3)
	p.SetQoS(0)
	p.SetRetain(false)
	require.NoError(t, p.PublishExcision("x", testGeometry()))
	for _, m := range mock.Published() {
		assert.Equal(t, byte(0), m.QoS)
		assert.False(t, m.Retain)
	}

	mock.SetPublishError(errors.New("queue full"))
	err := p.PublishExcision("x", testGeometry())
	assert.ErrorContains(t, err, "publishing to slicealign/x/excision")

	assert.Error(t, NewPublisher(nil, "").PublishExcision("x", testGeometry()))
}

func TestPublisher_UnacknowledgedPublish(t *testing.T) {
	mock := NewMockClient()
	mock.Connect()
	p := NewPublisher(mock, "lab")

	mock.SetStalled(true)
	err := p.PublishExcision("s1", testGeometry())
	assert.ErrorIs(t, err, ErrPublishTimeout)
	assert.ErrorContains(t, err, "lab/s1/excision")
	_, ok := p.LastPublished("s1")
	assert.False(t, ok)
	assert.Empty(t, mock.Published())

	mock.SetStalled(false)
	require.NoError(t, p.PublishExcision("s1", testGeometry()))
	_, ok = p.LastPublished("s1")
	assert.True(t, ok)
}

func TestMQTTConfig_Publisher(t *testing.T) {
	mock := NewMockClient()
	mock.Connect()
	cfg := DefaultConfig().MQTT
	cfg.PublishPrefix = "rig2"
	cfg.QoS = 2
	cfg.Retain = false

	p := cfg.Publisher(mock)
	require.NoError(t, p.PublishExcision("s1", testGeometry()))
	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "rig2/s1/excision", msgs[0].Topic)
	assert.Equal(t, byte(2), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)

	d := DefaultConfig().MQTT.Publisher(mock)
	require.NoError(t, d.PublishExcision("s2", testGeometry()))
	msgs = mock.Published()
	assert.Equal(t, byte(1), msgs[2].QoS)
	assert.True(t, msgs[2].Retain)
}
