package terrain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher(t *testing.T) {
	p := NewPublisher(nil, "")
	if p.publishPrefix != "terrainmesh" {
		t.Errorf("Default prefix = %s, want terrainmesh", p.publishPrefix)
	}
	if p.qos != 1 {
		t.Errorf("Default QoS = %d, want 1", p.qos)
	}
	if !p.retain {
		t.Error("Default retain should be true")
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	c := NewCorrection("a", "b", sampleResult(0, 0))

	if err := NewPublisher(nil, "x").PublishCorrection(c); err == nil {
		t.Error("expected error with nil client")
	}

	mock := NewMockClient()
	if err := NewPublisher(mock, "x").PublishCorrection(c); err == nil {
		t.Error("expected error with disconnected client")
	}
	if len(mock.GetPublishedMessages()) != 0 {
		t.Error("nothing should be published while disconnected")
	}
}

func TestPublisher_PublishCorrection(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "survey")

	require.NoError(t, p.PublishCorrection(NewCorrection("base", "east", sampleResult(0.5, -0.5))))
	require.NoError(t, p.PublishCorrection(NewCorrection("base", "west", sampleResult(-1, 0.25))))

	east := mock.MessagesOn("survey/corrections/east")
	require.Len(t, east, 1)
	assert.True(t, east[0].Retain)
	assert.Equal(t, byte(1), east[0].QoS)

	var got Correction
	require.NoError(t, json.Unmarshal(east[0].Payload, &got))
	assert.Equal(t, "base", got.Fixed)
	assert.Equal(t, 0.5, got.Tx)
	assert.Equal(t, Translation(0.5, -0.5, 0), got.Transform)

	combined := mock.MessagesOn("survey/corrections")
	require.Len(t, combined, 2)
	var msg struct {
		Corrections []Correction `json:"corrections"`
		Timestamp   int64        `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(combined[1].Payload, &msg))
	require.Len(t, msg.Corrections, 2)
	assert.Equal(t, "east", msg.Corrections[0].Moving)
	assert.Equal(t, "west", msg.Corrections[1].Moving)
	assert.NotZero(t, msg.Timestamp)

	c, ok := p.GetCorrection("base", "west")
	require.True(t, ok)
	assert.Equal(t, -1.0, c.Tx)
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker full"))

	err := NewPublisher(mock, "x").PublishCorrection(NewCorrection("a", "b", sampleResult(0, 0)))
	assert.ErrorContains(t, err, "broker full")
}

func TestPublisher_SetQoSAndRetain(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "x")
	p.SetQoS(2)
	p.SetQoS(7)
	p.SetRetain(false)

	require.NoError(t, p.PublishCorrection(NewCorrection("a", "b", sampleResult(0, 0))))
	msgs := mock.GetPublishedMessages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, byte(2), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)
}
