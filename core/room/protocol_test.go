package room

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{
			name:  "join",
			frame: `{"type":"join","roomCode":"r1","userId":"u1","hostId":"u0"}`,
			want:  &JoinRequest{RoomCode: "r1", UserID: "u1", HostID: "u0"},
		},
		{
			name:  "play with fractional duration",
			frame: `{"type":"PLAY","audioUrl":"x","duration":1999.5,"startDelayMs":250}`,
			want:  &PlayRequest{AudioURL: "x", Duration: 2000, StartDelayMs: 250},
		},
		{
			name:  "pause without position",
			frame: `{"type":"PAUSE"}`,
			want:  &PauseRequest{},
		},
		{
			name:  "sync check",
			frame: `{"type":"sync_check","clientPosition":12.4}`,
			want:  &SyncCheck{ClientPosition: 12},
		},
		{
			name:  "health response",
			frame: `{"type":"device_health_check_response","checkId":"c","audioLoaded":true}`,
			want:  &HealthCheckResponse{CheckID: "c", AudioLoaded: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInboundErrors(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"PLAY_SYNC"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeInbound([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeInbound([]byte(`{"type":"PLAY","duration":"long"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMillisRejectsNonNumbers(t *testing.T) {
	var m Millis
	assert.Error(t, json.Unmarshal([]byte(`"12"`), &m))
	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	assert.Zero(t, m)
	require.NoError(t, json.Unmarshal([]byte(`-3.6`), &m))
	assert.Equal(t, Millis(-4), m)
	assert.Error(t, json.Unmarshal([]byte(`1e30`), &m))
}

func TestOutboundRoundTripKeepsType(t *testing.T) {
	data, err := json.Marshal(&PlayCommand{Type: MsgPlay, AudioURL: "x", MasterClockMs: 10, MasterClockLatencyMs: 5})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"PLAY"`)

	msg, err := DecodeOutbound(data)
	require.NoError(t, err)
	cmd, ok := msg.(*PlayCommand)
	require.True(t, ok)
	assert.Equal(t, int64(10), cmd.MasterClockMs)
}
