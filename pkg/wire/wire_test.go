package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    any
		wantErr bool
	}{
		{
			name:  "subscribe",
			input: `{"kind":"SUBSCRIBE","to":"Event/football/abc"}`,
			want:  Subscribe{Kind: KindSubscribe, To: "Event/football/abc"},
		},
		{
			name:  "unsubscribe",
			input: `{"kind":"UNSUBSCRIBE","to":"Event/football/abc"}`,
			want:  Unsubscribe{Kind: KindUnsubscribe, To: "Event/football/abc"},
		},
		{
			name:  "ping",
			input: `{"kind":"PING"}`,
			want:  Heartbeat{Kind: KindPing},
		},
		{
			name:  "pong",
			input: `{"kind":"PONG"}`,
			want:  Heartbeat{Kind: KindPong},
		},
		{
			name:    "subscribe without target",
			input:   `{"kind":"SUBSCRIBE"}`,
			wantErr: true,
		},
		{
			name:    "unknown kind",
			input:   `{"kind":"SHOUT"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"kind":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClient([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestChangeRoundTrip(t *testing.T) {
	change := Change{
		Kind:    KindChange,
		Changed: "Event/netball/xyz",
		MID:     "01J0000000000000000000000Z",
		Data:    json.RawMessage(`{"homeScore":3}`),
	}
	raw, err := json.Marshal(change)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, KindChange, env.Kind)

	var decoded Change
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, change, decoded)
}
