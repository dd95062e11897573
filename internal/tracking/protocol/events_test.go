package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/protocol"
)

func TestDecodeUpdateLocation(t *testing.T) {
	raw := []byte(`{"event":"update_location","data":{"driverId":"D1","location":[77.5,12.9],"speed":5,"accuracy":3,"heading":90}}`)
	msg, err := protocol.Decode(raw, domain.RoleDriver)
	require.NoError(t, err)

	upd, ok := msg.(protocol.UpdateLocation)
	require.True(t, ok)
	require.Equal(t, "D1", upd.DriverID)

	now := time.Unix(100, 0).UTC()
	sample := upd.Sample(now)
	require.Equal(t, 77.5, sample.Lng)
	require.Equal(t, 12.9, sample.Lat)
	require.Equal(t, 5.0, sample.Speed)
	require.Equal(t, now, sample.Timestamp)
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ns   domain.Role
		want error
	}{
		{"not json", `{`, domain.RoleDriver, protocol.ErrMalformed},
		{"unknown event", `{"event":"fly"}`, domain.RoleDriver, protocol.ErrUnknownEvent},
		{"user event on driver namespace", `{"event":"track_trip","data":{"tripId":"T1","userId":"U1"}}`, domain.RoleDriver, protocol.ErrUnknownEvent},
		{"driver event on user namespace", `{"event":"register_driver","data":{"driverId":"D1"}}`, domain.RoleUser, protocol.ErrUnknownEvent},
		{"missing driver id", `{"event":"register_driver","data":{}}`, domain.RoleDriver, protocol.ErrMalformed},
		{"location arity", `{"event":"update_location","data":{"driverId":"D1","location":[1]}}`, domain.RoleDriver, domain.ErrInvalidSample},
		{"missing background flag", `{"event":"app_background","data":{"driverId":"D1"}}`, domain.RoleDriver, protocol.ErrMalformed},
		{"missing trip id", `{"event":"track_trip","data":{"userId":"U1"}}`, domain.RoleUser, protocol.ErrMalformed},
		{"wrong field type", `{"event":"update_location","data":{"driverId":"D1","location":"here"}}`, domain.RoleDriver, protocol.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tc.raw), tc.ns)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDecodeUserEvents(t *testing.T) {
	msg, err := protocol.Decode([]byte(`{"event":"track_trip","data":{"tripId":"T1","userId":"U1"}}`), domain.RoleUser)
	require.NoError(t, err)
	require.Equal(t, protocol.TrackTrip{TripID: "T1", UserID: "U1"}, msg)

	msg, err = protocol.Decode([]byte(`{"event":"untrack_trip"}`), domain.RoleUser)
	require.NoError(t, err)
	require.Equal(t, protocol.UntrackTrip{}, msg)

	msg, err = protocol.Decode([]byte(`{"event":"ping","data":null}`), domain.RoleUser)
	require.NoError(t, err)
	require.Equal(t, protocol.EventPing, msg.EventName())
}

func TestErrorFrame(t *testing.T) {
	out := protocol.Error(protocol.EventUpdateLocation, domain.ErrInvalidSample)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"error","data":{"code":"invalid_sample","message":"invalid location sample","event":"update_location"}}`, string(raw))
	require.Equal(t, "internal", protocol.ErrorCode(errors.New("boom")))
}
