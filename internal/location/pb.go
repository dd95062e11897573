package location

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// DriverLocation represents a streaming update.
type DriverLocation struct {
	DriverId string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Speed    float64 `json:"speed"`
	Heading  float64 `json:"heading"`
	Accuracy float64 `json:"accuracy"`
	// Ts is the device timestamp in unix milliseconds; zero means arrival time.
	Ts int64 `json:"ts"`
}

// Sample converts the message into a location sample.
func (m *DriverLocation) Sample(arrived time.Time) domain.LocationSample {
	ts := arrived
	if m.Ts > 0 {
		ts = time.UnixMilli(m.Ts).UTC()
	}
	return domain.LocationSample{
		Lng:       m.Lng,
		Lat:       m.Lat,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Accuracy:  m.Accuracy,
		Timestamp: ts,
	}
}

// Ack is returned by the stream when the client half-closes.
type Ack struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

// Location_ServiceDesc describes location.Location for hand-built clients.
var Location_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s *grpc.Server, srv LocationServer) {
	s.RegisterService(&Location_ServiceDesc, srv)
}

// Location_StreamLocationServer defines the client-streaming interface.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverLocation, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamServer) Recv() (*DriverLocation, error) {
	msg := new(DriverLocation)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// The messages are plain structs, so they travel as JSON rather than
// protobuf. Clients select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// Codec returns the JSON codec, for grpc.ForceServerCodec.
func Codec() encoding.Codec { return jsonCodec{} }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
