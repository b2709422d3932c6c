package media

// Ports over the browser-level media primitives: local capture and the
// peer transport. The call session manager owns whichever
// implementation it is given; nothing else may touch the transport or
// the streams.

import (
	"context"
	"sync"

	"zychat-core/internal/domain/call"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one capture or remote media track.
type Track interface {
	Kind() TrackKind
	// Enabled toggling is the mute/camera-off mechanism; a disabled
	// track keeps its resources.
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the track permanently.
	Stop()
	Stopped() bool
}

// Stream is an ordered collection of tracks with shared ownership
// semantics: whoever holds the stream stops all tracks on teardown.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) tracksOfKind(kind TrackKind) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.tracksOfKind(TrackAudio) }
func (s *Stream) VideoTracks() []Track { return s.tracksOfKind(TrackVideo) }

// StopAll stops every track in the stream.
func (s *Stream) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Constraints mirror getUserMedia constraints.
type Constraints struct {
	Audio bool
	Video bool
}

// Capture acquires local media matching the given constraints.
type Capture interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// ConnState is the transport connection state.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// Transport is one peer connection under negotiation. Callbacks must be
// registered before negotiation starts.
type Transport interface {
	AddTrack(t Track) error

	CreateOffer(ctx context.Context) (call.SessionDescription, error)
	CreateAnswer(ctx context.Context) (call.SessionDescription, error)
	SetLocalDescription(desc call.SessionDescription) error
	SetRemoteDescription(desc call.SessionDescription) error
	HasRemoteDescription() bool

	AddICECandidate(candidate call.ICECandidate) error
	OnICECandidate(fn func(candidate call.ICECandidate))
	OnTrack(fn func(t Track))
	OnStateChange(fn func(state ConnState))

	Close() error
}

// TransportFactory creates transports configured with relay/reflection
// server URLs.
type TransportFactory interface {
	NewTransport(iceServers []string) (Transport, error)
}
