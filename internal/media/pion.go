package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"zychat-core/internal/domain/call"
)

// Pion-backed implementation of the media ports.

// PionFactory builds peer transports on pion/webrtc.
type PionFactory struct{}

func NewPionFactory() PionFactory { return PionFactory{} }

func (PionFactory) NewTransport(iceServers []string) (Transport, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddTrack(track Track) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return errors.New("pion transport requires pion local tracks")
	}
	_, err := t.pc.AddTrack(lt.sample)
	return err
}

func (t *pionTransport) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (t *pionTransport) SetLocalDescription(desc call.SessionDescription) error {
	return t.pc.SetLocalDescription(toPionDescription(desc))
}

func (t *pionTransport) SetRemoteDescription(desc call.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPionDescription(desc))
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(candidate call.ICECandidate) error {
	mid := candidate.SDPMid
	mline := uint16(candidate.SDPMLineIndex)
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})
}

func (t *pionTransport) OnICECandidate(fn func(candidate call.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := call.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		fn(out)
	})
}

func (t *pionTransport) OnTrack(fn func(track Track)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(newRemoteTrack(remote))
	})
}

func (t *pionTransport) OnStateChange(fn func(state ConnState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(fromPionState(s))
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func toPionDescription(desc call.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPionDescription(desc webrtc.SessionDescription) call.SessionDescription {
	return call.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromPionState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// LocalTrack wraps a pion sample track. Pion local tracks have no
// enabled flag, so mute state lives here; writers are expected to check
// Enabled before pushing samples.
type LocalTrack struct {
	kind    TrackKind
	sample  *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *LocalTrack) Kind() TrackKind         { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() && !t.stopped.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stop()                   { t.stopped.Store(true) }
func (t *LocalTrack) Stopped() bool           { return t.stopped.Load() }

// Sample exposes the underlying pion track for media writers.
func (t *LocalTrack) Sample() *webrtc.TrackLocalStaticSample { return t.sample }

func newLocalTrack(kind TrackKind, capability webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, sample: sample}
	t.enabled.Store(true)
	return t, nil
}

type remoteTrack struct {
	kind    TrackKind
	remote  *webrtc.TrackRemote
	enabled atomic.Bool
	stopped atomic.Bool
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	kind := TrackAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	t := &remoteTrack{kind: kind, remote: remote}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) Kind() TrackKind         { return t.kind }
func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() && !t.stopped.Load() }
func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *remoteTrack) Stop()                   { t.stopped.Store(true) }
func (t *remoteTrack) Stopped() bool           { return t.stopped.Load() }

// StaticCapture implements Capture with locally constructed pion sample
// tracks. Headless deployments feed samples into the returned tracks;
// the session manager only cares about track ownership and enabled
// state.
type StaticCapture struct {
	StreamID string
}

func NewStaticCapture(streamID string) StaticCapture {
	if streamID == "" {
		streamID = "zychat"
	}
	return StaticCapture{StreamID: streamID}
}

func (c StaticCapture) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	stream := NewStream()
	if constraints.Audio {
		track, err := newLocalTrack(TrackAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", c.StreamID)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	if constraints.Video {
		track, err := newLocalTrack(TrackVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", c.StreamID)
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}
