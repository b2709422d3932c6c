package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"zychat-core/internal/domain/call"
	"zychat-core/internal/media"
	"zychat-core/internal/signal"
	zychat_errors "zychat-core/pkg/errors"
	"zychat-core/pkg/logger"
)

// CallEventType identifies events emitted to the UI layer.
type CallEventType string

const (
	EventIncomingCall CallEventType = "incoming_call"
	EventStatusChange CallEventType = "status_change"
	EventLocalStream  CallEventType = "local_stream"
	EventRemoteStream CallEventType = "remote_stream"
)

// CallEvent is one entry on the manager's event stream.
type CallEvent struct {
	Type   CallEventType
	Call   *call.Record
	Status call.Status
	Stream *media.Stream
}

// signalCandidate is the wire form of an appended ICE candidate. From
// lets each peer skip candidates it published itself, since both sides
// append to the same list.
type signalCandidate struct {
	From string `json:"from"`
	call.ICECandidate
}

// peerSession is the exclusively owned state of one active call.
type peerSession struct {
	// recMu guards the record fields; signaling callbacks mutate them
	// on channel delivery goroutines.
	recMu  sync.Mutex
	record *call.Record

	outgoing     bool
	transport    media.Transport
	localStream  *media.Stream
	remoteStream *media.Stream
	unsubs       []signal.Unsubscribe

	// candMu guards the pending-candidate buffer; candidates arriving
	// before the remote description is set are held here and flushed
	// afterwards, never dropped.
	candMu    sync.Mutex
	remoteSet bool
	pending   []call.ICECandidate

	remoteStreamOnce sync.Once
}

// snapshot returns a copy of the session record safe to hand outside
// the manager.
func (s *peerSession) snapshot() *call.Record {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	rec := *s.record
	return &rec
}

// CallSessionManager drives a single call from initiation to
// termination for one local client. At most one peer session is active
// at a time; all session resources are owned here and nowhere else.
type CallSessionManager struct {
	selfID     string
	channel    signal.Channel
	transports media.TransportFactory
	capture    media.Capture
	iceServers []string
	log        *logger.Logger

	mu            sync.Mutex
	active        *peerSession
	incoming      *call.Record
	incomingUnsub signal.Unsubscribe

	events chan CallEvent
}

func NewCallSessionManager(selfID string, channel signal.Channel, transports media.TransportFactory, capture media.Capture, iceServers []string, log *logger.Logger) *CallSessionManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &CallSessionManager{
		selfID:     selfID,
		channel:    channel,
		transports: transports,
		capture:    capture,
		iceServers: iceServers,
		log:        log,
		events:     make(chan CallEvent, 64),
	}
}

// Events returns the manager's event stream. Events are dropped when
// the consumer falls more than the buffer behind.
func (m *CallSessionManager) Events() <-chan CallEvent {
	return m.events
}

func (m *CallSessionManager) emit(ev CallEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warnf("call: event %s dropped, consumer too slow", ev.Type)
	}
}

// Start subscribes to incoming-call notifications for the local client.
func (m *CallSessionManager) Start(ctx context.Context) error {
	unsub, err := m.channel.SubscribeChildAdded(ctx, signal.CallsRoot, func(_ string, raw []byte) {
		var rec call.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.log.Warnf("call: malformed call record: %v", err)
			return
		}
		m.handleIncoming(&rec)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing to incoming calls: %v", zychat_errors.ErrSignaling, err)
	}
	m.mu.Lock()
	m.incomingUnsub = unsub
	m.mu.Unlock()
	return nil
}

// handleIncoming applies busy-line arbitration: notifications arriving
// while a session is active or another incoming call is pending are
// dropped, not queued.
func (m *CallSessionManager) handleIncoming(rec *call.Record) {
	if rec.CalleeID != m.selfID || rec.CallerID == m.selfID || rec.Status != call.StatusRinging {
		return
	}
	m.mu.Lock()
	if m.active != nil || m.incoming != nil {
		m.mu.Unlock()
		m.log.Infof("call: dropping incoming call %s while busy", rec.CallID)
		return
	}
	m.incoming = rec
	m.mu.Unlock()
	cp := *rec
	m.emit(CallEvent{Type: EventIncomingCall, Call: &cp})
}

// IncomingCall returns a copy of the pending incoming call record, if
// any.
func (m *CallSessionManager) IncomingCall() *call.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil {
		return nil
	}
	rec := *m.incoming
	return &rec
}

// ActiveCall returns a copy of the active session record, if any.
func (m *CallSessionManager) ActiveCall() *call.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.snapshot()
}

// StartCall initiates an outgoing call. It returns once the offer is
// published; handshake completion is observed on the event stream.
func (m *CallSessionManager) StartCall(ctx context.Context, calleeID string, callType call.Type) (*call.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, zychat_errors.ErrCallActive
	}

	// Media first: constraint failures abort before any signaling write.
	stream, err := m.capture.GetUserMedia(ctx, constraintsFor(callType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zychat_errors.ErrMediaAcquisition, err)
	}

	rec := call.NewRecord(m.selfID, calleeID, callType)
	ctx = context.WithValue(ctx, logger.CallIdKey, rec.CallID)
	if err := m.channel.Write(ctx, signal.CallPath(rec.CallID), rec); err != nil {
		stream.StopAll()
		return nil, fmt.Errorf("%w: publishing call record: %v", zychat_errors.ErrSignaling, err)
	}
	// The append under the calls root is what rings the callee.
	if _, err := m.channel.Append(ctx, signal.CallsRoot, rec); err != nil {
		stream.StopAll()
		return nil, fmt.Errorf("%w: publishing ring notification: %v", zychat_errors.ErrSignaling, err)
	}

	sess, err := m.newPeerSession(ctx, rec, stream, true)
	if err != nil {
		stream.StopAll()
		m.publishTerminal(ctx, *rec)
		return nil, err
	}

	offer, err := sess.transport.CreateOffer(ctx)
	if err == nil {
		err = sess.transport.SetLocalDescription(offer)
	}
	if err == nil {
		err = m.channel.Write(ctx, signal.OfferPath(rec.CallID), offer)
	}
	if err != nil {
		m.releaseLocked(sess)
		m.publishTerminal(ctx, *sess.snapshot())
		return nil, fmt.Errorf("%w: publishing offer: %v", zychat_errors.ErrSignaling, err)
	}
	sess.recMu.Lock()
	rec.Signaling.Offer = &offer
	sess.recMu.Unlock()

	// Answer arrives asynchronously; the remote description is applied
	// exactly once, then buffered candidates flush.
	answerUnsub, err := m.channel.SubscribeValue(ctx, signal.AnswerPath(rec.CallID), func(raw []byte) {
		var answer call.SessionDescription
		if err := json.Unmarshal(raw, &answer); err != nil {
			m.log.Warnf("call %s: malformed answer: %v", rec.CallID, err)
			return
		}
		m.handleAnswer(sess, answer)
	})
	if err != nil {
		m.releaseLocked(sess)
		m.publishTerminal(ctx, *sess.snapshot())
		return nil, fmt.Errorf("%w: subscribing to answer: %v", zychat_errors.ErrSignaling, err)
	}
	sess.unsubs = append(sess.unsubs, answerUnsub)

	if err := m.watchCallLocked(ctx, sess); err != nil {
		m.releaseLocked(sess)
		m.publishTerminal(ctx, *sess.snapshot())
		return nil, err
	}

	m.active = sess
	m.log.WithContext(ctx).Info("call initiated", zap.String("callee_id", calleeID))
	m.emit(CallEvent{Type: EventLocalStream, Call: sess.snapshot(), Stream: stream})
	m.emit(CallEvent{Type: EventStatusChange, Call: sess.snapshot(), Status: call.StatusRinging})
	return sess.snapshot(), nil
}

// AcceptCall answers the pending incoming call.
func (m *CallSessionManager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming == nil {
		return zychat_errors.ErrNoIncomingCall
	}
	if m.active != nil {
		return zychat_errors.ErrCallActive
	}
	rec := m.incoming
	ctx = context.WithValue(ctx, logger.CallIdKey, rec.CallID)

	stream, err := m.capture.GetUserMedia(ctx, constraintsFor(rec.Type))
	if err != nil {
		m.incoming = nil
		return fmt.Errorf("%w: %v", zychat_errors.ErrMediaAcquisition, err)
	}

	sess, err := m.newPeerSession(ctx, rec, stream, false)
	if err != nil {
		m.incoming = nil
		stream.StopAll()
		return err
	}
	m.emit(CallEvent{Type: EventLocalStream, Call: sess.snapshot(), Stream: stream})

	if err := m.acceptLocked(ctx, sess); err != nil {
		m.incoming = nil
		m.releaseLocked(sess)
		// The caller is still waiting on the handshake; a terminal
		// write tells it to stop.
		m.publishTerminal(ctx, *sess.snapshot())
		return err
	}

	m.incoming = nil
	m.active = sess
	m.log.WithContext(ctx).Info("call accepted", zap.String("caller_id", rec.CallerID))
	return nil
}

func (m *CallSessionManager) acceptLocked(ctx context.Context, sess *peerSession) error {
	callID := sess.record.CallID

	if err := m.watchCallLocked(ctx, sess); err != nil {
		return err
	}

	var offer call.SessionDescription
	found, err := m.channel.Read(ctx, signal.OfferPath(callID), &offer)
	if err != nil {
		return fmt.Errorf("%w: reading offer: %v", zychat_errors.ErrSignaling, err)
	}
	if !found {
		return fmt.Errorf("%w: no offer published for call %s", zychat_errors.ErrSignaling, callID)
	}

	if err := sess.transport.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: applying offer: %v", zychat_errors.ErrTransportFailure, err)
	}
	m.flushCandidates(sess)

	// Accepted is published only after the offer is applied, so a
	// handshake that dies here leaves nothing half-open on the caller.
	if err := m.setStatus(ctx, sess, call.StatusAccepted); err != nil {
		return err
	}

	answer, err := sess.transport.CreateAnswer(ctx)
	if err == nil {
		err = sess.transport.SetLocalDescription(answer)
	}
	if err != nil {
		return fmt.Errorf("%w: creating answer: %v", zychat_errors.ErrTransportFailure, err)
	}
	if err := m.channel.Write(ctx, signal.AnswerPath(callID), answer); err != nil {
		return fmt.Errorf("%w: publishing answer: %v", zychat_errors.ErrSignaling, err)
	}
	sess.recMu.Lock()
	sess.record.Signaling.Answer = &answer
	sess.recMu.Unlock()

	return m.setStatus(ctx, sess, call.StatusConnected)
}

// RejectCall declines the pending incoming call. No media is acquired
// and no transport is created.
func (m *CallSessionManager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming == nil {
		return zychat_errors.ErrNoIncomingCall
	}
	rec := m.incoming
	m.incoming = nil

	rec.Status = call.StatusRejected
	rec.EndedAt = zychat_errors.NowPtr()
	if err := m.channel.Write(ctx, signal.CallPath(rec.CallID), rec); err != nil {
		return fmt.Errorf("%w: publishing rejection: %v", zychat_errors.ErrSignaling, err)
	}
	if err := m.channel.Write(ctx, signal.CallStatusPath(rec.CallID), call.StatusRejected); err != nil {
		return fmt.Errorf("%w: publishing rejection: %v", zychat_errors.ErrSignaling, err)
	}
	return nil
}

// EndCall terminates the active call if one exists and releases every
// session resource. Idempotent and always safe to call.
func (m *CallSessionManager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	sess := m.active
	m.releaseLocked(sess)
	m.active = nil
	m.incoming = nil
	m.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.recMu.Lock()
	if !sess.record.Status.Terminal() {
		sess.record.Status = call.StatusEnded
		sess.record.EndedAt = zychat_errors.NowPtr()
	}
	rec := *sess.record
	sess.recMu.Unlock()

	m.publishTerminal(ctx, rec)
	m.emit(CallEvent{Type: EventStatusChange, Call: &rec, Status: call.StatusEnded})
	return nil
}

// publishTerminal publishes the final record and status for a call that
// is locally done. Signaling failures are absorbed: local teardown
// already ran and the channel data expires on its own.
func (m *CallSessionManager) publishTerminal(ctx context.Context, rec call.Record) {
	if !rec.Status.Terminal() {
		rec.Status = call.StatusEnded
		rec.EndedAt = zychat_errors.NowPtr()
	}
	if err := m.channel.Write(ctx, signal.CallPath(rec.CallID), rec); err != nil {
		m.log.Warnf("call %s: publishing end state: %v", rec.CallID, err)
		return
	}
	if err := m.channel.Write(ctx, signal.CallStatusPath(rec.CallID), call.StatusEnded); err != nil {
		m.log.Warnf("call %s: publishing end status: %v", rec.CallID, err)
	}
}

// ToggleMute flips the enabled flag on local audio tracks and reports
// the resulting muted state. False when no local stream exists.
func (m *CallSessionManager) ToggleMute() bool {
	return m.toggleLocal(media.TrackAudio)
}

// ToggleVideo flips the enabled flag on local video tracks and reports
// whether video is now off. False when no local stream exists.
func (m *CallSessionManager) ToggleVideo() bool {
	return m.toggleLocal(media.TrackVideo)
}

func (m *CallSessionManager) toggleLocal(kind media.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.localStream == nil {
		return false
	}
	var tracks []media.Track
	if kind == media.TrackAudio {
		tracks = m.active.localStream.AudioTracks()
	} else {
		tracks = m.active.localStream.VideoTracks()
	}
	if len(tracks) == 0 {
		return false
	}
	disabled := tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(!disabled)
	}
	return disabled
}

// Close cancels the incoming-call subscription and tears down any
// active session.
func (m *CallSessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	unsub := m.incomingUnsub
	m.incomingUnsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return m.EndCall(ctx)
}

// newPeerSession builds the transport and wires its callbacks. Caller
// holds m.mu.
func (m *CallSessionManager) newPeerSession(ctx context.Context, rec *call.Record, localStream *media.Stream, outgoing bool) (*peerSession, error) {
	transport, err := m.transports.NewTransport(m.iceServers)
	if err != nil {
		return nil, fmt.Errorf("%w: creating transport: %v", zychat_errors.ErrTransportFailure, err)
	}

	sess := &peerSession{
		record:       rec,
		outgoing:     outgoing,
		transport:    transport,
		localStream:  localStream,
		remoteStream: media.NewStream(),
	}

	transport.OnICECandidate(func(candidate call.ICECandidate) {
		payload := signalCandidate{From: m.selfID, ICECandidate: candidate}
		if _, err := m.channel.Append(ctx, signal.CandidatesPath(rec.CallID), payload); err != nil {
			m.log.Warnf("call %s: publishing candidate: %v", rec.CallID, err)
		}
	})

	transport.OnTrack(func(t media.Track) {
		sess.remoteStream.AddTrack(t)
		sess.remoteStreamOnce.Do(func() {
			m.emit(CallEvent{Type: EventRemoteStream, Call: sess.snapshot(), Stream: sess.remoteStream})
		})
	})

	// Any transport-level disconnect is treated as an explicit end,
	// never retried.
	transport.OnStateChange(func(state media.ConnState) {
		if state == media.StateDisconnected || state == media.StateFailed {
			m.log.Infof("call %s: transport %s, ending call", rec.CallID, state)
			go func() { _ = m.EndCall(context.Background()) }()
		}
	})

	for _, t := range localStream.Tracks() {
		if err := transport.AddTrack(t); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("%w: attaching local track: %v", zychat_errors.ErrTransportFailure, err)
		}
	}

	return sess, nil
}

// watchCallLocked subscribes the session to remote candidates and
// status updates. Caller holds m.mu.
func (m *CallSessionManager) watchCallLocked(ctx context.Context, sess *peerSession) error {
	rec := sess.record

	candUnsub, err := m.channel.SubscribeChildAdded(ctx, signal.CandidatesPath(rec.CallID), func(_ string, raw []byte) {
		var payload signalCandidate
		if err := json.Unmarshal(raw, &payload); err != nil {
			m.log.Warnf("call %s: malformed candidate: %v", rec.CallID, err)
			return
		}
		if payload.From == m.selfID {
			return
		}
		m.applyOrBuffer(sess, payload.ICECandidate)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing to candidates: %v", zychat_errors.ErrSignaling, err)
	}
	sess.unsubs = append(sess.unsubs, candUnsub)

	statusUnsub, err := m.channel.SubscribeValue(ctx, signal.CallStatusPath(rec.CallID), func(raw []byte) {
		var status call.Status
		if err := json.Unmarshal(raw, &status); err != nil {
			m.log.Warnf("call %s: malformed status: %v", rec.CallID, err)
			return
		}
		m.handleRemoteStatus(sess, status)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing to status: %v", zychat_errors.ErrSignaling, err)
	}
	sess.unsubs = append(sess.unsubs, statusUnsub)

	return nil
}

// handleAnswer applies the remote answer on the caller side and flushes
// buffered candidates.
func (m *CallSessionManager) handleAnswer(sess *peerSession, answer call.SessionDescription) {
	sess.candMu.Lock()
	alreadySet := sess.remoteSet
	sess.candMu.Unlock()
	if alreadySet {
		return
	}

	if err := sess.transport.SetRemoteDescription(answer); err != nil {
		m.log.Errorf("call %s: applying answer: %v", sess.record.CallID, err)
		go func() { _ = m.EndCall(context.Background()) }()
		return
	}
	sess.recMu.Lock()
	sess.record.Signaling.Answer = &answer
	connected := sess.record.Status.CanTransition(call.StatusConnected)
	if connected {
		sess.record.Status = call.StatusConnected
	}
	sess.recMu.Unlock()
	m.flushCandidates(sess)

	if connected {
		m.emit(CallEvent{Type: EventStatusChange, Call: sess.snapshot(), Status: call.StatusConnected})
	}
}

// applyOrBuffer applies a remote candidate when the remote description
// is set, otherwise buffers it for the flush.
func (m *CallSessionManager) applyOrBuffer(sess *peerSession, candidate call.ICECandidate) {
	sess.candMu.Lock()
	if !sess.remoteSet {
		sess.pending = append(sess.pending, candidate)
		sess.candMu.Unlock()
		return
	}
	sess.candMu.Unlock()

	if err := sess.transport.AddICECandidate(candidate); err != nil {
		m.log.Warnf("call %s: applying candidate: %v", sess.record.CallID, err)
	}
}

// flushCandidates marks the remote description as set and applies every
// buffered candidate in arrival order.
func (m *CallSessionManager) flushCandidates(sess *peerSession) {
	sess.candMu.Lock()
	sess.remoteSet = true
	pending := sess.pending
	sess.pending = nil
	sess.candMu.Unlock()

	for _, candidate := range pending {
		if err := sess.transport.AddICECandidate(candidate); err != nil {
			m.log.Warnf("call %s: applying buffered candidate: %v", sess.record.CallID, err)
		}
	}
}

// handleRemoteStatus reacts to status writes from the other peer.
func (m *CallSessionManager) handleRemoteStatus(sess *peerSession, status call.Status) {
	sess.recMu.Lock()
	if sess.record.Status == status {
		sess.recMu.Unlock()
		return
	}
	if sess.record.Status.CanTransition(status) {
		sess.record.Status = status
		if status.Terminal() {
			sess.record.EndedAt = zychat_errors.NowPtr()
		}
	}
	sess.recMu.Unlock()
	m.emit(CallEvent{Type: EventStatusChange, Call: sess.snapshot(), Status: status})

	if status.Terminal() {
		go func() {
			m.mu.Lock()
			if m.active == sess {
				m.releaseLocked(sess)
				m.active = nil
			}
			m.mu.Unlock()
		}()
	}
}

// setStatus updates the record locally and publishes the new status.
func (m *CallSessionManager) setStatus(ctx context.Context, sess *peerSession, status call.Status) error {
	sess.recMu.Lock()
	current := sess.record.Status
	callID := sess.record.CallID
	sess.recMu.Unlock()

	if !current.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", zychat_errors.ErrInvalidTransition, current, status)
	}
	if err := m.channel.Write(ctx, signal.CallStatusPath(callID), status); err != nil {
		return fmt.Errorf("%w: publishing status %s: %v", zychat_errors.ErrSignaling, status, err)
	}
	// The subscription echo may have handled this write already when the
	// channel delivers synchronously.
	sess.recMu.Lock()
	changed := sess.record.Status != status
	if changed {
		sess.record.Status = status
		if status.Terminal() {
			sess.record.EndedAt = zychat_errors.NowPtr()
		}
	}
	sess.recMu.Unlock()
	if changed {
		m.emit(CallEvent{Type: EventStatusChange, Call: sess.snapshot(), Status: status})
	}
	return nil
}

// releaseLocked releases everything a session owns: subscriptions,
// media tracks, the transport. Safe on nil and safe to repeat.
func (m *CallSessionManager) releaseLocked(sess *peerSession) {
	if sess == nil {
		return
	}
	for _, unsub := range sess.unsubs {
		unsub()
	}
	sess.unsubs = nil
	if sess.localStream != nil {
		sess.localStream.StopAll()
	}
	if sess.remoteStream != nil {
		sess.remoteStream.StopAll()
	}
	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			m.log.Warnf("call %s: closing transport: %v", sess.record.CallID, err)
		}
	}
}

func constraintsFor(callType call.Type) media.Constraints {
	return media.Constraints{Audio: true, Video: callType == call.TypeVideo}
}
