// Package call implements the two-party call lifecycle: placing, ringing,
// accept/reject/cancel, the connected phase and teardown. Every status
// change is persisted to the call record store before it is broadcast.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/heartbeam/calling/internal/callrecord"
	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/media"
	"github.com/heartbeam/calling/internal/metrics"
	"github.com/heartbeam/calling/internal/notify"
	"github.com/heartbeam/calling/internal/peersession"
	"github.com/heartbeam/calling/internal/signaling"
)

var (
	ErrWrongRole   = errors.New("call: operation not allowed for this role")
	ErrWrongStatus = errors.New("call: operation not allowed in this status")
)

// Channel is the slice of the signaling client the lifecycle needs: room
// membership plus the peersession.Signaler surface.
type Channel interface {
	Join(ctx context.Context, roomID identity.RoomID) error
	Leave(roomID identity.RoomID)
	Send(ctx context.Context, msg signaling.Message) error
	Subscribe() (<-chan signaling.Message, func())
}

// Session is the slice of peersession.Session the lifecycle drives.
type Session interface {
	Close()
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	ConnectionState() webrtc.PeerConnectionState
	Done() <-chan struct{}
	EndReason() string
}

type Config struct {
	LocalID  identity.UserID
	Store    callrecord.Store
	Notifier notify.Notifier
	Channel  Channel
	Media    media.Provider

	// ICEServers is passed through to each peer session.
	ICEServers []webrtc.ICEServer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RingTimeout is advisory: when it elapses with the call still
	// ringing, the caller is told locally. Nothing terminal is written so
	// a late accept still goes through.
	RingTimeout time.Duration

	// NewSession is a test seam; nil means peersession.New.
	NewSession func(peersession.Config) (Session, error)
}

// Controller places and answers calls for one local user.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.LocalID <= 0 {
		return nil, fmt.Errorf("call: local user id required")
	}
	if cfg.Store == nil || cfg.Notifier == nil || cfg.Channel == nil || cfg.Media == nil {
		return nil, fmt.Errorf("call: store, notifier, channel and media provider are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.NewSession == nil {
		cfg.NewSession = func(pcfg peersession.Config) (Session, error) {
			return peersession.New(pcfg)
		}
	}
	return &Controller{cfg: cfg}, nil
}

// Call is one call attempt from the local user's point of view. Its Role
// is resolved once at creation and never changes.
type Call struct {
	ctrl   *Controller
	logger *slog.Logger

	record callrecord.Record
	peer   identity.UserID
	roomID identity.RoomID
	role   identity.Role
	video  bool

	// OnStatus and OnNoAnswer, when set before the call progresses, are
	// invoked from internal goroutines.
	OnStatus   func(status callrecord.Status, reason string)
	OnNoAnswer func()

	mu           sync.Mutex
	status       callrecord.Status
	connState    webrtc.PeerConnectionState
	session      Session
	joined       bool
	noAnswer     bool
	audioEnabled bool
	videoEnabled bool
	remoteMedia  bool

	cancelSub func()
	ringTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// Place starts an outbound call: persist the ringing record, bring up
// local media and the rendezvous room, and only then alert the receiver.
// The local user is the caller, so the resulting call holds the initiator
// role.
func (ctrl *Controller) Place(ctx context.Context, receiver identity.UserID, callType callrecord.Type) (*Call, error) {
	rec, err := ctrl.cfg.Store.CreateCall(ctx, ctrl.cfg.LocalID, receiver, callType)
	if err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	ctrl.count(metrics.CallRinging)

	c := ctrl.newCall(rec)
	c.logger.Info("placing call", "call", rec.ID, "receiver", receiver, "type", callType)

	// Media and the room come up before the receiver hears anything, so a
	// capture failure cancels a call nobody was ever rung for.
	if err := c.joinRoom(ctx); err != nil {
		c.cancelUnrung(ctx)
		return nil, err
	}
	if err := c.startSession(); err != nil {
		c.cancelUnrung(ctx)
		return nil, err
	}

	if err := ctrl.cfg.Notifier.NotifyIncomingCall(ctx, receiver, notify.IncomingCall{
		CallID:   rec.ID,
		CallerID: ctrl.cfg.LocalID,
		RoomID:   c.roomID,
		Type:     callType,
	}); err != nil {
		ctrl.count(metrics.NotifyFailure)
		c.logger.Warn("incoming-call notification failed", "call", rec.ID, "error", err)
	}

	c.mu.Lock()
	c.ringTimer = time.AfterFunc(ctrl.cfg.RingTimeout, c.ringTimedOut)
	c.mu.Unlock()
	c.watchStatus()
	return c, nil
}

// cancelUnrung resolves a ringing record after a local setup failure. The
// receiver was never notified, so there is nothing to broadcast.
func (c *Call) cancelUnrung(ctx context.Context) {
	if _, err := c.ctrl.cfg.Store.UpdateCallStatus(ctx, c.record.ID, callrecord.StatusCancelled); err != nil {
		c.logger.Warn("cancel after setup failure", "error", err)
	} else {
		c.setStatus(callrecord.StatusCancelled, "setup failure")
		c.ctrl.count(metrics.CallCancelled)
	}
	c.teardown()
}

// Incoming builds the receiver-side call handle from an incoming-call
// notification. The room is not joined until Accept, so placing the phone
// on the nightstand costs the relay nothing.
func (ctrl *Controller) Incoming(ctx context.Context, inc notify.IncomingCall) (*Call, error) {
	rec, err := ctrl.cfg.Store.GetCall(ctx, inc.CallID)
	if err != nil {
		return nil, fmt.Errorf("load call record: %w", err)
	}
	if rec.ReceiverID != ctrl.cfg.LocalID {
		return nil, fmt.Errorf("call %s is not for user %v", rec.ID, ctrl.cfg.LocalID)
	}

	c := ctrl.newCall(rec)
	if rec.Status != callrecord.StatusRinging {
		// Already cancelled or otherwise resolved; hand back a dead handle
		// so the app can show the right state.
		c.teardown()
	}
	return c, nil
}

func (ctrl *Controller) newCall(rec callrecord.Record) *Call {
	role := identity.ResolveRole(ctrl.cfg.LocalID, rec.CallerID, rec.ReceiverID)
	peer := rec.ReceiverID
	if role == identity.RoleResponder {
		peer = rec.CallerID
	}
	return &Call{
		ctrl:         ctrl,
		logger:       ctrl.cfg.Logger.With("call", rec.ID, "role", role),
		record:       rec,
		peer:         peer,
		roomID:       identity.NewRoomID(rec.CallerID, rec.ReceiverID),
		role:         role,
		video:        rec.Type == callrecord.TypeVideo,
		status:       rec.Status,
		connState:    webrtc.PeerConnectionStateNew,
		audioEnabled: true,
		videoEnabled: rec.Type == callrecord.TypeVideo,
		done:         make(chan struct{}),
	}
}

// Accept answers a ringing inbound call. When the caller cancelled first,
// the store refuses the transition and no session is created; the returned
// error wraps callrecord.ErrTerminalStatus.
func (c *Call) Accept(ctx context.Context) error {
	if c.role != identity.RoleResponder {
		return ErrWrongRole
	}

	rec, err := c.ctrl.cfg.Store.UpdateCallStatus(ctx, c.record.ID, callrecord.StatusAccepted)
	if err != nil {
		if errors.Is(err, callrecord.ErrTerminalStatus) {
			c.ctrl.count(metrics.RecordUpdateRefused)
			c.logger.Info("accept lost the race, call already resolved")
			c.refreshStatus(ctx)
			c.teardown()
		}
		return fmt.Errorf("accept call %s: %w", c.record.ID, err)
	}
	c.setStatus(rec.Status, "")
	c.ctrl.count(metrics.CallAccepted)

	if err := c.joinRoom(ctx); err != nil {
		c.abortAccepted(ctx, err)
		return err
	}
	c.broadcast(ctx, callrecord.StatusAccepted, "")

	if err := c.startSession(); err != nil {
		c.abortAccepted(ctx, err)
		return err
	}
	c.watchStatus()
	return nil
}

// abortAccepted ends a call whose accepted transition persisted but whose
// local setup then failed, so the caller is not left waiting on a session
// that will never come up.
func (c *Call) abortAccepted(ctx context.Context, cause error) {
	c.logger.Warn("setup failed after accept, ending call", "error", cause)
	if err := c.transition(ctx, callrecord.StatusEnded, "setup failure", metrics.CallEnded); err != nil {
		c.logger.Warn("end after setup failure", "error", err)
	}
	c.teardown()
}

// Reject declines a ringing inbound call. The room is joined just long
// enough to put the status in front of the waiting caller; the offer that
// may arrive in that window dies with the teardown.
func (c *Call) Reject(ctx context.Context) error {
	if c.role != identity.RoleResponder {
		return ErrWrongRole
	}
	if err := c.joinRoom(ctx); err != nil {
		c.logger.Warn("join for reject broadcast failed", "error", err)
	}
	if err := c.transition(ctx, callrecord.StatusRejected, "rejected", metrics.CallRejected); err != nil {
		return err
	}
	c.teardown()
	return nil
}

// Cancel withdraws a ringing outbound call. Losing the race against a
// simultaneous accept returns an error and leaves the call alive.
func (c *Call) Cancel(ctx context.Context) error {
	if c.role != identity.RoleInitiator {
		return ErrWrongRole
	}
	if err := c.transition(ctx, callrecord.StatusCancelled, "cancelled", metrics.CallCancelled); err != nil {
		return err
	}
	c.teardown()
	return nil
}

// End hangs up an accepted or connected call. Either side may end.
func (c *Call) End(ctx context.Context) error {
	if err := c.transition(ctx, callrecord.StatusEnded, "hangup", metrics.CallEnded); err != nil {
		return err
	}
	c.teardown()
	return nil
}

// transition persists the status change and only then broadcasts it.
func (c *Call) transition(ctx context.Context, status callrecord.Status, reason, metric string) error {
	rec, err := c.ctrl.cfg.Store.UpdateCallStatus(ctx, c.record.ID, status)
	if err != nil {
		if errors.Is(err, callrecord.ErrTerminalStatus) || errors.Is(err, callrecord.ErrInvalidTransition) {
			c.ctrl.count(metrics.RecordUpdateRefused)
			return fmt.Errorf("%w: %s", ErrWrongStatus, err)
		}
		return err
	}
	c.setStatus(rec.Status, reason)
	c.ctrl.count(metric)
	c.broadcast(ctx, status, reason)
	return nil
}

// broadcast fans a persisted status out: a room status message for the
// peer's session and a notification for the peer's other devices. Both are
// best effort; the record is already the source of truth.
func (c *Call) broadcast(ctx context.Context, status callrecord.Status, reason string) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	if joined {
		err := c.ctrl.cfg.Channel.Send(ctx, signaling.Message{
			RoomID:   c.roomID,
			SenderID: c.ctrl.cfg.LocalID,
			Type:     signaling.TypeStatus,
			Status:   string(status),
			Reason:   reason,
		})
		if err != nil {
			c.logger.Warn("status broadcast failed", "status", status, "error", err)
		}
	}

	err := c.ctrl.cfg.Notifier.NotifyCallStatus(ctx, c.peer, notify.StatusEvent{
		CallID: c.record.ID,
		Status: status,
		Reason: reason,
	})
	if err != nil {
		c.ctrl.count(metrics.NotifyFailure)
		c.logger.Warn("status notification failed", "status", status, "error", err)
	}
}

func (c *Call) joinRoom(ctx context.Context) error {
	if err := c.ctrl.cfg.Channel.Join(ctx, c.roomID); err != nil {
		return fmt.Errorf("join room %s: %w", c.roomID, err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return nil
}

func (c *Call) startSession() error {
	session, err := c.ctrl.cfg.NewSession(peersession.Config{
		RoomID:            c.roomID,
		LocalID:           c.ctrl.cfg.LocalID,
		Role:              c.role,
		Video:             c.video,
		ICEServers:        c.ctrl.cfg.ICEServers,
		Signaler:          c.ctrl.cfg.Channel,
		Media:             c.ctrl.cfg.Media,
		Logger:            c.logger,
		Metrics:           c.ctrl.cfg.Metrics,
		OnTrack:           c.onRemoteTrack,
		OnConnectionState: c.onConnectionState,
	})
	if err != nil {
		return fmt.Errorf("start peer session: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	go c.watchSession(session)
	return nil
}

// watchStatus follows the peer's lifecycle broadcasts on the room channel.
// These reflect transitions the peer has already persisted, so only local
// state changes here.
func (c *Call) watchStatus() {
	msgs, cancel := c.ctrl.cfg.Channel.Subscribe()
	c.mu.Lock()
	c.cancelSub = cancel
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Type != signaling.TypeStatus || msg.RoomID != c.roomID {
					continue
				}
				status := callrecord.Status(msg.Status)
				c.logger.Info("peer status", "status", status, "reason", msg.Reason)
				c.setStatus(status, msg.Reason)
				if status.Terminal() {
					c.teardown()
					return
				}
			}
		}
	}()
}

// watchSession reacts to the transport dying underneath an active call.
// Both sides race to persist the end; the store lets exactly one through.
func (c *Call) watchSession(session Session) {
	select {
	case <-c.done:
		return
	case <-session.Done():
	}

	reason := session.EndReason()
	if reason == peersession.ReasonClosed {
		return
	}

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.transition(ctx, callrecord.StatusEnded, reason, metrics.CallEnded); err != nil {
		c.logger.Debug("session-end transition refused", "error", err)
	}
	c.teardown()
}

func (c *Call) onRemoteTrack(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	c.mu.Lock()
	c.remoteMedia = true
	c.mu.Unlock()
}

func (c *Call) onConnectionState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.connState = state
	c.mu.Unlock()

	if state != webrtc.PeerConnectionStateConnected {
		return
	}

	// The initiator writes the connected transition; the responder learns
	// it from the status broadcast. One writer, no double update.
	if c.role != identity.RoleInitiator {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := c.ctrl.cfg.Store.UpdateCallStatus(ctx, c.record.ID, callrecord.StatusConnected)
	if err != nil {
		c.ctrl.count(metrics.RecordUpdateRefused)
		c.logger.Warn("connected transition refused", "error", err)
		return
	}
	c.setStatus(rec.Status, "")
	c.ctrl.count(metrics.CallConnected)
	c.broadcast(ctx, callrecord.StatusConnected, "")
}

// ringTimedOut surfaces no-answer to the caller. Advisory only: the record
// stays ringing and a late accept is still honored.
func (c *Call) ringTimedOut() {
	c.mu.Lock()
	if c.status != callrecord.StatusRinging {
		c.mu.Unlock()
		return
	}
	c.noAnswer = true
	c.mu.Unlock()

	c.ctrl.count(metrics.CallNoAnswer)
	c.logger.Info("call not answered within ring timeout")
	if c.OnNoAnswer != nil {
		c.OnNoAnswer()
	}
}

// ToggleMute flips the outbound audio track and reports whether the call
// is now muted.
func (c *Call) ToggleMute() (bool, error) {
	c.mu.Lock()
	session := c.session
	target := !c.audioEnabled
	c.mu.Unlock()
	if session == nil {
		return false, ErrWrongStatus
	}
	if err := session.SetAudioEnabled(target); err != nil {
		return !target, err
	}
	c.mu.Lock()
	c.audioEnabled = target
	c.mu.Unlock()
	return !target, nil
}

// ToggleCamera flips the outbound video track and reports whether the
// camera is now off. Only meaningful on video calls.
func (c *Call) ToggleCamera() (bool, error) {
	if !c.video {
		return true, fmt.Errorf("call: not a video call")
	}
	c.mu.Lock()
	session := c.session
	target := !c.videoEnabled
	c.mu.Unlock()
	if session == nil {
		return true, ErrWrongStatus
	}
	if err := session.SetVideoEnabled(target); err != nil {
		return !target, err
	}
	c.mu.Lock()
	c.videoEnabled = target
	c.mu.Unlock()
	return !target, nil
}

func (c *Call) setStatus(status callrecord.Status, reason string) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.mu.Unlock()

	if c.OnStatus != nil {
		c.OnStatus(status, reason)
	}
}

// refreshStatus pulls the authoritative status after a lost race.
func (c *Call) refreshStatus(ctx context.Context) {
	rec, err := c.ctrl.cfg.Store.GetCall(ctx, c.record.ID)
	if err != nil {
		c.logger.Warn("refresh call record", "error", err)
		return
	}
	c.setStatus(rec.Status, "")
}

// ID is the persisted call record ID.
func (c *Call) ID() string { return c.record.ID }

// Role never changes for the lifetime of the call.
func (c *Call) Role() identity.Role { return c.role }

func (c *Call) RoomID() identity.RoomID { return c.roomID }

func (c *Call) Status() callrecord.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// NoAnswer reports whether the advisory ring timeout elapsed.
func (c *Call) NoAnswer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noAnswer
}

// Muted reports whether outbound audio is paused.
func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.audioEnabled
}

// RemoteMediaAvailable reports whether at least one remote track has
// arrived on the peer session.
func (c *Call) RemoteMediaAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteMedia
}

// CameraOff reports whether outbound video is paused.
func (c *Call) CameraOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.videoEnabled
}

// Done is closed when the call has fully torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// teardown releases the session, the room and the subscription. Idempotent
// and complete on every path.
func (c *Call) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		session := c.session
		joined := c.joined
		cancelSub := c.cancelSub
		timer := c.ringTimer
		c.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if cancelSub != nil {
			cancelSub()
		}
		if session != nil {
			session.Close()
		}
		if joined {
			c.ctrl.cfg.Channel.Leave(c.roomID)
		}
		c.logger.Info("call torn down", "status", c.Status())
	})
}

// Close tears the call down without touching the record. Lifecycle intents
// (Reject, Cancel, End) persist first and then call this.
func (c *Call) Close() { c.teardown() }

func (ctrl *Controller) count(event string) {
	if ctrl.cfg.Metrics != nil {
		ctrl.cfg.Metrics.Inc(event)
	}
}
