package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/relay"
)

// DefaultPollInterval is the fixed interval between linking status polls.
const DefaultPollInterval = 3 * time.Second

// ErrSessionExpired indicates the linking code expired before approval.
// Terminal: the user must restart linking.
var ErrSessionExpired = errors.New("identity: linking session expired")

// ErrSessionRejected indicates the relay rejected the linking session.
var ErrSessionRejected = errors.New("identity: linking session rejected")

// State is the linking attempt state. Approved, Expired and Error are
// terminal; the first terminal transition wins.
type State uint8

const (
	StateInit State = iota
	StateRequesting
	StateWaiting
	StateApproved
	StateExpired
	StateError
)

// Terminal reports whether the state is final for this attempt.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateExpired || s == StateError
}

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequesting:
		return "requesting"
	case StateWaiting:
		return "waiting"
	case StateApproved:
		return "approved"
	case StateExpired:
		return "expired"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LinkingSession is one linking attempt: the relay-minted token, the
// requesting device, and the relay-authoritative expiry.
type LinkingSession struct {
	Token     string
	DeviceID  string
	ExpiresAt time.Time
}

// Relay is the slice of the relay API the linking protocol needs.
type Relay interface {
	StartLinking(ctx context.Context, devicePublicID, name string) (*relay.LinkingGrant, error)
	GetLinkingStatus(ctx context.Context, token string) (*relay.LinkingStatus, error)
}

// Linker drives the linking protocol for one device. At most one linking
// session is active at a time; starting a new one cancels the previous
// poll loop so duplicate status callbacks cannot fire.
type Linker struct {
	relay        Relay
	device       *DeviceIdentity
	store        Store
	pollInterval time.Duration

	mu         sync.Mutex
	state      State
	session    *LinkingSession
	cancel     context.CancelFunc
	onApproved func()
	fired      bool
	err        error
}

// NewLinker creates a linker for the device. store may be nil when the
// caller handles persistence itself.
func NewLinker(r Relay, device *DeviceIdentity, store Store) *Linker {
	return &Linker{
		relay:        r,
		device:       device,
		store:        store,
		pollInterval: DefaultPollInterval,
	}
}

// SetPollInterval overrides the status poll interval.
func (l *Linker) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

// State returns the current linking state.
func (l *Linker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the terminal error of the attempt, if any.
func (l *Linker) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// StartLinking requests a linking session from the relay and, on success,
// starts the poll loop and the expiry countdown. onApproved fires exactly
// once if the session is approved.
func (l *Linker) StartLinking(ctx context.Context, deviceName string, onApproved func()) (*LinkingSession, error) {
	l.mu.Lock()
	if l.cancel != nil {
		// A previous attempt is still waiting; its timers must stop
		// before a new session exists, or both could deliver callbacks.
		l.cancel()
		l.cancel = nil
	}
	l.state = StateRequesting
	l.session = nil
	l.err = nil
	l.fired = false
	l.mu.Unlock()

	grant, err := l.relay.StartLinking(ctx, l.device.DeviceID, deviceName)
	if err != nil {
		l.mu.Lock()
		l.state = StateError
		l.err = err
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to start linking: %w", err)
	}

	session := &LinkingSession{
		Token:     grant.Token,
		DeviceID:  l.device.DeviceID,
		ExpiresAt: grant.ExpiresAt,
	}

	flowCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.state = StateWaiting
	l.session = session
	l.cancel = cancel
	l.onApproved = onApproved
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "StartLinking",
		"device_id":  session.DeviceID[:8],
		"expires_at": session.ExpiresAt,
	}).Info("Linking session started, waiting for approval")

	go l.pollLoop(flowCtx, session)
	go l.countdown(flowCtx, session)

	return session, nil
}

// Cancel aborts the current attempt before a terminal state: timers stop,
// the session is discarded, and the device's trust is left unchanged. A
// no-op once a terminal state has been reached.
func (l *Linker) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Terminal() {
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.session = nil
	l.state = StateInit

	logrus.WithFields(logrus.Fields{
		"function":  "Cancel",
		"device_id": l.device.DeviceID[:8],
	}).Info("Linking attempt cancelled")
}

// pollLoop polls the relay at a fixed interval until the attempt reaches a
// terminal state or the flow context is cancelled. Poll errors are logged
// and retried on the next tick; only explicit relay responses transition
// state.
func (l *Linker) pollLoop(ctx context.Context, session *LinkingSession) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := l.relay.GetLinkingStatus(ctx, session.Token)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "pollLoop",
					"error":    err,
				}).Warn("Linking status poll failed, will retry")
				continue
			}

			switch {
			case status.Approved:
				l.approve(session)
				return
			case status.Expired:
				l.terminate(session, StateExpired, ErrSessionExpired)
				return
			case status.Rejected:
				l.terminate(session, StateError, ErrSessionRejected)
				return
			}
		}
	}
}

// countdown enforces the session expiry locally for responsiveness. The
// relay stays authoritative: an approval that arrives before this timer
// fires is accepted even if the wall clock has passed ExpiresAt.
func (l *Linker) countdown(ctx context.Context, session *LinkingSession) {
	timer := time.NewTimer(time.Until(session.ExpiresAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		l.terminate(session, StateExpired, ErrSessionExpired)
	}
}

// approve handles the first approved poll response: the device becomes
// trusted, the identity is persisted, timers stop, and the success
// callback fires exactly once. Ignored when a terminal state was already
// reached or the session was superseded.
func (l *Linker) approve(session *LinkingSession) {
	l.mu.Lock()
	if l.session != session || l.state.Terminal() {
		l.mu.Unlock()
		return
	}

	l.state = StateApproved
	l.device.Trusted = true
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	var callback func()
	if !l.fired {
		l.fired = true
		callback = l.onApproved
	}
	store := l.store
	device := l.device
	l.mu.Unlock()

	if store != nil {
		if err := store.SaveIdentity(device); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "approve",
				"error":    err,
			}).Error("Failed to persist trusted identity")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "approve",
		"device_id": device.DeviceID[:8],
	}).Info("Device linking approved, device is now trusted")

	if callback != nil {
		callback()
	}
}

// terminate moves the attempt to a non-approved terminal state. The first
// terminal transition wins; later ones are ignored. Trust is never
// regressed here.
func (l *Linker) terminate(session *LinkingSession, state State, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != session || l.state.Terminal() {
		return
	}

	l.state = state
	l.err = cause
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "terminate",
		"device_id": l.device.DeviceID[:8],
		"state":     state.String(),
	}).Info("Linking attempt ended")
}
