// Package media owns the local capture tracks and keeps every peer link's
// senders in step with them.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"duocall/core/internal/config"
	"duocall/core/internal/domain"
	"duocall/core/internal/events"
	"duocall/core/internal/loop"
	"duocall/core/internal/peer"
	rtc "duocall/core/internal/webrtc"
)

// PurposeMediaCheck keys the check that outgoing video made it into the
// local description.
const PurposeMediaCheck loop.Purpose = "media-check"

var (
	// ErrAcquire wraps capture failures.
	ErrAcquire = errors.New("media: acquire failed")
	// ErrStopped is returned once the event loop has shut down.
	ErrStopped = errors.New("media: loop stopped")
)

// Capturer acquires hardware tracks.
type Capturer interface {
	Microphone(ctx context.Context) (domain.LocalTrack, error)
	Camera(ctx context.Context, profile domain.VideoProfile) (domain.LocalTrack, error)
	// Screen starts a display capture. onEnded is called when the source
	// goes away on its own.
	Screen(ctx context.Context, onEnded func()) (domain.LocalTrack, error)
}

// Manager holds at most one track per source. Track fields are owned by the
// loop; public methods must not be called from it.
type Manager struct {
	capturer Capturer
	loop     *loop.Loop
	registry *peer.Registry
	bus      *events.Bus
	timings  config.Timings
	log      *zap.Logger

	// opMu serializes hardware operations so a source is never acquired
	// twice.
	opMu sync.Mutex

	mic           domain.LocalTrack
	camera        domain.LocalTrack
	cameraProfile domain.VideoProfile
	screen        domain.LocalTrack
	screenDone    chan struct{}
	kind          domain.VideoKind
	forceOffer    func(peerID string) error
}

// NewManager creates a manager with nothing captured.
func NewManager(capturer Capturer, l *loop.Loop, registry *peer.Registry, bus *events.Bus, timings config.Timings, log *zap.Logger) *Manager {
	return &Manager{
		capturer: capturer,
		loop:     l,
		registry: registry,
		bus:      bus,
		timings:  timings,
		log:      log.Named("media"),
		kind:     domain.VideoNone,
	}
}

// SetRenegotiator installs the forced-offer call used by the media check.
func (m *Manager) SetRenegotiator(fn func(peerID string) error) {
	m.forceOffer = fn
}

// VideoKind returns the derived kind of outgoing video.
func (m *Manager) VideoKind() domain.VideoKind {
	kind := domain.VideoNone
	m.loop.Do(func() { kind = m.kind })
	return kind
}

// StartMicrophone captures the microphone and puts it on every audio line.
// A live microphone is returned as is.
func (m *Manager) StartMicrophone(ctx context.Context) (domain.LocalTrack, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var live domain.LocalTrack
	if !m.loop.Do(func() { live = m.mic }) {
		return nil, ErrStopped
	}
	if live != nil {
		return live, nil
	}

	track, err := m.capturer.Microphone(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %w", ErrAcquire, err)
	}
	ok := m.loop.Do(func() {
		m.mic = track
		for _, link := range m.registry.Links() {
			if err := link.AttachAudio(track); err != nil {
				m.log.Warn("attach microphone", zap.String("peer", link.PeerID), zap.Error(err))
			}
		}
	})
	if !ok {
		track.Close()
		return nil, ErrStopped
	}
	m.log.Info("microphone started")
	return track, nil
}

// StopMicrophone detaches and releases the microphone.
func (m *Manager) StopMicrophone() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var track domain.LocalTrack
	m.loop.Do(func() {
		track, m.mic = m.mic, nil
		if track == nil {
			return
		}
		for _, link := range m.registry.Links() {
			if err := link.AttachAudio(nil); err != nil {
				m.log.Warn("detach microphone", zap.String("peer", link.PeerID), zap.Error(err))
			}
		}
	})
	m.release(track, "microphone")
}

// StartCamera captures the camera, reduced while a screen share is live,
// and sends it to every peer. A live camera is returned as is.
func (m *Manager) StartCamera(ctx context.Context) (domain.LocalTrack, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var (
		live    domain.LocalTrack
		sharing bool
	)
	if !m.loop.Do(func() { live, sharing = m.camera, m.screen != nil }) {
		return nil, ErrStopped
	}
	if live != nil {
		return live, nil
	}

	profile := domain.ProfileFull
	if sharing {
		profile = domain.ProfileReduced
	}
	track, err := m.capturer.Camera(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %w", ErrAcquire, err)
	}
	ok := m.loop.Do(func() {
		m.camera, m.cameraProfile = track, profile
		m.attachVideo()
		m.publishKind(track)
	})
	if !ok {
		track.Close()
		return nil, ErrStopped
	}
	m.log.Info("camera started", zap.Int("width", profile.Width), zap.Int("height", profile.Height))
	return track, nil
}

// StopCamera detaches and releases the camera.
func (m *Manager) StopCamera() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var track domain.LocalTrack
	m.loop.Do(func() {
		track, m.camera = m.camera, nil
		if track == nil {
			return
		}
		m.attachVideo()
		m.publishKind(m.screen)
	})
	m.release(track, "camera")
}

// ToggleCamera starts the camera when off and stops it when on. It reports
// whether the camera is live afterwards.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	var live bool
	if !m.loop.Do(func() { live = m.camera != nil }) {
		return false, ErrStopped
	}
	if live {
		m.StopCamera()
		return false, nil
	}
	if _, err := m.StartCamera(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// StartScreenShare captures the display and sends it on a separate video
// line. A live camera is re-acquired at the reduced profile.
func (m *Manager) StartScreenShare(ctx context.Context) (domain.LocalTrack, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var live domain.LocalTrack
	if !m.loop.Do(func() { live = m.screen }) {
		return nil, ErrStopped
	}
	if live != nil {
		return live, nil
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	track, err := m.capturer.Screen(ctx, func() { endOnce.Do(func() { close(ended) }) })
	if err != nil {
		return nil, fmt.Errorf("%w: screen: %w", ErrAcquire, err)
	}
	done := make(chan struct{})
	ok := m.loop.Do(func() {
		m.screen, m.screenDone = track, done
		m.attachVideo()
		m.publishKind(track)
	})
	if !ok {
		track.Close()
		return nil, ErrStopped
	}
	m.log.Info("screen share started")

	go func() {
		select {
		case <-ended:
			m.log.Info("screen source ended")
			m.stopScreen(track)
		case <-done:
		case <-m.loop.Done():
		}
	}()

	m.adaptCamera(ctx, domain.ProfileReduced)
	return track, nil
}

// StopScreenShare releases the screen track and restores the camera to the
// full profile.
func (m *Manager) StopScreenShare() {
	m.stopScreen(nil)
}

// ToggleScreenShare flips the screen share. It reports whether sharing is
// live afterwards.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	var live bool
	if !m.loop.Do(func() { live = m.screen != nil }) {
		return false, ErrStopped
	}
	if live {
		m.StopScreenShare()
		return false, nil
	}
	if _, err := m.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// stopScreen stops the share if it is still expected, or any share when
// expected is nil.
func (m *Manager) stopScreen(expected domain.LocalTrack) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var track domain.LocalTrack
	m.loop.Do(func() {
		if m.screen == nil || (expected != nil && m.screen != expected) {
			return
		}
		track, m.screen = m.screen, nil
		close(m.screenDone)
		m.screenDone = nil
		m.attachVideo()
		m.publishKind(m.camera)
	})
	if track == nil {
		return
	}
	m.release(track, "screen")
	m.adaptCamera(context.Background(), domain.ProfileFull)
}

// adaptCamera swaps a live camera for one captured at profile. On failure
// the current camera keeps running. Callers hold opMu.
func (m *Manager) adaptCamera(ctx context.Context, profile domain.VideoProfile) {
	var (
		live    domain.LocalTrack
		current domain.VideoProfile
	)
	if !m.loop.Do(func() { live, current = m.camera, m.cameraProfile }) || live == nil || current == profile {
		return
	}

	track, err := m.capturer.Camera(ctx, profile)
	if err != nil {
		m.log.Warn("camera adaptation failed, keeping current profile", zap.Error(err))
		return
	}
	var old domain.LocalTrack
	ok := m.loop.Do(func() {
		if m.camera != live {
			return
		}
		old = m.camera
		m.camera, m.cameraProfile = track, profile
		m.attachVideo()
		m.publishKind(track)
	})
	if !ok || old == nil {
		track.Close()
		return
	}
	m.release(old, "camera")
	m.log.Info("camera adapted", zap.Int("width", profile.Width), zap.Float32("fps", profile.FrameRate))
}

// AttachLocal puts the current tracks on link's lines. It runs on the loop.
func (m *Manager) AttachLocal(link *peer.Link) error {
	return errors.Join(
		link.AttachAudio(m.mic),
		link.AttachVideo(m.camera),
		link.AttachScreen(m.screen),
	)
}

// attachVideo syncs the video lines of every link and schedules the media
// check and the watchdog. It runs on the loop.
func (m *Manager) attachVideo() {
	for _, link := range m.registry.Links() {
		if err := errors.Join(link.AttachVideo(m.camera), link.AttachScreen(m.screen)); err != nil {
			m.log.Warn("attach video", zap.String("peer", link.PeerID), zap.Error(err))
			continue
		}
		if link.SendingVideoLines() == 0 {
			continue
		}
		m.scheduleMediaCheck(link.PeerID)
		m.registry.ArmVideoWatchdog(link.PeerID)
	}
}

// scheduleMediaCheck forces an offer if the local description still lacks
// a sending section for every attached video track. Some engines do not
// fire negotiation-needed when a line is promoted.
func (m *Manager) scheduleMediaCheck(peerID string) {
	m.loop.After(loop.Key{Scope: peerID, Purpose: PurposeMediaCheck}, m.timings.MediaCheck, func() {
		link, ok := m.registry.Get(peerID)
		if !ok {
			return
		}
		want := link.SendingVideoLines()
		have := rtc.SendingVideoSections(link.Conn.LocalDescription())
		if have >= want {
			return
		}
		m.log.Info("outgoing video missing from local description, forcing offer",
			zap.String("peer", peerID), zap.Int("want", want), zap.Int("have", have))
		if m.forceOffer == nil {
			return
		}
		if err := m.forceOffer(peerID); err != nil {
			m.log.Warn("forced offer", zap.String("peer", peerID), zap.Error(err))
		}
	})
}

// publishKind recomputes the video kind and announces it with track, the
// video track that changed most recently.
func (m *Manager) publishKind(track domain.LocalTrack) {
	m.kind = domain.DeriveVideoKind(m.camera != nil, m.screen != nil)
	m.bus.Publish(events.VideoKindChanged{Kind: m.kind, Track: track})
}

// Close releases every track.
func (m *Manager) Close() {
	m.CloseIf(nil)
}

// CloseIf releases every track when idle, evaluated on the loop, reports
// true. A nil idle always closes. opMu is held from the check until the
// tracks are released, so a source started after the check survives.
func (m *Manager) CloseIf(idle func() bool) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var mic, camera, screen domain.LocalTrack
	closed := false
	m.loop.Do(func() {
		if idle != nil && !idle() {
			return
		}
		closed = true
		mic, camera, screen = m.mic, m.camera, m.screen
		m.mic, m.camera, m.screen = nil, nil, nil
		if m.screenDone != nil {
			close(m.screenDone)
			m.screenDone = nil
		}
		for _, link := range m.registry.Links() {
			if err := link.AttachAudio(nil); err != nil {
				m.log.Warn("detach microphone", zap.String("peer", link.PeerID), zap.Error(err))
			}
		}
		if camera != nil || screen != nil {
			m.attachVideo()
			m.publishKind(nil)
		}
	})
	m.release(screen, "screen")
	m.release(camera, "camera")
	m.release(mic, "microphone")
	return closed
}

func (m *Manager) release(track domain.LocalTrack, source string) {
	if track == nil {
		return
	}
	if err := track.Close(); err != nil {
		m.log.Warn("release track", zap.String("source", source), zap.Error(err))
		return
	}
	m.log.Info("track released", zap.String("source", source))
}
