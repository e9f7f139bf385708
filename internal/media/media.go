// Package media acquires the local tracks a call session publishes. Device
// capture goes through pion/mediadevices; a synthetic provider backs tests
// and headless deployments.
package media

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrCaptureUnsupported is returned when device capture is not available on
// this platform.
var ErrCaptureUnsupported = errors.New("media: device capture not supported on this platform")

// Source owns the local tracks for one call session. Close releases the
// underlying devices; it must be called on every session exit path and is
// safe to call more than once.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Provider builds sources and the MediaEngine whose codecs match them. The
// two must come from the same provider or SDP negotiation fails.
type Provider interface {
	MediaEngine() (*webrtc.MediaEngine, error)
	// NewSource acquires audio, plus video when wantVideo is set. A failure
	// to acquire any requested track is returned as is; callers abort the
	// call rather than degrade silently.
	NewSource(wantVideo bool) (Source, error)
}

// SyntheticProvider produces samples-capable tracks without touching any
// device. The tracks carry no frames unless the caller writes some, which
// is enough for negotiation.
type SyntheticProvider struct{}

func (SyntheticProvider) MediaEngine() (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	return me, nil
}

func (SyntheticProvider) NewSource(wantVideo bool) (Source, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "heartbeam-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	src := &SyntheticSource{audio: audio}
	if wantVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "heartbeam-video",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		src.video = video
	}
	return src, nil
}

type SyntheticSource struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

func (s *SyntheticSource) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *SyntheticSource) Close() error { return nil }

// WriteAudioSample pushes one sample to the synthetic audio track, for
// tests that want actual RTP flowing.
func (s *SyntheticSource) WriteAudioSample(sample media.Sample) error {
	return s.audio.WriteSample(sample)
}
