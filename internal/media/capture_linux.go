//go:build linux && cgo

package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureProvider captures camera and microphone through V4L2 and malgo,
// encoding with VP8 and Opus.
type CaptureProvider struct {
	selector *mediadevices.CodecSelector
}

func NewCaptureProvider() (*CaptureProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureProvider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (p *CaptureProvider) MediaEngine() (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	p.selector.Populate(me)
	return me, nil
}

func (p *CaptureProvider) NewSource(wantVideo bool) (Source, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Higher resolutions push VP8 encoding latency past what a
			// real-time call tolerates.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return &deviceSource{stream: stream}, nil
}

type deviceSource struct {
	stream    mediadevices.MediaStream
	closeOnce sync.Once
}

func (s *deviceSource) Tracks() []webrtc.TrackLocal {
	mdTracks := s.stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
	for _, track := range mdTracks {
		tracks = append(tracks, track)
	}
	return tracks
}

func (s *deviceSource) Close() error {
	s.closeOnce.Do(func() {
		for _, track := range s.stream.GetTracks() {
			_ = track.Close()
		}
	})
	return nil
}
