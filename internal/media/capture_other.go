//go:build !linux || !cgo

package media

import (
	"github.com/pion/webrtc/v4"
)

// CaptureProvider is a stub on platforms without mediadevices drivers.
// Deployments there use SyntheticProvider or bring their own tracks.
type CaptureProvider struct{}

func NewCaptureProvider() (*CaptureProvider, error) {
	return &CaptureProvider{}, nil
}

func (p *CaptureProvider) MediaEngine() (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return me, nil
}

func (p *CaptureProvider) NewSource(bool) (Source, error) {
	return nil, ErrCaptureUnsupported
}
