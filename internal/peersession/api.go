package peersession

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/heartbeam/calling/internal/media"
)

// newAPI builds a webrtc.API whose MediaEngine matches the tracks the
// provider produces. The ICE timeouts are generous so a brief NAT or relay
// hiccup does not end the call.
func newAPI(provider media.Provider, logger *slog.Logger) (*webrtc.API, error) {
	mediaEngine, err := provider.MediaEngine()
	if err != nil {
		return nil, fmt.Errorf("build media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(logger),
	}
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
