package media

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSyntheticProviderAudioOnly(t *testing.T) {
	src, err := SyntheticProvider{}.NewSource(false)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Close()

	tracks := src.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("len(tracks) = %d, want 1", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("track kind = %v, want audio", tracks[0].Kind())
	}
}

func TestSyntheticProviderWithVideo(t *testing.T) {
	src, err := SyntheticProvider{}.NewSource(true)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Close()

	tracks := src.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("len(tracks) = %d, want 2", len(tracks))
	}
	kinds := map[webrtc.RTPCodecType]bool{}
	for _, track := range tracks {
		kinds[track.Kind()] = true
	}
	if !kinds[webrtc.RTPCodecTypeAudio] || !kinds[webrtc.RTPCodecTypeVideo] {
		t.Errorf("track kinds = %v, want audio and video", kinds)
	}
}

func TestSyntheticSourceCloseIdempotent(t *testing.T) {
	src, err := SyntheticProvider{}.NewSource(true)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSyntheticProviderMediaEngine(t *testing.T) {
	if _, err := (SyntheticProvider{}).MediaEngine(); err != nil {
		t.Fatalf("MediaEngine: %v", err)
	}
}
