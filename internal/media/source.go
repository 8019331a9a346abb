// Package media acquires and releases the local camera and microphone via
// pion/mediadevices.
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
	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

const videoBitRate = 1_500_000 // 1.5 Mbps

// Source captures local tracks with VP8 video and Opus audio. Implements
// domain.MediaSource.
type Source struct {
	selector *mediadevices.CodecSelector
}

// NewSource builds the codec selector shared by every acquisition and by the
// peer connections that carry the resulting tracks.
func NewSource() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Source{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// CodecSelector exposes the selector so a peer's MediaEngine can be
// populated with the same codecs the tracks are encoded with.
func (s *Source) CodecSelector() *mediadevices.CodecSelector {
	return s.selector
}

// Acquire opens the microphone, plus the camera when video is true. The
// returned handle exclusively owns the hardware until released.
func (s *Source) Acquire(video bool) (domain.MediaHandle, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node producing
			// malformed frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &domain.MediaAccessError{Err: err}
	}

	tracks := stream.GetTracks()
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Debug().Err(err).Msg("local track ended")
			}
		})
	}
	log.Info().Int("tracks", len(tracks)).Bool("video", video).Msg("local media acquired")

	return &Handle{tracks: tracks, hasVideo: video}, nil
}

// Handle owns one acquired set of live tracks. Implements domain.MediaHandle.
type Handle struct {
	tracks   []mediadevices.Track
	hasVideo bool
	once     sync.Once
}

// HasVideo reports whether the handle carries a camera track.
func (h *Handle) HasVideo() bool { return h.hasVideo }

// Tracks returns the owned tracks for attachment to a peer connection.
func (h *Handle) Tracks() []mediadevices.Track { return h.tracks }

// Release stops every track and returns the hardware to the OS. Idempotent.
func (h *Handle) Release() {
	h.once.Do(func() {
		for _, t := range h.tracks {
			if err := t.Close(); err != nil {
				log.Debug().Err(err).Msg("close local track")
			}
		}
		log.Info().Msg("local media released")
	})
}
