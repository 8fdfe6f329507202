// Package device captures microphone, camera and screen through
// mediadevices. It needs cgo with libvpx and libopus, so it stays apart from
// the media package and its tests.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"duocall/core/internal/domain"
)

// Capturer captures from local devices and implements media.Capturer.
// Drivers are registered by blank imports in the binary.
type Capturer struct {
	selector *mediadevices.CodecSelector
	log      *zap.Logger
}

// NewCapturer sets up VP8 and Opus encoders tuned for calls.
func NewCapturer(log *zap.Logger) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.Named("capture"),
	}, nil
}

// RegisterCodecs fills m with the encoders the capturer produces. It
// matches webrtc.CodecRegistrar.
func (c *Capturer) RegisterCodecs(m *pion.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *Capturer) Microphone(ctx context.Context) (domain.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
			mc.SampleSize = prop.Int(16)
			mc.IsFloat = prop.BoolExact(false)
			mc.IsBigEndian = prop.BoolExact(false)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	track, err := first(stream.GetAudioTracks(), "audio")
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (c *Capturer) Camera(ctx context.Context, profile domain.VideoProfile) (domain.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(profile.Width)
			mc.Height = prop.Int(profile.Height)
			mc.FrameRate = prop.Float(profile.FrameRate)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	track, err := first(stream.GetVideoTracks(), "video")
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (c *Capturer) Screen(ctx context.Context, onEnded func()) (domain.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(15)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	track, err := first(stream.GetVideoTracks(), "display")
	if err != nil {
		return nil, err
	}
	track.OnEnded(func(err error) {
		c.log.Info("display track ended", zap.Error(err))
		onEnded()
	})
	return track, nil
}

func first(tracks []mediadevices.Track, kind string) (mediadevices.Track, error) {
	if len(tracks) == 0 {
		return nil, errors.New("no " + kind + " track")
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return tracks[0], nil
}
