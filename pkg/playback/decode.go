package playback

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/teslashibe/go-voicelink/pkg/audioio"
	"github.com/teslashibe/go-voicelink/pkg/protocol"
)

// DefaultSampleRate is used for frames that declare no rate.
const DefaultSampleRate = 24000

// Frame is a decoded audio frame ready for a Player.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Duration returns how long the frame plays for.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Decode turns a backend audio payload into normalized float samples at the
// frame's own declared rate.
func Decode(p protocol.AudioPayload) (Frame, error) {
	if enc := strings.ToLower(p.Encoding); enc != "" && enc != "pcm16" {
		return Frame{}, &DecodeError{Reason: "unsupported encoding " + p.Encoding}
	}
	if base, _ := protocol.ParseAudioMime(p.MimeType); base != "" && base != "audio/pcm" {
		return Frame{}, &DecodeError{Reason: "unsupported mime type " + base}
	}
	if p.AudioData == "" {
		return Frame{}, &DecodeError{Reason: "empty audio data"}
	}

	raw, err := base64.StdEncoding.DecodeString(p.AudioData)
	if err != nil {
		return Frame{}, &DecodeError{Reason: "invalid base64", Err: err}
	}
	if len(raw)%2 != 0 {
		return Frame{}, &DecodeError{Reason: "odd PCM16 byte count"}
	}

	rate := p.Rate()
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return Frame{
		Samples:    audioio.SamplesToFloat32(audioio.BytesToSamples(raw)),
		SampleRate: rate,
	}, nil
}
