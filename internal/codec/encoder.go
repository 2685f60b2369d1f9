// Package codec knows just enough about H.264 to feed the frame buffer: which
// ffmpeg encoder to use, how to split an Annex B byte stream into NAL units and
// which of those units a decoder can start from.
package codec

import (
	"strconv"
	"strings"
)

// Encoder is an ffmpeg H.264 encoder name.
type Encoder string

// Encoder constants.
const (
	EncoderX264    Encoder = "libx264"      // software
	EncoderV4L2M2M Encoder = "h264_v4l2m2m" // Raspberry Pi hardware encoder
	EncoderOMX     Encoder = "h264_omx"     // legacy Pi firmware encoder
	EncoderVAAPI   Encoder = "h264_vaapi"
)

// String returns the encoder name.
func (e Encoder) String() string {
	return string(e)
}

// rateControl describes how an encoder takes its quality setting.
type rateControl int

const (
	// rateControlCRF maps quality onto -crf.
	rateControlCRF rateControl = iota
	// rateControlQP maps quality onto -qp.
	rateControlQP
	// rateControlBitrate ignores quality and only honours -b:v.
	rateControlBitrate
)

type encoderInfo struct {
	Name    Encoder
	Aliases []string
	Rate    rateControl
	// Extra arguments every invocation needs.
	Extra []string
}

var encoderRegistry = map[Encoder]*encoderInfo{
	EncoderX264: {
		Name:    EncoderX264,
		Aliases: []string{"libx264", "x264", "software", "h264"},
		Rate:    rateControlCRF,
		Extra:   []string{"-preset", "veryfast", "-tune", "zerolatency"},
	},
	EncoderV4L2M2M: {
		Name:    EncoderV4L2M2M,
		Aliases: []string{"h264_v4l2m2m", "v4l2m2m", "pi"},
		Rate:    rateControlBitrate,
	},
	EncoderOMX: {
		Name:    EncoderOMX,
		Aliases: []string{"h264_omx", "omx"},
		Rate:    rateControlBitrate,
	},
	EncoderVAAPI: {
		Name:    EncoderVAAPI,
		Aliases: []string{"h264_vaapi", "vaapi"},
		Rate:    rateControlQP,
	},
}

var encoderAliasIndex map[string]Encoder

func init() {
	encoderAliasIndex = make(map[string]Encoder)
	for enc, info := range encoderRegistry {
		for _, alias := range info.Aliases {
			encoderAliasIndex[strings.ToLower(alias)] = enc
		}
	}
}

// ParseEncoder resolves an encoder name or alias.
func ParseEncoder(s string) (Encoder, bool) {
	if s == "" {
		return "", false
	}
	enc, ok := encoderAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return enc, ok
}

// EncoderArgs returns the ffmpeg output arguments selecting enc with the given
// quality (1..40, lower is better) and bitrate in bits per second.
func EncoderArgs(enc Encoder, quality, bitrate int) []string {
	info, ok := encoderRegistry[enc]
	if !ok {
		info = encoderRegistry[EncoderX264]
	}

	args := []string{"-c:v", string(info.Name)}
	switch info.Rate {
	case rateControlCRF:
		args = append(args, "-crf", strconv.Itoa(quality))
	case rateControlQP:
		args = append(args, "-qp", strconv.Itoa(quality))
	}
	if bitrate > 0 {
		args = append(args, "-maxrate", strconv.Itoa(bitrate), "-bufsize", strconv.Itoa(bitrate*2))
		if info.Rate == rateControlBitrate {
			args = append(args, "-b:v", strconv.Itoa(bitrate))
		}
	}
	return append(args, info.Extra...)
}
