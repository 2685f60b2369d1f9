package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEncoder(t *testing.T) {
	tests := []struct {
		input    string
		expected Encoder
		ok       bool
	}{
		{"libx264", EncoderX264, true},
		{"x264", EncoderX264, true},
		{"LIBX264", EncoderX264, true},
		{" pi ", EncoderV4L2M2M, true},
		{"h264_v4l2m2m", EncoderV4L2M2M, true},
		{"omx", EncoderOMX, true},
		{"vaapi", EncoderVAAPI, true},
		{"", "", false},
		{"libx265", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseEncoder(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncoderArgs(t *testing.T) {
	tests := []struct {
		name    string
		enc     Encoder
		quality int
		bitrate int
		want    []string
	}{
		{
			name:    "x264 crf",
			enc:     EncoderX264,
			quality: 25,
			bitrate: 17000000,
			want: []string{
				"-c:v", "libx264", "-crf", "25",
				"-maxrate", "17000000", "-bufsize", "34000000",
				"-preset", "veryfast", "-tune", "zerolatency",
			},
		},
		{
			name:    "v4l2m2m bitrate only",
			enc:     EncoderV4L2M2M,
			quality: 25,
			bitrate: 4000000,
			want: []string{
				"-c:v", "h264_v4l2m2m",
				"-maxrate", "4000000", "-bufsize", "8000000", "-b:v", "4000000",
			},
		},
		{
			name:    "vaapi qp without bitrate",
			enc:     EncoderVAAPI,
			quality: 30,
			want:    []string{"-c:v", "h264_vaapi", "-qp", "30"},
		},
		{
			name:    "unknown falls back to x264",
			enc:     Encoder("nope"),
			quality: 20,
			want:    []string{"-c:v", "libx264", "-crf", "20", "-preset", "veryfast", "-tune", "zerolatency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncoderArgs(tt.enc, tt.quality, tt.bitrate))
		})
	}
}
