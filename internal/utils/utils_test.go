package utils

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9
	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	require.True(t, scanner.Scan(), "expected to find a token")
	assert.Equal(t, jpegData, scanner.Bytes())

	// The trailing garbage is not a JPEG
	assert.False(t, scanner.Scan(), "expected only one token")
	assert.NoError(t, scanner.Err())
}

func TestSplitJpeg_BackToBackFrames(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}
	stream := append(append([]byte{}, a...), b...)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{a, b}, got)
}

func TestSplitJpeg_TruncatedFrame(t *testing.T) {
	scanner := bufio.NewScanner(bytes.NewReader([]byte{0xFF, 0xD8, 0x01, 0x02}))
	scanner.Split(SplitJpeg)
	assert.False(t, scanner.Scan())
}

func TestNewFFmpegCaptureCmd(t *testing.T) {
	tests := []struct {
		name string
		in   CaptureInput
		want []string
	}{
		{
			name: "v4l2 camera with size and rate",
			in:   CaptureInput{Format: "v4l2", Device: "/dev/video0", Width: 1280, Height: 720, FPS: 15},
			want: []string{"ffmpeg", "-hide_banner", "-loglevel", "error",
				"-f", "v4l2", "-framerate", "15", "-video_size", "1280x720",
				"-i", "/dev/video0", "-f", "image2pipe", "-vcodec", "mjpeg", "-"},
		},
		{
			name: "probed file input",
			in:   CaptureInput{Device: "clip.mp4"},
			want: []string{"ffmpeg", "-hide_banner", "-loglevel", "error",
				"-i", "clip.mp4", "-f", "image2pipe", "-vcodec", "mjpeg", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewFFmpegCaptureCmd(context.Background(), tt.in)
			assert.Equal(t, tt.want, cmd.Args)
			assert.NotNil(t, cmd.Stderr)
		})
	}
}

func TestSafeCommandLogs(t *testing.T) {
	var nilCmd *SafeCommand
	assert.Equal(t, "", nilCmd.Logs())

	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.WriteString("boom")
	assert.Equal(t, "boom", cmd.Logs())
}
