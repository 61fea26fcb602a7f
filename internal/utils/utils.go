package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python / ffmpeg logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps worker logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 AVATARSTREAM ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine (Shared by Prepare & Infer) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetVideoFPS reads the average frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate", "-of", "default=noprint_wrappers=1:nokey=1", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseRate(strings.TrimSpace(string(out)))
}

// parseRate parses ffprobe rates like "25/1" or "29.97".
func parseRate(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("invalid frame rate %q", s)
		}
		return n / d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	return f, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output high quality MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// NewFFmpegEncodeCmd assembles a numbered PNG sequence (pattern like dir/%08d.png) into an H.264 video.
func NewFFmpegEncodeCmd(ctx context.Context, fps int, pattern, outPath string) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-y", "-v", "warning",
		"-r", strconv.Itoa(fps), "-f", "image2", "-i", pattern,
		"-vcodec", "libx264", "-vf", "format=yuv420p", "-crf", "18", outPath)
}

// NewFFmpegMuxCmd combines an audio track with a video into outPath.
func NewFFmpegMuxCmd(ctx context.Context, audioPath, videoPath, outPath string) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-y", "-v", "warning", "-i", audioPath, "-i", videoPath, outPath)
}

// MuxVideo runs the two ffmpeg steps that turn a frame directory plus an audio
// file into a playable video. Output is not parsed; on failure the returned
// SafeCommand carries ffmpeg's stderr for the error box.
func MuxVideo(ctx context.Context, fps int, framesDir, audioPath, outPath string) (*SafeCommand, error) {
	tmpVideo := strings.TrimSuffix(outPath, ".mp4") + ".video-only.mp4"
	defer os.Remove(tmpVideo)

	enc := NewFFmpegEncodeCmd(ctx, fps, framesDir+"/%08d.png", tmpVideo)
	if err := enc.Run(); err != nil {
		return enc, fmt.Errorf("ffmpeg image sequence encode failed: %w", err)
	}
	mux := NewFFmpegMuxCmd(ctx, audioPath, tmpVideo, outPath)
	if err := mux.Run(); err != nil {
		return mux, fmt.Errorf("ffmpeg audio mux failed: %w", err)
	}
	return nil, nil
}
