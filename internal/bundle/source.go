package bundle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/avatarstream/internal/utils"
)

const megabyte = 1024 * 1024

// LoadSource decodes the preparation source. A directory is read as an
// image sequence in lexical file-name order; anything else is treated as a
// video and decoded through ffmpeg.
func LoadSource(ctx context.Context, path string) ([]image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadImageDir(path)
	}
	return loadVideo(ctx, path)
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func loadImageDir(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no png/jpeg images in %s", dir)
	}
	frames := make([]image.Image, 0, len(names))
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func loadVideo(ctx context.Context, path string) ([]image.Image, error) {
	ffmpeg := utils.NewFFmpegCmd(ctx, path)
	var stderr bytes.Buffer
	ffmpeg.Stderr = &stderr
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	var frames []image.Image
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			ffmpeg.Process.Kill()
			ffmpeg.Wait()
			return nil, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}
		frames = append(frames, img)
	}
	scanErr := scanner.Err()
	if err := ffmpeg.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames decoded from %s", path)
	}
	return frames, nil
}
