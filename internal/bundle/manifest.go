package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/avatarstream/internal/storage"
	"gopkg.in/yaml.v3"
)

// Artifact file names inside an identity prefix. The manifest is written
// last; its presence is the single completeness marker.
const (
	LatentsFile       = "latents.msgpack"
	FaceBoxesFile     = "face_boxes.msgpack"
	MaskCropBoxesFile = "mask_crop_boxes.msgpack"
	FramesFile        = "frames.msgpack"
	MasksFile         = "masks.msgpack"
	ManifestFile      = "manifest.yaml"
)

// requiredArtifacts lists every file a complete bundle must carry.
var requiredArtifacts = []string{LatentsFile, FaceBoxesFile, MaskCropBoxesFile, FramesFile, MasksFile}

// Artifact records one persisted file and its checksum.
type Artifact struct {
	File   string `yaml:"file"`
	SHA256 string `yaml:"sha256"`
	Size   int64  `yaml:"size"`
}

// Manifest is the atomic bundle descriptor.
type Manifest struct {
	Identity      string     `yaml:"identity"`
	Source        string     `yaml:"source"`
	Params        Params     `yaml:"params"`
	FormatVersion int        `yaml:"format_version"`
	Fingerprint   string     `yaml:"fingerprint"`
	FrameCount    int        `yaml:"frame_count"`
	CreatedAt     time.Time  `yaml:"created_at"`
	Artifacts     []Artifact `yaml:"artifacts"`
}

// artifact returns the entry for name, if listed.
func (m *Manifest) artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.File == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// missing returns required artifacts the manifest does not list.
func (m *Manifest) missing() []string {
	var out []string
	for _, name := range requiredArtifacts {
		if _, ok := m.artifact(name); !ok {
			out = append(out, name)
		}
	}
	return out
}

func artifactPath(identity, name string) string { return identity + "/" + name }

func readManifest(ctx context.Context, fs storage.FileStore, identity string) (*Manifest, error) {
	data, err := readAll(ctx, fs, artifactPath(identity, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(ctx context.Context, fs storage.FileStore, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	_, err = writeAll(ctx, fs, artifactPath(m.Identity, ManifestFile), data)
	return err
}

func readAll(ctx context.Context, fs storage.FileStore, path string) ([]byte, error) {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// writeAll writes data and returns its manifest entry.
func writeAll(ctx context.Context, fs storage.FileStore, path string, data []byte) (Artifact, error) {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return Artifact{}, err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return Artifact{}, err
	}
	if err := w.Close(); err != nil {
		return Artifact{}, err
	}
	return Artifact{SHA256: checksum(data), Size: int64(len(data))}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
