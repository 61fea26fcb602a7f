package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// FormatVersion is bumped whenever the artifact layout or preparation
// semantics change, invalidating every persisted bundle.
const FormatVersion = 2

// CropSize is the edge length of the square face crop fed to the encoder.
const CropSize = 256

// Parsing modes understood by the mask generator.
const (
	ParsingJaw = "jaw"
	ParsingRaw = "raw"
)

// Params are the preparation parameters that affect bundle content.
type Params struct {
	BBoxShift       int    `yaml:"bbox_shift"`
	ExtraMargin     int    `yaml:"extra_margin"`
	ParsingMode     string `yaml:"parsing_mode"`
	LeftCheekWidth  int    `yaml:"left_cheek_width"`
	RightCheekWidth int    `yaml:"right_cheek_width"`
}

// DefaultParams mirrors the CLI defaults.
func DefaultParams() Params {
	return Params{
		ExtraMargin:     10,
		ParsingMode:     ParsingJaw,
		LeftCheekWidth:  90,
		RightCheekWidth: 90,
	}
}

// Validate rejects parameter combinations the preparation pipeline cannot use.
func (p Params) Validate() error {
	if p.ExtraMargin < 0 {
		return fmt.Errorf("extra margin must be >= 0, got %d", p.ExtraMargin)
	}
	if p.ParsingMode != ParsingJaw && p.ParsingMode != ParsingRaw {
		return fmt.Errorf("unknown parsing mode %q", p.ParsingMode)
	}
	if p.LeftCheekWidth < 0 || p.RightCheekWidth < 0 {
		return fmt.Errorf("cheek widths must be >= 0")
	}
	return nil
}

// Fingerprint hashes the source reference and every content-affecting
// parameter. Two calls agree iff a cached bundle may be reused.
func Fingerprint(source string, p Params) string {
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	h := sha256.New()
	fmt.Fprintf(h, "v=%d\nsource=%s\nbbox_shift=%d\nextra_margin=%d\nparsing_mode=%s\nleft_cheek=%d\nright_cheek=%d\n",
		FormatVersion, source, p.BBoxShift, p.ExtraMargin, p.ParsingMode, p.LeftCheekWidth, p.RightCheekWidth)
	return hex.EncodeToString(h.Sum(nil))
}
