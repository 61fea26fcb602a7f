package bundle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"time"

	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/storage"
	"go.uber.org/zap"
)

// SourceLoader decodes a preparation source into frames.
type SourceLoader func(ctx context.Context, path string) ([]image.Image, error)

// Cache is the prepare-or-load front end over a FileStore.
type Cache struct {
	store    storage.FileStore
	models   Models
	load     SourceLoader
	progress ProgressFunc
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithProgress reports per-frame preparation progress.
func WithProgress(fn ProgressFunc) Option { return func(c *Cache) { c.progress = fn } }

// WithSourceLoader replaces LoadSource.
func WithSourceLoader(fn SourceLoader) Option { return func(c *Cache) { c.load = fn } }

// WithLogger sets the logger used for cache decisions.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// WithClock overrides the manifest timestamp source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// NewCache creates a Cache persisting to store.
func NewCache(store storage.FileStore, models Models, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		models: models,
		load:   LoadSource,
		log:    logging.Named("bundle"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Loaded is the result of PrepareOrLoad.
type Loaded struct {
	Bundle      *Bundle
	Manifest    *Manifest
	Regenerated bool
	// Reason explains why the bundle was regenerated; empty on a cache hit.
	Reason string
}

// PrepareOrLoad returns the bundle for identity, regenerating it when force
// is set, when the persisted bundle is absent or incomplete, or when its
// fingerprint differs from the one derived from source and p. A cache hit
// performs no writes and runs none of the preparation models.
func (c *Cache) PrepareOrLoad(ctx context.Context, identity, source string, p Params, force bool) (*Loaded, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPreparation, identity, err)
	}
	fp := Fingerprint(source, p)

	reason := "forced"
	if !force {
		b, m, why := c.tryLoad(ctx, identity, fp)
		if why == "" {
			c.log.Debug("bundle cache hit", zap.String("identity", identity), zap.Int("frames", b.Len()))
			return &Loaded{Bundle: b, Manifest: m}, nil
		}
		reason = why
	}

	logging.LogBundleEvent(identity, "regenerate", zap.String("reason", reason))
	b, m, err := c.regenerate(ctx, identity, source, p, fp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPreparation, identity, err)
	}
	return &Loaded{Bundle: b, Manifest: m, Regenerated: true, Reason: reason}, nil
}

// Load reads a persisted bundle without any fingerprint comparison.
func (c *Cache) Load(ctx context.Context, identity string) (*Bundle, *Manifest, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, nil, err
	}
	m, err := readManifest(ctx, c.store, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrIncomplete, identity, err)
	}
	b, err := c.readBundle(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	return b, m, nil
}

// Manifest reads only the descriptor of a persisted bundle.
func (c *Cache) Manifest(ctx context.Context, identity string) (*Manifest, error) {
	return readManifest(ctx, c.store, identity)
}

// Remove deletes every artifact of identity.
func (c *Cache) Remove(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	return c.store.DeleteAll(ctx, identity)
}

// tryLoad returns the persisted bundle, or a non-empty reason it cannot be used.
func (c *Cache) tryLoad(ctx context.Context, identity, fp string) (*Bundle, *Manifest, string) {
	m, err := readManifest(ctx, c.store, identity)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil, "absent"
	case err != nil:
		return nil, nil, "unreadable manifest: " + err.Error()
	case m.Identity != identity:
		return nil, nil, fmt.Sprintf("manifest identity %q", m.Identity)
	case m.FormatVersion != FormatVersion:
		return nil, nil, fmt.Sprintf("format version %d", m.FormatVersion)
	case m.Fingerprint != fp:
		return nil, nil, "fingerprint changed"
	}
	b, err := c.readBundle(ctx, m)
	if err != nil {
		return nil, nil, err.Error()
	}
	return b, m, ""
}

func (c *Cache) readBundle(ctx context.Context, m *Manifest) (*Bundle, error) {
	if missing := m.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: manifest lacks %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	blobs := make(map[string][]byte, len(requiredArtifacts))
	for _, name := range requiredArtifacts {
		a, _ := m.artifact(name)
		data, err := readAll(ctx, c.store, artifactPath(m.Identity, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrIncomplete, name, err)
		}
		if int64(len(data)) != a.Size || checksum(data) != a.SHA256 {
			return nil, fmt.Errorf("%w: %s checksum mismatch", ErrIncomplete, name)
		}
		blobs[name] = data
	}
	b, err := decodeArtifacts(blobs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Len() != m.FrameCount {
		return nil, fmt.Errorf("%w: %d frames, manifest says %d", ErrIncomplete, b.Len(), m.FrameCount)
	}
	return b, nil
}

func (c *Cache) regenerate(ctx context.Context, identity, source string, p Params, fp string) (*Bundle, *Manifest, error) {
	if err := c.store.DeleteAll(ctx, identity); err != nil {
		return nil, nil, fmt.Errorf("discard old bundle: %w", err)
	}
	sources, err := c.load(ctx, source)
	if err != nil {
		return nil, nil, fmt.Errorf("load source %s: %w", source, err)
	}
	b, err := Prepare(ctx, c.models, sources, p, c.progress)
	if err != nil {
		return nil, nil, err
	}
	m, err := c.persist(ctx, identity, source, p, fp, b)
	if err != nil {
		return nil, nil, fmt.Errorf("persist: %w", err)
	}
	c.log.Info("bundle prepared",
		zap.String("identity", identity),
		zap.Int("source_frames", len(sources)),
		zap.Int("cycle_length", b.Len()))
	return b, m, nil
}

// persist writes every artifact, then the manifest. A crash before the
// manifest lands leaves a bundle that tryLoad reports as absent.
func (c *Cache) persist(ctx context.Context, identity, source string, p Params, fp string, b *Bundle) (*Manifest, error) {
	blobs, err := encodeArtifacts(b)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		Identity:      identity,
		Source:        source,
		Params:        p,
		FormatVersion: FormatVersion,
		Fingerprint:   fp,
		FrameCount:    b.Len(),
		CreatedAt:     c.now().UTC(),
	}
	for _, name := range requiredArtifacts {
		a, err := writeAll(ctx, c.store, artifactPath(identity, name), blobs[name])
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		a.File = name
		m.Artifacts = append(m.Artifacts, a)
	}
	if err := writeManifest(ctx, c.store, m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// ValidateIdentity rejects names that cannot be used as a storage prefix.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return errors.New("avatar identity is required")
	}
	if strings.ContainsAny(identity, `/\`) || identity == "." || identity == ".." {
		return fmt.Errorf("invalid avatar identity %q", identity)
	}
	return nil
}
