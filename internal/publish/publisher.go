// Package publish delivers composited frames over NATS.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"time"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix roots every frame subject: avatar.<identity>.frames.
const SubjectPrefix = "avatar"

// Subject returns the frame subject for an identity.
func Subject(identity string) string {
	return fmt.Sprintf("%s.%s.frames", SubjectPrefix, identity)
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// FrameMessage is the JSON envelope published for every frame.
type FrameMessage struct {
	StreamID  string `json:"stream_id"`
	Identity  string `json:"identity"`
	Index     uint64 `json:"index"`
	Idle      bool   `json:"idle"`
	Fallback  bool   `json:"fallback"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher encodes frames as JPEG and publishes them.
type Publisher struct {
	conn     Conn
	streamID string
	quality  int
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option { return func(p *Publisher) { p.quality = q } }

// WithStreamID pins the stream id instead of generating one.
func WithStreamID(id string) Option { return func(p *Publisher) { p.streamID = id } }

// New creates a Publisher over an established connection.
func New(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{
		conn:     conn,
		streamID: uuid.NewString(),
		quality:  85,
		now:      time.Now,
		log:      logging.Named("publish"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials NATS at url, falling back to NATS_URL and then the local
// default. The connection retries forever in the background.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv("NATS_URL")
	}
	if url == "" {
		url = nats.DefaultURL
	}
	log := logging.Named("publish")
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// StreamID identifies this publisher's stream to subscribers.
func (p *Publisher) StreamID() string { return p.streamID }

// PublishFrame publishes one streaming frame.
func (p *Publisher) PublishFrame(f avatar.Frame) error {
	return p.publish(f.Identity, f.Index, f.Image, f.Idle, f.Fallback)
}

func (p *Publisher) publish(identity string, index uint64, img *image.RGBA, idle, fallback bool) error {
	if img == nil {
		return fmt.Errorf("frame %d of %s has no image", index, identity)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", index, err)
	}
	b := img.Bounds()
	msg := FrameMessage{
		StreamID:  p.streamID,
		Identity:  identity,
		Index:     index,
		Idle:      idle,
		Fallback:  fallback,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    "jpeg",
		Data:      buf.Bytes(),
		Timestamp: p.now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame message: %w", err)
	}
	subject := Subject(identity)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.log.Debug("frame published", zap.String("subject", subject), zap.Uint64("index", index), zap.Int("bytes", len(data)))
	return nil
}

// Sink adapts the publisher to an utterance pipeline for identity.
func (p *Publisher) Sink(identity string) avatar.Sink {
	return avatar.SinkFunc(func(_ context.Context, index uint64, frame *image.RGBA) error {
		return p.publish(identity, index, frame, false, false)
	})
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}
