package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

// DefaultKeyTemplate lays artifacts out by run, then job.
const DefaultKeyTemplate = "{run}/{job}/{filename}"

// Key template placeholders in addition to axis names.
const (
	KeyVarRun      = "run"
	KeyVarJob      = "job"
	KeyVarSlug     = "slug"
	KeyVarStage    = "stage"
	KeyVarFilename = "filename"
)

// Metadata keys attached to every published object.
const (
	MetaRunID  = "gomatrix-run-id"
	MetaJob    = "gomatrix-job"
	MetaStage  = "gomatrix-stage"
	MetaSHA256 = "gomatrix-sha256"
)

// KeyPlaceholders returns the names a key template may reference for a
// matrix with the given axes.
func KeyPlaceholders(axes []string) map[string]struct{} {
	allowed := map[string]struct{}{
		KeyVarRun:      {},
		KeyVarJob:      {},
		KeyVarSlug:     {},
		KeyVarStage:    {},
		KeyVarFilename: {},
	}
	for _, a := range axes {
		allowed[a] = struct{}{}
	}
	return allowed
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// KeyTemplate renders the object key for each file.
	// Default: DefaultKeyTemplate
	KeyTemplate string

	// Prefix is prepended to every rendered key.
	Prefix string

	// RateLimit is the maximum puts per second across all jobs.
	// Zero means unlimited.
	RateLimit float64

	// MaxAttempts bounds puts retried on throttling or unavailability.
	// Default: 3
	MaxAttempts int

	// Backoff is the base delay between retried puts.
	// Default: 500ms
	Backoff time.Duration
}

// Publisher forwards stage artifacts to a Store.
//
// Publisher is safe for concurrent use.
type Publisher struct {
	store   Store
	keys    *placeholder.Template
	prefix  string
	limiter *rate.Limiter
	config  PublisherConfig
	logger  *zap.Logger
}

var _ orchestrator.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher writing to store.
func NewPublisher(store Store, cfg PublisherConfig) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.KeyTemplate == "" {
		cfg.KeyTemplate = DefaultKeyTemplate
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	tpl, err := placeholder.Compile(cfg.KeyTemplate)
	if err != nil {
		return nil, fmt.Errorf("key template: %w", err)
	}

	p := &Publisher{
		store:  store,
		keys:   tpl,
		prefix: strings.Trim(cfg.Prefix, "/"),
		config: cfg,
		logger: zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p, nil
}

// WithLogger sets the logger. Returns the publisher for method chaining.
func (p *Publisher) WithLogger(l *zap.Logger) *Publisher {
	if l != nil {
		p.logger = l
	}
	return p
}

// Key renders the object key for one artifact file.
func (p *Publisher) Key(req orchestrator.PublishRequest, file string) (string, error) {
	vars := req.Job.Vars()
	vars[KeyVarRun] = req.RunID
	vars[KeyVarJob] = req.Job.ID()
	vars[KeyVarSlug] = req.Job.Slug()
	vars[KeyVarStage] = req.Stage.From
	vars[KeyVarFilename] = path.Base(filepath.ToSlash(file))

	key, err := p.keys.Apply(vars)
	if err != nil {
		return "", err
	}
	key = strings.TrimLeft(key, "/")
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key, nil
}

// Publish uploads every file in req.Files and returns the keys written.
//
// Files are relative to the job working directory. The first failure stops
// the publish; keys already written are still returned.
func (p *Publisher) Publish(ctx context.Context, req orchestrator.PublishRequest) ([]string, error) {
	keys := make([]string, 0, len(req.Files))
	for _, file := range req.Files {
		key, err := p.Key(req, file)
		if err != nil {
			return keys, err
		}
		full := filepath.Join(req.Artifact.WorkDir, filepath.FromSlash(file))
		if err := p.putFile(ctx, req, key, full); err != nil {
			return keys, err
		}
		keys = append(keys, key)
		p.logger.Debug("artifact published",
			zap.String("job", req.Job.ID()),
			zap.String("file", file),
			zap.String("key", key))
	}
	return keys, nil
}

func (p *Publisher) putFile(ctx context.Context, req orchestrator.PublishRequest, key, full string) error {
	sum, size, err := fileDigest(full)
	if err != nil {
		return err
	}
	obj := Object{
		Key:         key,
		Size:        size,
		ContentType: contentType(full),
		Metadata: map[string]string{
			MetaRunID:  req.RunID,
			MetaJob:    req.Job.ID(),
			MetaStage:  req.Stage.From,
			MetaSHA256: sum,
		},
	}

	for attempt := 1; ; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := p.putOnce(ctx, obj, full)
		if err == nil {
			return nil
		}
		if attempt >= p.config.MaxAttempts || !IsRetryable(err) {
			return err
		}
		p.logger.Info("retrying artifact put",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.config.Backoff * time.Duration(attempt)):
		}
	}
}

func (p *Publisher) putOnce(ctx context.Context, obj Object, full string) error {
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return p.store.Put(ctx, obj, f)
}

func fileDigest(full string) (string, int64, error) {
	f, err := os.Open(full)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
