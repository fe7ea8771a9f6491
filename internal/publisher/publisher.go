// Package publisher drives content items through formatting, media
// upload, publish and state update, and owns the eligibility and retry
// policy around the queue.
package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopost/internal/content"
	"autopost/internal/eventbus"
	"autopost/internal/format"
	"autopost/internal/metrics"
	"autopost/internal/storage"
	"autopost/internal/xapi"
	logx "autopost/pkg/logx"
)

// ErrNotConfigured means no delivery client is available; fatal for the
// current delivery attempt only.
var ErrNotConfigured = errors.New("delivery client not configured")

// Client is the slice of the API client the publisher needs.
// *xapi.Client implements it.
type Client interface {
	UploadMedia(ctx context.Context, path string) (string, error)
	Publish(ctx context.Context, text string, mediaIDs []string) (string, error)
	FetchMetrics(ctx context.Context, externalID string) (xapi.Metrics, bool)
}

// Config is the delivery policy.
type Config struct {
	// Template for the outbound message; empty means format.DefaultTemplate.
	Template string

	// AllowedCategories filters new content; empty set allows everything.
	AllowedCategories []int64

	// AutoShare attempts delivery synchronously on the publish event.
	AutoShare bool

	// RetryCap marks an entry failed once its attempt count reaches this
	// value. <=0 uses the default.
	RetryCap int

	// SweepLimit bounds how many pending entries one sweep consumes.
	SweepLimit int
}

const (
	defaultRetryCap   = 5
	defaultSweepLimit = 50
)

func (c Config) withDefaults() Config {
	if c.Template == "" {
		c.Template = format.DefaultTemplate
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = defaultSweepLimit
	}
	return c
}

// ItemResult is the outcome of one delivery attempt.
type ItemResult struct {
	ID      int64  `json:"id"`
	Status  string `json:"status"` // "success" or "error"
	Message string `json:"message,omitempty"`
}

// BatchResult aggregates a manual batch request.
type BatchResult struct {
	OverallSuccess bool         `json:"overall_success"`
	Results        []ItemResult `json:"results"`
}

// Service is the publish orchestrator. All delivery paths (publish
// event, periodic sweep, manual batch) are serialized on one mutex so a
// pending item is never attempted twice concurrently.
type Service struct {
	log    logx.Logger
	store  storage.Store
	source content.Source
	stats  *metrics.Collector
	bus    eventbus.Bus // optional

	// mu serializes deliveries; cmu guards cfg/client swaps.
	mu  sync.Mutex
	cmu sync.Mutex

	cfg    Config
	client Client
}

func New(cfg Config, store storage.Store, source content.Source, log logx.Logger, stats *metrics.Collector, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		store:  store,
		source: source,
		stats:  stats,
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

func (s *Service) emit(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Apply swaps the delivery policy at runtime.
func (s *Service) Apply(cfg Config) {
	s.cmu.Lock()
	s.cfg = cfg.withDefaults()
	s.cmu.Unlock()
}

// SetClient installs (or clears) the delivery client.
func (s *Service) SetClient(c Client) {
	s.cmu.Lock()
	s.client = c
	s.cmu.Unlock()
}

func (s *Service) Configured() bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.client != nil
}

func (s *Service) snapshot() (Config, Client) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.cfg, s.client
}

// HandleNewContent reacts to a content-publish event: guard against
// duplicates, filter by category, enqueue, and optionally share right
// away. An auto-share failure is logged and swallowed; the entry stays
// pending for the sweep.
func (s *Service) HandleNewContent(ctx context.Context, item *content.Item) error {
	if item == nil {
		return nil
	}
	cfg, _ := s.snapshot()

	rec, ok, err := s.store.GetRecord(ctx, item.ID)
	if err != nil {
		return err
	}
	if ok && rec.Shared {
		return nil
	}
	if !categoryAllowed(cfg.AllowedCategories, item.CategoryIDs) {
		s.log.Debug("content outside allowed categories", logx.Int64("content_id", item.ID))
		return nil
	}

	if err := s.store.Enqueue(ctx, item.ID, time.Now()); err != nil {
		return err
	}
	s.log.Info("content enqueued", logx.Int64("content_id", item.ID))
	s.emit(eventbus.Queued(item.ID))

	if cfg.AutoShare {
		if err := s.Deliver(ctx, item); err != nil {
			s.log.Warn("auto share failed; left pending for sweep",
				logx.Int64("content_id", item.ID), logx.Err(err))
		}
	}
	return nil
}

func categoryAllowed(allowed, got []int64) bool {
	if len(allowed) == 0 {
		return true
	}
	set := make(map[int64]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	for _, id := range got {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// Deliver pushes one item through format -> media -> publish -> state
// update. On failure nothing is written to the delivery record.
func (s *Service) Deliver(ctx context.Context, item *content.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(ctx, item)
}

func (s *Service) deliverLocked(ctx context.Context, item *content.Item) error {
	cfg, client := s.snapshot()
	if client == nil {
		return ErrNotConfigured
	}

	text := format.Message(cfg.Template, item.Title, item.Permalink,
		format.Hashtags(item.Categories, item.Tags))

	// The image is best-effort: an upload failure downgrades to a
	// text-only publish instead of aborting.
	var mediaIDs []string
	if item.HasImage() {
		mediaID, err := client.UploadMedia(ctx, item.ImagePath)
		if err != nil {
			s.stats.IncMediaDowngrade()
			s.log.Warn("media upload failed; publishing text-only",
				logx.Int64("content_id", item.ID), logx.Err(err))
		} else {
			mediaIDs = append(mediaIDs, mediaID)
		}
	}

	externalID, err := client.Publish(ctx, text, mediaIDs)
	if err != nil {
		s.stats.IncPublishFailure()
		s.emit(eventbus.Failed(item.ID, err.Error()))
		return err
	}

	now := time.Now()
	created, err := s.store.PutRecord(ctx, storage.Record{
		ContentID:  item.ID,
		ShareTime:  now,
		ExternalID: externalID,
	})
	if err != nil {
		return err
	}
	if !created {
		s.log.Warn("delivery record already present; keeping first delivery",
			logx.Int64("content_id", item.ID), logx.String("external_id", externalID))
	}
	if err := s.store.MarkShared(ctx, item.ID, now); err != nil {
		return err
	}
	s.stats.IncPublished()
	s.log.Info("content shared",
		logx.Int64("content_id", item.ID), logx.String("external_id", externalID))
	s.emit(eventbus.Shared(item.ID, externalID))

	// Metrics are telemetry, never part of the success determination.
	if m, ok := client.FetchMetrics(ctx, externalID); ok {
		if err := s.store.SetMetrics(ctx, item.ID, m.Likes, m.Shares, time.Now()); err != nil {
			s.log.Debug("storing metrics failed", logx.Int64("content_id", item.ID), logx.Err(err))
		}
	}
	return nil
}

// ProcessPending runs one sweep over the queue. One item's failure never
// aborts the sweep; every outcome is captured in the returned slice.
// The error is non-nil only when the queue itself cannot be read.
// Without a configured client the sweep is a no-op: entries wait
// untouched, no attempt is charged.
func (s *Service) ProcessPending(ctx context.Context) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, client := s.snapshot()
	if client == nil {
		s.log.Debug("sweep skipped; no client configured")
		return nil, nil
	}
	entries, err := s.store.NextPending(ctx, cfg.SweepLimit)
	if err != nil {
		return nil, err
	}
	s.stats.IncSweep()
	s.stats.SetQueuePending(len(entries))
	if len(entries) == 0 {
		return nil, nil
	}

	results := make([]ItemResult, 0, len(entries))
	delivered := 0
	for _, e := range entries {
		r := s.attemptQueued(ctx, cfg, e.ContentID)
		if r.Status == "success" {
			delivered++
		}
		results = append(results, r)
	}
	s.emit(eventbus.SweepDone(delivered, len(results)-delivered))
	return results, nil
}

// attemptQueued delivers one queued id and converts a failure into retry
// state (attempt increment, cap check) instead of raising it.
func (s *Service) attemptQueued(ctx context.Context, cfg Config, contentID int64) ItemResult {
	err := s.deliverQueuedLocked(ctx, contentID)
	if err == nil {
		return ItemResult{ID: contentID, Status: "success"}
	}
	if errors.Is(err, ErrNotConfigured) {
		// The client went away mid-sweep. Not a delivery attempt;
		// the entry keeps its retry budget.
		return ItemResult{ID: contentID, Status: "error", Message: err.Error()}
	}

	attempts, incErr := s.store.IncrementAttempt(ctx, contentID)
	if incErr != nil {
		s.log.Error("attempt increment failed", logx.Int64("content_id", contentID), logx.Err(incErr))
	}
	if attempts >= cfg.RetryCap {
		if failErr := s.store.MarkFailed(ctx, contentID); failErr != nil {
			s.log.Error("mark failed failed", logx.Int64("content_id", contentID), logx.Err(failErr))
		} else {
			s.log.Warn("retry cap reached; entry marked failed",
				logx.Int64("content_id", contentID), logx.Int("attempts", attempts))
		}
	}
	s.log.Warn("queued delivery failed",
		logx.Int64("content_id", contentID), logx.Int("attempts", attempts), logx.Err(err))
	return ItemResult{ID: contentID, Status: "error", Message: err.Error()}
}

func (s *Service) deliverQueuedLocked(ctx context.Context, contentID int64) error {
	item, err := s.source.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.New("content not found")
	}
	return s.deliverLocked(ctx, item)
}

// DeliverMany applies Deliver to each id independently and reports
// overall success when at least one item succeeded.
func (s *Service) DeliverMany(ctx context.Context, ids []int64) BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := uuid.NewString()
	log := s.log.With(logx.String("batch", batch))
	log.Info("manual batch started", logx.Int("count", len(ids)))

	res := BatchResult{Results: make([]ItemResult, 0, len(ids))}
	for _, id := range ids {
		if err := s.deliverQueuedLocked(ctx, id); err != nil {
			res.Results = append(res.Results, ItemResult{ID: id, Status: "error", Message: err.Error()})
			continue
		}
		res.OverallSuccess = true
		res.Results = append(res.Results, ItemResult{ID: id, Status: "success"})
	}
	log.Info("manual batch finished", logx.Bool("ok", res.OverallSuccess))
	return res
}

// RefreshMetrics re-fetches public metrics for an already shared item.
func (s *Service) RefreshMetrics(ctx context.Context, contentID int64) error {
	_, client := s.snapshot()
	if client == nil {
		return ErrNotConfigured
	}
	rec, ok, err := s.store.GetRecord(ctx, contentID)
	if err != nil {
		return err
	}
	if !ok || !rec.Shared {
		return errors.New("content was never shared")
	}
	m, got := client.FetchMetrics(ctx, rec.ExternalID)
	if !got {
		return nil
	}
	return s.store.SetMetrics(ctx, contentID, m.Likes, m.Shares, time.Now())
}
