package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/aining777/grouped-history/internal/codec"
	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/history"
	"github.com/aining777/grouped-history/internal/observability"
	"github.com/aining777/grouped-history/internal/selection"
	"github.com/aining777/grouped-history/internal/storage"
)

// DefaultKey is the persistence key the store is saved under.
const DefaultKey = "grouped_history_data"

const releaseTimeout = 5 * time.Second

// Options configures a HistoryService.
type Options struct {
	Key      string        // persistence key, DefaultKey when empty
	Debounce time.Duration // zero saves synchronously on every mutation
	Workers  int           // background save workers, 1 when zero
	Logger   zerolog.Logger // zero value logs nothing
	Metrics  *observability.Metrics
}

// HistoryService owns a group store and keeps it persisted: it loads the
// store once, saves it after every mutation and flushes on Close.
type HistoryService struct {
	kv       storage.KV
	key      string
	store    *history.Store
	sel      *selection.Controller
	codec    *codec.Codec
	logger   zerolog.Logger
	metrics  *observability.Metrics
	debounce time.Duration
	pool     *ants.Pool

	// generation counts store mutations; savedGen is the generation last
	// written. Saves hold writeMu, so a snapshot is never older than the
	// one written before it.
	generation atomic.Uint64
	writeMu    sync.Mutex
	savedGen   uint64

	mu        sync.Mutex
	saveTimer *time.Timer
	closed    bool
	lastErr   error
}

// New creates a HistoryService backed by kv. The store starts empty; call
// Load before first use.
func New(kv storage.KV, opts Options) (*HistoryService, error) {
	logger := opts.Logger
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	s := &HistoryService{
		kv:       kv,
		key:      opts.Key,
		logger:   logger,
		metrics:  opts.Metrics,
		debounce: opts.Debounce,
		codec:    codec.New(logger.With().Str("component", "codec").Logger(), opts.Metrics),
	}
	s.store = history.New(
		history.WithLogger(logger.With().Str("component", "store").Logger()),
		history.WithMetrics(opts.Metrics),
	)
	s.sel = selection.New(s.store, selection.WithLogger(logger.With().Str("component", "selection").Logger()))
	s.sel.Attach(s.store)
	s.store.Subscribe(func(history.Event) { s.generation.Add(1) })

	if s.debounce > 0 {
		pool, err := ants.NewPool(opts.Workers,
			ants.WithPanicHandler(func(p any) {
				s.logger.Error().Interface("panic", p).Msg("background save panicked")
			}),
			ants.WithLogger(&s.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("creating save pool: %w", err)
		}
		s.pool = pool
	}

	return s, nil
}

// StoreReader is the read side of the group store. Mutations go through the
// service so that every change is persisted.
type StoreReader interface {
	selection.RecordLister
	Len() int
	Snapshot() []domain.Group
}

// storeView hides the mutating methods of the wrapped store.
type storeView struct{ store *history.Store }

func (v storeView) ListGroups() iter.Seq[string] { return v.store.ListGroups() }

func (v storeView) ListRecords(name string) []*domain.TransactionRecord {
	return v.store.ListRecords(name)
}

func (v storeView) RecordCount(name string) int { return v.store.RecordCount(name) }
func (v storeView) HasGroup(name string) bool   { return v.store.HasGroup(name) }
func (v storeView) Len() int                    { return v.store.Len() }
func (v storeView) Snapshot() []domain.Group    { return v.store.Snapshot() }

// Store returns a read-only view of the group store.
func (s *HistoryService) Store() StoreReader {
	return storeView{store: s.store}
}

// Selection returns the selection controller.
func (s *HistoryService) Selection() *selection.Controller {
	return s.sel
}

// Load reads the persisted store and installs it, then selects the first
// group. A missing value loads an empty store. An unreadable document is
// logged and also loads an empty store; unreadable records are skipped.
func (s *HistoryService) Load(ctx context.Context) (*codec.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.kv.Get(ctx, s.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("%w: load %q: %w", domain.ErrPersistenceUnavailable, s.key, err)
	}

	res, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", s.key).Msg("stored history unreadable, starting empty")
	}

	s.writeMu.Lock()
	s.store.Replace(res.Groups)
	s.savedGen = s.generation.Load()
	s.writeMu.Unlock()

	s.sel.SelectFirst()

	s.logger.Info().
		Int("groups", len(res.Groups)).
		Int("records", res.Records()).
		Int("skipped", len(res.Skipped)).
		Msg("history loaded")
	return res, nil
}

// CreateGroup creates an empty group and makes it current.
func (s *HistoryService) CreateGroup(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.CreateGroup(name); err != nil {
		return err
	}
	s.sel.SelectGroup(name)
	return s.TriggerSave(ctx)
}

// DeleteGroup deletes a group and its records. If it was current, the
// selection moves to another group.
func (s *HistoryService) DeleteGroup(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(name); err != nil {
		return err
	}
	return s.TriggerSave(ctx)
}

// DeleteCurrentGroup deletes the current group.
func (s *HistoryService) DeleteCurrentGroup(ctx context.Context) error {
	name, ok := s.sel.Current()
	if !ok {
		return domain.ErrNoGroupSelected
	}
	return s.DeleteGroup(ctx, name)
}

// SendToGroup appends captured records to a group, creating it if needed,
// and makes it current. It returns the stored copies.
func (s *HistoryService) SendToGroup(ctx context.Context, name string, records ...*domain.TransactionRecord) ([]*domain.TransactionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	added, err := s.store.AddRecords(name, records...)
	if err != nil {
		return nil, err
	}
	s.sel.SelectGroup(name)
	return added, s.TriggerSave(ctx)
}

// RemoveSelected removes the selected records from the current group and
// returns how many were removed.
func (s *HistoryService) RemoveSelected(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	name, ok := s.sel.Current()
	if !ok {
		return 0, domain.ErrNoGroupSelected
	}
	records := s.sel.SelectedRecords()
	if len(records) == 0 {
		return 0, domain.ErrNothingSelected
	}

	removed, err := s.store.RemoveRecords(name, records)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.TriggerSave(ctx)
}

// TriggerSave saves the store. With a debounce configured, multiple triggers
// within the debounce period result in a single background save and the
// returned error is always nil unless the service is closed.
func (s *HistoryService) TriggerSave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if s.debounce <= 0 {
		s.mu.Unlock()
		return s.save(ctx)
	}

	// Cancel existing timer
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(s.debounce, s.submitSave)
	s.mu.Unlock()
	return nil
}

// Flush cancels any pending debounced save and saves now.
func (s *HistoryService) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	s.stopTimerLocked()
	s.mu.Unlock()

	return s.save(ctx)
}

// Close flushes pending changes, stops the background workers and closes the
// persistence facility. Calling Close again is a no-op.
func (s *HistoryService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	if s.pool != nil {
		if err := s.pool.ReleaseTimeout(releaseTimeout); err != nil {
			s.logger.Warn().Err(err).Msg("background saves still running at close")
		}
	}

	saveErr := s.save(ctx)
	if err := s.kv.Close(); err != nil {
		return errors.Join(saveErr, fmt.Errorf("closing storage: %w", err))
	}
	s.logger.Debug().Msg("history closed")
	return saveErr
}

// LastSaveError returns the error of the most recent save, or nil if it
// succeeded.
func (s *HistoryService) LastSaveError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *HistoryService) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func (s *HistoryService) stopTimerLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

func (s *HistoryService) submitSave() {
	err := s.pool.Submit(func() {
		if err := s.save(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("background save failed")
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduling background save")
	}
}

// save writes the current store if it changed since the last successful
// write. The in-memory store is never rolled back on failure.
func (s *HistoryService) save(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	gen := s.generation.Load()
	if gen == s.savedGen {
		return nil
	}

	start := time.Now()
	snapshot := s.store.Snapshot()
	data, err := s.codec.Encode(snapshot)
	if err == nil {
		err = s.kv.Set(ctx, s.key, data)
	}
	if err != nil {
		err = fmt.Errorf("%w: save %q: %w", domain.ErrPersistenceUnavailable, s.key, err)
		s.metrics.ObserveSave(observability.SaveResultError, time.Since(start))
		s.logger.Error().Err(err).Msg("saving history")
		s.setLastErr(err)
		return err
	}

	s.savedGen = gen
	s.metrics.ObserveSave(observability.SaveResultOK, time.Since(start))
	s.logger.Debug().
		Int("groups", len(snapshot)).
		Int("bytes", len(data)).
		Dur("took", time.Since(start)).
		Msg("history saved")
	s.setLastErr(nil)
	return nil
}

func (s *HistoryService) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
