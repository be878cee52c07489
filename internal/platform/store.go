package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Persistence: Applications + Runs in KV (JSON)
////////////////////////////////////////////////////////////////////////////////

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrApplicationExists   = errors.New("application already exists")
)

// JetStream "wrong last sequence" API error, returned by KV Update on a
// revision mismatch.
const kvWrongLastSequenceCode jetstream.ErrorCode = 10071

type Store struct {
	kvApps  jetstream.KeyValue
	kvRuns  jetstream.KeyValue
	kvCreds jetstream.KeyValue
	events  *runEventHub
}

type appRunsIndex struct {
	IDs       []string  `json:"ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	apps, err := ensureKVBucket(ctx, js, kvBucketApps, defaultKVAppHistory)
	if err != nil {
		return nil, err
	}
	runs, err := ensureKVBucket(ctx, js, kvBucketRuns, defaultKVRunHistory)
	if err != nil {
		return nil, err
	}
	creds, err := ensureKVBucket(ctx, js, kvBucketCreds, defaultKVCredHistory)
	if err != nil {
		return nil, err
	}
	return &Store{
		kvApps:  apps,
		kvRuns:  runs,
		kvCreds: creds,
		events:  nil,
	}, nil
}

func (s *Store) setRunEvents(hub *runEventHub) {
	if s == nil {
		return
	}
	s.events = hub
}

func (s *Store) CreateApp(ctx context.Context, app Application) error {
	b, err := json.Marshal(app)
	if err != nil {
		return err
	}
	_, err = s.kvApps.Create(ctx, kvAppKeyPrefix+app.ID, b)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrApplicationExists, app.ID)
	}
	return err
}

func (s *Store) PutApp(ctx context.Context, app Application) error {
	app.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(app)
	if err != nil {
		return err
	}
	_, err = s.kvApps.Put(ctx, kvAppKeyPrefix+app.ID, b)
	return err
}

func (s *Store) GetApp(ctx context.Context, appID string) (Application, error) {
	e, err := s.kvApps.Get(ctx, kvAppKeyPrefix+appID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Application{}, fmt.Errorf("%w: %s", ErrApplicationNotFound, appID)
		}
		return Application{}, err
	}
	var app Application
	if err := json.Unmarshal(e.Value(), &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	if err := s.kvApps.Delete(ctx, kvAppKeyPrefix+appID); err != nil {
		return err
	}
	err := s.kvRuns.Delete(ctx, kvAppRunsKeyPrefix+appID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (s *Store) ListApps(ctx context.Context) ([]Application, error) {
	keys, err := s.kvApps.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Application{}, nil
		}
		return nil, err
	}
	out := []Application{}
	for _, k := range keys {
		if !strings.HasPrefix(k, kvAppKeyPrefix) {
			continue
		}
		app, getErr := s.GetApp(ctx, strings.TrimPrefix(k, kvAppKeyPrefix))
		if getErr != nil {
			// best-effort listing
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// updateApp applies mutate under optimistic concurrency.
func (s *Store) updateApp(
	ctx context.Context,
	appID string,
	mutate func(app *Application) error,
) (Application, error) {
	key := kvAppKeyPrefix + appID
	for range kvUpdateAttempts {
		e, err := s.kvApps.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return Application{}, fmt.Errorf("%w: %s", ErrApplicationNotFound, appID)
			}
			return Application{}, err
		}
		var app Application
		if err := json.Unmarshal(e.Value(), &app); err != nil {
			return Application{}, err
		}
		if err := mutate(&app); err != nil {
			return Application{}, err
		}
		app.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(app)
		if err != nil {
			return Application{}, err
		}
		_, err = s.kvApps.Update(ctx, key, b, e.Revision())
		if err == nil {
			return app, nil
		}
		if !isKVRevisionConflict(err) {
			return Application{}, err
		}
	}
	return Application{}, fmt.Errorf("update application %s: too many concurrent writers", appID)
}

func (s *Store) CreateRun(ctx context.Context, run PipelineRun) error {
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if _, err := s.kvRuns.Create(ctx, kvRunKeyPrefix+run.ID, b); err != nil {
		return err
	}
	return s.recordAppRun(ctx, run.AppID, run.ID)
}

func (s *Store) GetRun(ctx context.Context, runID string) (PipelineRun, error) {
	run, _, err := s.getRunEntry(ctx, runID)
	return run, err
}

func (s *Store) getRunEntry(ctx context.Context, runID string) (PipelineRun, uint64, error) {
	e, err := s.kvRuns.Get(ctx, kvRunKeyPrefix+runID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return PipelineRun{}, 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return PipelineRun{}, 0, err
	}
	var run PipelineRun
	if err := json.Unmarshal(e.Value(), &run); err != nil {
		return PipelineRun{}, 0, err
	}
	return run, e.Revision(), nil
}

// updateRun applies mutate under optimistic concurrency. Stage workers, the
// finalizer and the API all write the same run record.
func (s *Store) updateRun(
	ctx context.Context,
	runID string,
	mutate func(run *PipelineRun) error,
) (PipelineRun, error) {
	for range kvUpdateAttempts {
		run, rev, err := s.getRunEntry(ctx, runID)
		if err != nil {
			return PipelineRun{}, err
		}
		if err := mutate(&run); err != nil {
			return PipelineRun{}, err
		}
		b, err := json.Marshal(run)
		if err != nil {
			return PipelineRun{}, err
		}
		_, err = s.kvRuns.Update(ctx, kvRunKeyPrefix+runID, b, rev)
		if err == nil {
			return run, nil
		}
		if !isKVRevisionConflict(err) {
			return PipelineRun{}, err
		}
	}
	return PipelineRun{}, fmt.Errorf("update run %s: too many concurrent writers", runID)
}

func (s *Store) ListAppRuns(ctx context.Context, appID string, limit int) ([]PipelineRun, error) {
	index, _, err := s.readAppRunsIndex(ctx, appID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > appRunsIndexCap {
		limit = appRunsDefaultLimit
	}
	out := make([]PipelineRun, 0, limit)
	// Index is oldest-first; list newest-first.
	for i := len(index.IDs) - 1; i >= 0 && len(out) < limit; i-- {
		run, getErr := s.GetRun(ctx, index.IDs[i])
		if getErr != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *Store) recordAppRun(ctx context.Context, appID, runID string) error {
	key := kvAppRunsKeyPrefix + appID
	for range kvUpdateAttempts {
		index, rev, err := s.readAppRunsIndex(ctx, appID)
		if err != nil {
			return err
		}
		index.IDs = append(index.IDs, runID)
		if len(index.IDs) > appRunsIndexCap {
			index.IDs = append([]string(nil), index.IDs[len(index.IDs)-appRunsIndexCap:]...)
		}
		index.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(index)
		if err != nil {
			return err
		}
		if rev == 0 {
			_, err = s.kvRuns.Create(ctx, key, b)
		} else {
			_, err = s.kvRuns.Update(ctx, key, b, rev)
		}
		if err == nil {
			return nil
		}
		if !isKVRevisionConflict(err) {
			return err
		}
	}
	return fmt.Errorf("record run %s for %s: too many concurrent writers", runID, appID)
}

func (s *Store) readAppRunsIndex(ctx context.Context, appID string) (appRunsIndex, uint64, error) {
	e, err := s.kvRuns.Get(ctx, kvAppRunsKeyPrefix+appID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return appRunsIndex{IDs: []string{}, UpdatedAt: time.Time{}}, 0, nil
		}
		return appRunsIndex{}, 0, err
	}
	var index appRunsIndex
	if err := json.Unmarshal(e.Value(), &index); err != nil {
		return appRunsIndex{}, 0, err
	}
	return index, e.Revision(), nil
}

func isKVRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == kvWrongLastSequenceCode {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
