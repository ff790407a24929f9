package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
)

var (
	// ErrNoFetchSnapshot means apply was asked to run before any fetch for the scope
	ErrNoFetchSnapshot = errors.New("no fetch snapshot for scope")
	// ErrBackupNotFound means no backup matches the requested timestamp
	ErrBackupNotFound = errors.New("backup not found")
	// ErrBackupExists means a backup with the same timestamp was already written
	ErrBackupExists = errors.New("backup already exists")
)

const (
	fetchPrefix  = "fetch"
	backupPrefix = "backups"
	artifactExt  = ".json"
)

// Manager addresses fetch snapshots and backups by scope over a Backend
type Manager struct {
	backend Backend
	now     func() time.Time
}

// NewManager creates a snapshot manager over backend
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, now: time.Now}
}

// FetchKey is the key a scope's fetch snapshot is stored under
func FetchKey(scope domain.Scope) string {
	if scope.OrgID == nil {
		return path.Join(fetchPrefix, scope.Env+artifactExt)
	}
	return path.Join(fetchPrefix, scope.Env, "org_"+strconv.FormatInt(*scope.OrgID, 10)+artifactExt)
}

// BackupKey is the key a backup is stored under
func BackupKey(env, timestamp string) string {
	return path.Join(backupPrefix, env, timestamp+artifactExt)
}

// WriteFetchSnapshot replaces the fetch snapshot for scope
func (m *Manager) WriteFetchSnapshot(ctx context.Context, scope domain.Scope, runID string, entries []Entry) (Ref, error) {
	if err := scope.Validate(); err != nil {
		return Ref{}, err
	}
	rules, err := sortedEntries(entries)
	if err != nil {
		return Ref{}, err
	}
	scope = domain.NewScope(scope.Env, scope.OrgID)
	data, err := encodeSnapshot(&Snapshot{
		Kind:      KindFetch,
		Env:       scope.Env,
		OrgID:     scope.OrgID,
		RunID:     runID,
		CreatedAt: m.now().UTC(),
		Rules:     rules,
	})
	if err != nil {
		return Ref{}, err
	}

	key := FetchKey(scope)
	if err := m.backend.Put(ctx, key, data); err != nil {
		return Ref{}, fmt.Errorf("failed to write fetch snapshot: %w", err)
	}
	return Ref{Key: key, Count: len(rules)}, nil
}

// ReadFetchSnapshot loads the fetch snapshot for scope
func (m *Manager) ReadFetchSnapshot(ctx context.Context, scope domain.Scope) (*Snapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	key := FetchKey(scope)
	data, err := m.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w %s (run fetch first)", ErrNoFetchSnapshot, scope)
		}
		return nil, fmt.Errorf("failed to read fetch snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data, key)
	if err != nil {
		return nil, err
	}
	if snap.Kind != KindFetch || snap.Env != scope.Env {
		return nil, fmt.Errorf("snapshot %s is a %s snapshot for %q, not a fetch snapshot for %q", key, snap.Kind, snap.Env, scope.Env)
	}
	return snap, nil
}

// WriteBackup stores a new backup. Backups are never overwritten.
func (m *Manager) WriteBackup(ctx context.Context, scope domain.Scope, timestamp, runID string, entries []Entry) (Ref, error) {
	if err := scope.Validate(); err != nil {
		return Ref{}, err
	}
	if _, err := ParseTimestamp(timestamp); err != nil {
		return Ref{}, err
	}
	rules, err := sortedEntries(entries)
	if err != nil {
		return Ref{}, err
	}
	data, err := encodeSnapshot(&Snapshot{
		Kind:      KindBackup,
		Env:       scope.Env,
		OrgID:     domain.NewScope(scope.Env, scope.OrgID).OrgID,
		RunID:     runID,
		Timestamp: timestamp,
		CreatedAt: m.now().UTC(),
		Rules:     rules,
	})
	if err != nil {
		return Ref{}, err
	}

	key := BackupKey(scope.Env, timestamp)
	if err := m.backend.Create(ctx, key, data); err != nil {
		if errors.Is(err, ErrKeyExists) {
			return Ref{}, fmt.Errorf("%w: %s", ErrBackupExists, key)
		}
		return Ref{}, fmt.Errorf("failed to write backup: %w", err)
	}
	return Ref{Key: key, Timestamp: timestamp, Count: len(rules)}, nil
}

// ReadBackup loads the backup taken at timestamp in env
func (m *Manager) ReadBackup(ctx context.Context, env, timestamp string) (*Snapshot, error) {
	if err := domain.ValidateEnv(env); err != nil {
		return nil, err
	}
	if _, err := ParseTimestamp(timestamp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupNotFound, err)
	}
	key := BackupKey(env, timestamp)
	data, err := m.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, key)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	snap, err := decodeSnapshot(data, key)
	if err != nil {
		return nil, err
	}
	if snap.Kind != KindBackup || snap.Env != env {
		return nil, fmt.Errorf("snapshot %s is a %s snapshot for %q, not a backup for %q", key, snap.Kind, snap.Env, env)
	}
	return snap, nil
}

// ListBackups returns the backup timestamps for env, newest first
func (m *Manager) ListBackups(ctx context.Context, env string) ([]string, error) {
	if err := domain.ValidateEnv(env); err != nil {
		return nil, err
	}
	keys, err := m.backend.List(ctx, path.Join(backupPrefix, env))
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	timestamps := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimSuffix(path.Base(key), artifactExt)
		if !strings.HasSuffix(key, artifactExt) {
			continue
		}
		if _, err := ParseTimestamp(name); err != nil {
			continue
		}
		timestamps = append(timestamps, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(timestamps)))
	return timestamps, nil
}
