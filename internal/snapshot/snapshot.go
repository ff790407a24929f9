package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
)

// TimestampLayout names backups: UTC, second precision
const TimestampLayout = "20060102T150405Z"

// Kind tells fetch snapshots and backups apart
type Kind string

const (
	KindFetch  Kind = "fetch"
	KindBackup Kind = "backup"
)

// Entry is one rule in a snapshot. For fetch snapshots Content is the
// transformed content and Changes lists the rewritten nodes. For backups
// Content is the live content captured before apply.
type Entry struct {
	domain.Rule
	Changes []domain.PerspectiveChange `json:"changes,omitempty"`
}

// Snapshot is the artifact document
type Snapshot struct {
	Kind      Kind      `json:"kind"`
	Env       string    `json:"env"`
	OrgID     *int64    `json:"org_id,omitempty"`
	RunID     string    `json:"run_id"`
	Timestamp string    `json:"timestamp,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Rules     []Entry   `json:"rules"`
}

// Ref locates a written artifact
type Ref struct {
	Key       string `json:"key"`
	Timestamp string `json:"timestamp,omitempty"`
	Count     int    `json:"count"`
}

// Scope returns the scope this snapshot was taken for
func (s *Snapshot) Scope() domain.Scope {
	return domain.NewScope(s.Env, s.OrgID)
}

// Entry returns the entry for a rule id
func (s *Snapshot) Entry(id int64) (Entry, bool) {
	i := sort.Search(len(s.Rules), func(i int) bool { return s.Rules[i].ID >= id })
	if i < len(s.Rules) && s.Rules[i].ID == id {
		return s.Rules[i], true
	}
	return Entry{}, false
}

// FormatTimestamp renders t in TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp checks that ts is in TimestampLayout
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backup timestamp %q: expected layout %s", ts, TimestampLayout)
	}
	return t, nil
}

func sortedEntries(entries []Entry) ([]Entry, error) {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := 1; i < len(out); i++ {
		if out[i].ID == out[i-1].ID {
			return nil, fmt.Errorf("duplicate rule %d in snapshot", out[i].ID)
		}
	}
	for _, e := range out {
		if !json.Valid(e.Content) {
			return nil, fmt.Errorf("rule %d content is not valid JSON", e.ID)
		}
	}
	return out, nil
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte, key string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	if s.Rules == nil {
		s.Rules = []Entry{}
	}
	for i := range s.Rules {
		var buf bytes.Buffer
		if err := json.Compact(&buf, s.Rules[i].Content); err != nil {
			return nil, fmt.Errorf("snapshot %s: rule %d content: %w", key, s.Rules[i].ID, err)
		}
		s.Rules[i].Content = buf.Bytes()
	}
	sort.Slice(s.Rules, func(i, j int) bool { return s.Rules[i].ID < s.Rules[j].ID })
	return &s, nil
}
