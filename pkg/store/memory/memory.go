// Package memory implements the zone store in process memory. It is
// primarily used for testing the protocol without touching disk, the same
// way a virtual bus backs a transport stack in tests. Both tunnel endpoints
// must share the same Store value for it to be useful.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/lambdaS-zh/kamui/pkg/store"
)

func init() {
	store.RegisterStore("memory", NewStore)
}

// Synthesised keys of the backlog aggregate record.
const (
	KeyPending       = "PENDING"
	KeyRequestTokens = "REQUEST_TOKENS"
)

// Store keeps zones in two maps keyed by zone id. The gate still applies so
// tests can exercise IOPS behaviour in memory.
type Store struct {
	mu      sync.Mutex
	gate    *store.Gate
	records map[string]kamui.Record
	blobs   map[string][]byte
	// backlogs marks which backlog aggregates have been materialised, the
	// in-memory analog of the requests directory existing on disk.
	backlogs map[string]bool
}

// NewStore creates an in-memory zone store. The workspace argument is
// accepted for registry compatibility and ignored.
func NewStore(workspace string, gate *store.Gate) (kamui.Store, error) {
	if gate == nil {
		gate = store.NewGate(store.DefaultIops)
	}
	return &Store{
		gate:     gate,
		records:  make(map[string]kamui.Record),
		blobs:    make(map[string][]byte),
		backlogs: make(map[string]bool),
	}, nil
}

func isBacklogAggregate(zoneId string) bool {
	return kamui.HeadID(zoneId) == kamui.IdServerListenBacklog && kamui.Segments(zoneId) == 2
}

func parentZone(zoneId string) string {
	parts := kamui.SplitID(zoneId)
	return kamui.JoinID(parts[:len(parts)-1]...)
}

func cloneRecord(rec kamui.Record) kamui.Record {
	if rec == nil {
		return nil
	}
	out := make(kamui.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (s *Store) ReadRecord(ctx context.Context, zoneId string, create bool) (kamui.Record, error) {
	var rec kamui.Record
	err := s.gate.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if isBacklogAggregate(zoneId) {
			if !s.backlogs[zoneId] && !create {
				return nil
			}
			s.backlogs[zoneId] = true
			rec = s.backlogAggregate(zoneId)
			return nil
		}
		stored, ok := s.records[zoneId]
		if !ok {
			if !create {
				return nil
			}
			stored = kamui.Record{}
			s.records[zoneId] = stored
			// Filing a request materialises the backlog it sits in, the
			// way creating a file creates its parent directories.
			if kamui.HeadID(zoneId) == kamui.IdServerListenBacklog {
				s.backlogs[parentZone(zoneId)] = true
			}
		}
		rec = cloneRecord(stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// backlogAggregate synthesises the directory view from the request records
// currently filed under the address.
func (s *Store) backlogAggregate(zoneId string) kamui.Record {
	prefix := zoneId + "/"
	tokens := []string{}
	for id := range s.records {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		token := strings.TrimPrefix(id, prefix)
		if kamui.IsRequestToken(token) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return kamui.Record{
		KeyPending:       len(tokens),
		KeyRequestTokens: tokens,
	}
}

func (s *Store) WriteRecord(ctx context.Context, zoneId string, rec kamui.Record) error {
	if isBacklogAggregate(zoneId) {
		return fmt.Errorf("%w: backlog aggregate %q is read only", kamui.ErrIllegalArgument, zoneId)
	}
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[zoneId] = cloneRecord(rec)
		if kamui.HeadID(zoneId) == kamui.IdServerListenBacklog {
			s.backlogs[parentZone(zoneId)] = true
		}
		return nil
	})
}

func (s *Store) ReadBlob(ctx context.Context, zoneId string, create bool) ([]byte, error) {
	var blob []byte
	err := s.gate.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.blobs[zoneId]
		if !ok {
			if !create {
				return nil
			}
			stored = []byte{}
			s.blobs[zoneId] = stored
		}
		blob = append([]byte{}, stored...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) WriteBlob(ctx context.Context, zoneId string, blob []byte) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.blobs[zoneId] = append([]byte{}, blob...)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, zoneId string) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if isBacklogAggregate(zoneId) {
			prefix := zoneId + "/"
			for id := range s.records {
				if strings.HasPrefix(id, prefix) {
					delete(s.records, id)
				}
			}
			delete(s.backlogs, zoneId)
			return nil
		}
		delete(s.records, zoneId)
		delete(s.blobs, zoneId)
		return nil
	})
}

// ZoneCount reports how many record and blob zones currently exist;
// materialised backlog aggregates are not counted. Tests use it to check
// that a clean close leaves nothing behind.
func (s *Store) ZoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) + len(s.blobs)
}

// HasZone reports whether a zone currently exists.
func (s *Store) HasZone(zoneId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[zoneId]; ok {
		return true
	}
	_, ok := s.blobs[zoneId]
	return ok
}
