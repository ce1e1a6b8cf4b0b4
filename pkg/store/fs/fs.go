// Package fs implements the zone store on top of a shared directory. The
// workspace layout is part of the wire contract between the two tunnel
// endpoints:
//
//	<workspace>/addresses/<address>/requests/<token>                  JSON
//	<workspace>/addresses/<address>/connections/<conn>/{c2s,s2c}_ctrl JSON
//	<workspace>/addresses/<address>/connections/<conn>/{c2s,s2c}_data raw
//
// with <conn> zero padded to 5 digits.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/lambdaS-zh/kamui/pkg/store"
)

func init() {
	store.RegisterStore("fs", NewStore)
}

// Synthesised keys of the backlog aggregate record.
const (
	KeyPending       = "PENDING"
	KeyRequestTokens = "REQUEST_TOKENS"
)

var channelFilenames = map[string]string{
	kamui.IdConnC2SCtrl: "c2s_ctrl",
	kamui.IdConnC2SData: "c2s_data",
	kamui.IdConnS2CCtrl: "s2c_ctrl",
	kamui.IdConnS2CData: "s2c_data",
}

// Store is a [kamui.Store] backed by a workspace directory. Every operation
// passes through the gate.
type Store struct {
	workspace string
	gate      *store.Gate
	logger    *slog.Logger
}

// NewStore creates a filesystem zone store rooted at workspace.
func NewStore(workspace string, gate *store.Gate) (kamui.Store, error) {
	if workspace == "" {
		return nil, fmt.Errorf("%w: empty workspace", kamui.ErrIllegalArgument)
	}
	if gate == nil {
		gate = store.NewGate(store.DefaultIops)
	}
	return &Store{workspace: workspace, gate: gate, logger: slog.Default().With("service", "[FSSTORE]")}, nil
}

// SetLogger replaces the default logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("service", "[FSSTORE]")
}

// Workspace returns the directory this store is rooted at.
func (s *Store) Workspace() string {
	return s.workspace
}

// backlogDir maps id_server_listen_backlog/<address> to
// <workspace>/addresses/<address>/requests.
func (s *Store) backlogDir(zoneId string) string {
	address := kamui.SplitID(zoneId)[1]
	return filepath.Join(s.workspace, "addresses", address, "requests")
}

// requestFile maps id_server_listen_backlog/<address>/<token> to
// <workspace>/addresses/<address>/requests/<token>.
func (s *Store) requestFile(zoneId string) string {
	parts := kamui.SplitID(zoneId)
	return filepath.Join(s.workspace, "addresses", parts[1], "requests", parts[2])
}

// connectionDir maps id_connection/<address>/<conn>/... to
// <workspace>/addresses/<address>/connections/<%05d conn>.
func (s *Store) connectionDir(zoneId string) (string, error) {
	parts := kamui.SplitID(zoneId)
	var connNum int
	if _, err := fmt.Sscanf(parts[2], "%d", &connNum); err != nil {
		return "", fmt.Errorf("%w: bad conn num in %q", kamui.ErrIllegalArgument, zoneId)
	}
	return filepath.Join(s.workspace, "addresses", parts[1], "connections", fmt.Sprintf("%05d", connNum)), nil
}

func (s *Store) connectionFile(zoneId string) (string, error) {
	dir, err := s.connectionDir(zoneId)
	if err != nil {
		return "", err
	}
	parts := kamui.SplitID(zoneId)
	name, ok := channelFilenames[parts[3]]
	if !ok {
		return "", fmt.Errorf("%w: unknown channel in %q", kamui.ErrIllegalArgument, zoneId)
	}
	return filepath.Join(dir, name), nil
}

// recordFile resolves any JSON record zone to its backing file.
func (s *Store) recordFile(zoneId string) (string, error) {
	switch kamui.HeadID(zoneId) {
	case kamui.IdServerListenBacklog:
		return s.requestFile(zoneId), nil
	case kamui.IdConnection:
		return s.connectionFile(zoneId)
	}
	return "", fmt.Errorf("%w: unknown zone id %q", kamui.ErrIllegalArgument, zoneId)
}

func isBacklogAggregate(zoneId string) bool {
	return kamui.HeadID(zoneId) == kamui.IdServerListenBacklog && kamui.Segments(zoneId) == 2
}

// again converts an OS-level failure into a retry signal. Another process may
// be holding or rewriting the file; the polling cadence dampens the race.
func again(err error) error {
	return fmt.Errorf("%w: %v", kamui.ErrAgain, err)
}

func (s *Store) ReadRecord(ctx context.Context, zoneId string, create bool) (kamui.Record, error) {
	var rec kamui.Record
	err := s.gate.Do(ctx, func() error {
		var err error
		if isBacklogAggregate(zoneId) {
			rec, err = s.readBacklog(zoneId, create)
		} else {
			rec, err = s.readRecordFile(zoneId, create)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) readBacklog(zoneId string, create bool) (kamui.Record, error) {
	dir := s.backlogDir(zoneId)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, again(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, again(err)
	}
	tokens := make([]string, 0, len(entries))
	for _, entry := range entries {
		if kamui.IsRequestToken(entry.Name()) {
			tokens = append(tokens, entry.Name())
		}
	}
	sort.Strings(tokens)
	return kamui.Record{
		KeyPending:       len(tokens),
		KeyRequestTokens: tokens,
	}, nil
}

func (s *Store) readRecordFile(zoneId string, create bool) (kamui.Record, error) {
	path, err := s.recordFile(zoneId)
	if err != nil {
		return nil, err
	}
	if create {
		if err := s.materialise(path, []byte("{}")); err != nil {
			return nil, err
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, again(err)
	}
	rec := kamui.Record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Partial write observed, someone may be writing this zone.
		return nil, again(err)
	}
	return rec, nil
}

func (s *Store) WriteRecord(ctx context.Context, zoneId string, rec kamui.Record) error {
	if isBacklogAggregate(zoneId) {
		return fmt.Errorf("%w: backlog aggregate %q is read only", kamui.ErrIllegalArgument, zoneId)
	}
	path, err := s.recordFile(zoneId)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.gate.Do(ctx, func() error {
		return s.writeFile(path, raw)
	})
}

func (s *Store) ReadBlob(ctx context.Context, zoneId string, create bool) ([]byte, error) {
	path, err := s.connectionFile(zoneId)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = s.gate.Do(ctx, func() error {
		if create {
			if err := s.materialise(path, nil); err != nil {
				return err
			}
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return again(err)
		}
		if raw == nil {
			raw = []byte{}
		}
		blob = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) WriteBlob(ctx context.Context, zoneId string, blob []byte) error {
	path, err := s.connectionFile(zoneId)
	if err != nil {
		return err
	}
	return s.gate.Do(ctx, func() error {
		return s.writeFile(path, blob)
	})
}

func (s *Store) Delete(ctx context.Context, zoneId string) error {
	return s.gate.Do(ctx, func() error {
		switch {
		case isBacklogAggregate(zoneId):
			// Server-wide tear-down of a listen address.
			if err := os.RemoveAll(s.backlogDir(zoneId)); err != nil {
				return again(err)
			}
			return nil
		case kamui.HeadID(zoneId) == kamui.IdServerListenBacklog:
			return s.removeFile(s.requestFile(zoneId))
		case kamui.HeadID(zoneId) == kamui.IdConnection:
			path, err := s.connectionFile(zoneId)
			if err != nil {
				return err
			}
			if err := s.removeFile(path); err != nil {
				return err
			}
			// Prune the connection directory once its last channel is gone.
			_ = os.Remove(filepath.Dir(path))
			return nil
		}
		return fmt.Errorf("%w: unknown zone id %q", kamui.ErrIllegalArgument, zoneId)
	})
}

func (s *Store) removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return again(err)
	}
	return nil
}

// materialise creates path with initial content unless it already exists.
func (s *Store) materialise(path string, initial []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return again(err)
	}
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return again(err)
	}
	defer fd.Close()
	if len(initial) > 0 {
		if _, err := fd.Write(initial); err != nil {
			return again(err)
		}
	}
	return nil
}

func (s *Store) writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return again(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return again(err)
	}
	return nil
}
