package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	kamui "github.com/lambdaS-zh/kamui"
)

// MaxConnections bounds the connection numbers a server hands out, [0, 1000).
const MaxConnections = 1000

// A Server owns the listen backlog of one address: it accepts pending
// connection requests and allocates connection numbers.
type Server struct {
	store  kamui.Store
	driver *Driver
	logger *slog.Logger

	mu       sync.Mutex
	address  string
	connNums *bitset.BitSet
	conns    map[uint]*Connection
}

// NewServer creates a tunnel server over the given store. A nil driver means
// the historical defaults, a nil logger means [slog.Default].
func NewServer(store kamui.Store, driver *Driver, logger *slog.Logger) *Server {
	if driver == nil {
		driver = DefaultDriver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		driver:   driver,
		logger:   logger.With("service", "[SERVER]"),
		connNums: bitset.New(MaxConnections),
		conns:    make(map[uint]*Connection),
	}
}

// Listen binds the server to an address and materialises its backlog
// directory, which doubles as the "someone is listening" marker that connect
// checks for. The backlog persists for the server's lifetime.
func (s *Server) Listen(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("%w: empty listen address", kamui.ErrIllegalArgument)
	}
	if _, err := s.store.ReadRecord(ctx, kamui.JoinID(kamui.IdServerListenBacklog, address), true); err != nil {
		return err
	}
	s.mu.Lock()
	s.address = address
	s.mu.Unlock()
	s.logger.Info("listening", "address", address)
	return nil
}

// ConnectionCount reports how many connections are currently live.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accept performs one poll of the backlog: it walks the pending request
// tokens in listing order and accepts the first one that goes through. With
// nothing acceptable right now it reports [kamui.ErrAgain].
func (s *Server) Accept(ctx context.Context) (*Connection, error) {
	s.mu.Lock()
	address := s.address
	s.mu.Unlock()
	if address == "" {
		return nil, kamui.ErrNotListening
	}

	rec, err := s.store.ReadRecord(ctx, kamui.JoinID(kamui.IdServerListenBacklog, address), true)
	if err != nil {
		return nil, err
	}
	var backlog backlogRecord
	if err := decode(rec, &backlog); err != nil {
		return nil, err
	}
	for _, token := range backlog.RequestTokens {
		conn, err := s.acceptOne(ctx, address, token)
		if err != nil {
			if errors.Is(err, kamui.ErrAgain) {
				continue
			}
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: no new requests at present", kamui.ErrAgain)
}

// acceptOne tries to accept the request named by token. Stale records
// (absent F_CONN) are deleted; records already acknowledged by another
// accept pass are skipped.
func (s *Server) acceptOne(ctx context.Context, address string, token string) (*Connection, error) {
	zoneId := kamui.JoinID(kamui.IdServerListenBacklog, address, token)
	rec, err := s.store.ReadRecord(ctx, zoneId, false)
	if err != nil {
		return nil, err
	}
	var req requestRecord
	if len(rec) > 0 {
		if err := decode(rec, &req); err != nil {
			return nil, err
		}
	}
	if len(rec) == 0 || !req.Conn {
		if err := s.store.Delete(ctx, zoneId); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: stale request %s", kamui.ErrAgain, token)
	}
	if req.ConnAck {
		return nil, fmt.Errorf("%w: already accepted, ignore", kamui.ErrAgain)
	}

	connNum, err := s.pickConnNum()
	if err != nil {
		return nil, err
	}

	req.ConnAck = true
	req.ConnNum = int(connNum)
	if err := s.store.WriteRecord(ctx, zoneId, req.record()); err != nil {
		s.releaseConnNum(connNum)
		return nil, err
	}

	connZone := kamui.JoinID(kamui.IdConnection, address, fmt.Sprint(connNum))
	conn := newConnection(s.store, SideServer, connZone, s.driver, s.logger, func(conn *Connection) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connNums.Clear(connNum)
		delete(s.conns, connNum)
	})
	s.mu.Lock()
	s.conns[connNum] = conn
	s.mu.Unlock()
	s.logger.Info("accepted", "address", address, "conn", connNum, "token", token)
	return conn, nil
}

// pickConnNum allocates the smallest unused connection number and marks it
// busy. Numbers are unique among live connections of this server.
func (s *Server) pickConnNum() (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	num, ok := s.connNums.NextClear(0)
	if !ok || num >= MaxConnections {
		return 0, kamui.ErrConnNumsFull
	}
	s.connNums.Set(num)
	return num, nil
}

func (s *Server) releaseConnNum(num uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connNums.Clear(num)
}

// AcceptContext drives Accept with the server's driver until a connection
// arrives.
func (s *Server) AcceptContext(ctx context.Context) (*Connection, error) {
	var conn *Connection
	err := s.driver.Poll(ctx, func() error {
		var stepErr error
		conn, stepErr = s.Accept(ctx)
		return stepErr
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
