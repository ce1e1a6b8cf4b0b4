package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/lambdaS-zh/kamui/pkg/store"
	"github.com/lambdaS-zh/kamui/pkg/store/memory"
)

const addressTest = "test.com"

// testStore returns a fast in-memory store so protocol steps can be
// interleaved without sleeping.
func testStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.NewStore("", store.NewGate(1_000_000))
	if err != nil {
		t.Fatal(err)
	}
	return s.(*memory.Store)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testDriver() *Driver {
	return &Driver{Interval: MinTimeSlice, Timeout: 5 * time.Second}
}

// testPair establishes a connected client/server pair by stepping the
// handshake by hand.
func testPair(t *testing.T, s kamui.Store) (*Client, *Server, *Connection, *Connection) {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	client := NewClient(s, testDriver(), logger)
	server := NewServer(s, testDriver(), logger)

	if err := server.Listen(ctx, addressTest); err != nil {
		t.Fatal(err)
	}
	op, err := client.Dial(ctx, addressTest)
	if err != nil {
		t.Fatal(err)
	}
	serverConn, err := server.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	clientConn, err := op.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return client, server, clientConn, serverConn
}

// stepSend drives one payload from src to dst by interleaving the two state
// machines: place, consume, clear.
func stepSend(t *testing.T, src *Connection, dst *Connection, data []byte) []byte {
	t.Helper()
	ctx := context.Background()
	if err := src.SendAll(ctx, data); !isAgainErr(err) {
		t.Fatalf("first send step should report try-again, got %v", err)
	}
	got, err := dst.Recv(ctx, 0)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if err := src.SendAll(ctx, data); err != nil {
		t.Fatalf("final send step failed: %v", err)
	}
	return got
}

// stepShutdownWR drives the FIN exchange from src, letting dst observe it.
func stepShutdownWR(t *testing.T, src *Connection, dst *Connection) []byte {
	t.Helper()
	ctx := context.Background()
	if err := src.Shutdown(ctx, ShutWR); !isAgainErr(err) {
		t.Fatalf("first shutdown step should report try-again, got %v", err)
	}
	eof, err := dst.Recv(ctx, 0)
	if err != nil {
		t.Fatalf("recv during fin failed: %v", err)
	}
	if err := src.Shutdown(ctx, ShutWR); err != nil {
		t.Fatalf("final shutdown step failed: %v", err)
	}
	return eof
}

func isAgainErr(err error) bool {
	return errors.Is(err, kamui.ErrAgain)
}
