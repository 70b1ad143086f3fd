package cluster_test

import (
	"net"
	"testing"
	"time"

	"github.com/nhi-project/nhi/cluster"
)

func sessionPair(t *testing.T) (*cluster.Session, *cluster.Session) {
	t.Helper()
	a, b := net.Pipe()
	sa, sb := cluster.NewSession(a), cluster.NewSession(b)
	t.Cleanup(func() {
		_ = sa.Close()
		_ = sb.Close()
	})
	return sa, sb
}

func TestSessionRoundTrip(t *testing.T) {
	sa, sb := sessionPair(t)

	go func() {
		_ = sa.WriteMessage(&cluster.Hello{NodeID: "n1", NodeName: "alpha", SoftwareVersion: "0.3.0"})
		_ = sa.WriteMessage(&cluster.Heartbeat{})
	}()

	msg, err := sb.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	hello, ok := msg.(*cluster.Hello)
	if !ok {
		t.Fatalf("expected Hello, got %s", msg.Kind())
	}
	if hello.NodeID != "n1" {
		t.Errorf("NodeID = %q", hello.NodeID)
	}

	msg, err = sb.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Kind() != cluster.KindHeartbeat {
		t.Errorf("expected heartbeat, got %s", msg.Kind())
	}
}

func TestSessionPreservesOrder(t *testing.T) {
	sa, sb := sessionPair(t)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = sa.WriteMessage(&cluster.OwnershipChanged{InstanceID: "a1b2c3d4", NewOwner: "n2", Seq: uint64(i)})
		}
	}()

	for i := 0; i < n; i++ {
		msg, err := sb.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		oc, ok := msg.(*cluster.OwnershipChanged)
		if !ok {
			t.Fatalf("message %d: unexpected %s", i, msg.Kind())
		}
		if oc.Seq != uint64(i) {
			t.Fatalf("message %d arrived with seq %d: FIFO violated", i, oc.Seq)
		}
	}
}

func TestSessionRejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	sb := cluster.NewSession(b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = sb.Close()
	})

	go func() {
		// A length prefix beyond MaxFrameSize must be refused before any
		// allocation of that size.
		_, _ = a.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := sb.ReadMessage()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected an error for an oversized frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage hung on oversized frame")
	}
}
