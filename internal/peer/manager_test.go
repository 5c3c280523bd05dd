package peer_test

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/ledger"
	"github.com/witch-series/witch-core/internal/peer"
)

// fakePeer is a minimal remote node: it answers handshakes and records every
// frame it receives.
type fakePeer struct {
	ln     net.Listener
	frames chan peer.Frame

	acceptHandshake bool
	closeAfterAck   bool
	pushAfterAck    *peer.Frame
}

func startFakePeer(t *testing.T, configure func(*fakePeer)) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fp := &fakePeer{ln: ln, frames: make(chan peer.Frame, 16), acceptHandshake: true}
	if configure != nil {
		configure(fp)
	}
	go fp.serve()
	t.Cleanup(func() { ln.Close() })
	return fp
}

func (fp *fakePeer) port() int { return fp.ln.Addr().(*net.TCPAddr).Port }

func (fp *fakePeer) serve() {
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		go fp.handle(conn)
	}
}

func (fp *fakePeer) handle(conn net.Conn) {
	defer conn.Close()

	write := func(f *peer.Frame) {
		data, _ := json.Marshal(f)
		conn.Write(append(data, '\n'))
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var f peer.Frame
		if json.Unmarshal(line, &f) != nil {
			return
		}
		fp.frames <- f

		if f.Type != peer.FrameHandshake {
			continue
		}
		if !fp.acceptHandshake {
			write(&peer.Frame{Status: peer.StatusError, Message: "incompatible node"})
			return
		}
		write(&peer.Frame{Type: peer.FrameHandshakeAck, Status: peer.StatusSuccess})
		if fp.pushAfterAck != nil {
			write(fp.pushAfterAck)
		}
		if fp.closeAfterAck {
			return
		}
	}
}

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	return ledger.NewStore(filepath.Join(t.TempDir(), "ledger.json"), "hash-x", zap.NewNop())
}

func registerPeer(store *ledger.Store, id string, port int, projectID string) {
	store.RegisterNode("127.0.0.1", port, []string{"chat", ledger.ProjectTag(projectID)}, "", id)
}

func newTestManager(t *testing.T, store *ledger.Store) *peer.Manager {
	t.Helper()
	mgr := peer.NewManager(peer.Config{
		SelfID:           "self",
		SelfName:         "self",
		SelfIP:           "127.0.0.1",
		SelfPort:         1,
		ProjectID:        "proj",
		Protocols:        []string{"chat"},
		PollInterval:     100 * time.Millisecond,
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
	}, store, zap.NewNop())
	t.Cleanup(mgr.Stop)
	return mgr
}

func connectedIDs(mgr *peer.Manager) map[string]peer.Info {
	out := make(map[string]peer.Info)
	for _, info := range mgr.ConnectedPeers() {
		out[info.ID] = info
	}
	return out
}

func TestManagerConnectsToCompatiblePeer(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, nil)
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		_, ok := connectedIDs(mgr)["peer-1"]
		return ok
	}, 3*time.Second, 25*time.Millisecond)

	info := connectedIDs(mgr)["peer-1"]
	assert.Equal(t, peer.StateConnected, info.State)
	assert.False(t, info.ConnectedAt.IsZero())

	// The handshake carried our identity and compatibility hash.
	select {
	case hs := <-fp.frames:
		assert.Equal(t, peer.FrameHandshake, hs.Type)
		assert.Equal(t, "self", hs.NodeID)
		assert.Equal(t, "hash-x", hs.Hash)
		assert.Equal(t, "proj", hs.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("fake peer never received a handshake")
	}
}

func TestManagerRegistersOwnProjectTag(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")

	self, ok := store.GetNodeByID("self")
	require.True(t, ok)
	assert.True(t, self.HasProtocol(ledger.ProjectTag("proj")))
	assert.True(t, self.HasProtocol("chat"))
}

func TestManagerIgnoresSelfAndOtherProjects(t *testing.T) {
	store := newTestStore(t)
	registerPeer(store, "outsider", 40000, "other-proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, mgr.DiscoveredPeers())
}

func TestManagerRejectedHandshakeStaysDiscovered(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, func(fp *fakePeer) { fp.acceptHandshake = false })
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		for _, info := range mgr.DiscoveredPeers() {
			if info.ID == "peer-1" && info.State == peer.StateDiscovered {
				return true
			}
		}
		return false
	}, 3*time.Second, 25*time.Millisecond)
	assert.Empty(t, mgr.ConnectedPeers())
}

func TestManagerDialFailureMarksFailed(t *testing.T) {
	store := newTestStore(t)
	// A port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	registerPeer(store, "peer-1", deadPort, "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		for _, info := range mgr.DiscoveredPeers() {
			if info.ID == "peer-1" && info.State == peer.StateFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBroadcastToPeers(t *testing.T) {
	store := newTestStore(t)
	fp1 := startFakePeer(t, nil)
	fp2 := startFakePeer(t, nil)
	registerPeer(store, "peer-1", fp1.port(), "proj")
	registerPeer(store, "peer-2", fp2.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return len(mgr.ConnectedPeers()) == 2
	}, 3*time.Second, 25*time.Millisecond)

	sent := mgr.BroadcastToPeers(&peer.Frame{Endpoint: "ping"})
	assert.Equal(t, 2, sent)

	for _, fp := range []*fakePeer{fp1, fp2} {
		drainHandshake(t, fp)
		select {
		case f := <-fp.frames:
			assert.Equal(t, "ping", f.Endpoint)
		case <-time.After(time.Second):
			t.Fatal("fake peer never received the broadcast")
		}
	}
}

// drainHandshake discards the initial handshake frame.
func drainHandshake(t *testing.T, fp *fakePeer) {
	t.Helper()
	select {
	case f := <-fp.frames:
		require.Equal(t, peer.FrameHandshake, f.Type)
	case <-time.After(time.Second):
		t.Fatal("fake peer never received a handshake")
	}
}

func TestSendToPeer(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, nil)
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return len(mgr.ConnectedPeers()) == 1
	}, 3*time.Second, 25*time.Millisecond)

	assert.True(t, mgr.SendToPeer("peer-1", &peer.Frame{Endpoint: "ping"}))
	assert.False(t, mgr.SendToPeer("nobody", &peer.Frame{Endpoint: "ping"}))
}

func TestManagerSweepsClosedConnections(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, func(fp *fakePeer) { fp.closeAfterAck = true })
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	// The peer connects, then its side drops; the sweep must notice.
	require.Eventually(t, func() bool {
		for _, info := range mgr.DiscoveredPeers() {
			if info.ID == "peer-1" && info.State == peer.StateDisconnected {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	assert.Empty(t, mgr.ConnectedPeers())
}

func TestManagerDeliversInboundFrames(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, func(fp *fakePeer) {
		fp.pushAfterAck = &peer.Frame{Endpoint: "greeting", Message: "hello"}
	})
	registerPeer(store, "peer-1", fp.port(), "proj")

	var mu sync.Mutex
	var got []*peer.Frame

	mgr := newTestManager(t, store)
	mgr.OnPeerMessage = func(peerID string, f *peer.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 25*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "greeting", got[0].Endpoint)
	assert.Equal(t, "hello", got[0].Message)
}

func TestManagerStartTwiceReturnsError(t *testing.T) {
	store := newTestStore(t)
	mgr := newTestManager(t, store)

	require.NoError(t, mgr.Start())
	assert.Error(t, mgr.Start())
}

func TestManagerStopDuringConnectDoesNotHang(t *testing.T) {
	// Stop racing the connect path must never strand a link: the insertion
	// is guarded by the same lock Stop sweeps under. Repeat with varied
	// timing so Stop lands at different points of the dial/handshake/insert
	// sequence.
	for i := 0; i < 10; i++ {
		store := newTestStore(t)
		fp := startFakePeer(t, nil)
		registerPeer(store, "peer-1", fp.port(), "proj")

		mgr := peer.NewManager(peer.Config{
			SelfID:           "self",
			SelfIP:           "127.0.0.1",
			SelfPort:         1,
			ProjectID:        "proj",
			PollInterval:     10 * time.Millisecond,
			DialTimeout:      time.Second,
			HandshakeTimeout: time.Second,
		}, store, zap.NewNop())
		mgr.RegisterWithProjectID("proj")
		require.NoError(t, mgr.Start())

		time.Sleep(time.Duration(i) * 3 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			mgr.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Stop hung on iteration %d", i)
		}
		assert.Empty(t, mgr.ConnectedPeers())
	}
}

func TestReregisterProjectWhileRunning(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, nil)
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := peer.NewManager(peer.Config{
		SelfID:           "self",
		SelfIP:           "127.0.0.1",
		SelfPort:         1,
		ProjectID:        "proj",
		PollInterval:     10 * time.Millisecond,
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
	}, store, zap.NewNop())
	t.Cleanup(mgr.Stop)

	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	// Re-registration mutates the project id/protocols while the control
	// loop reads them; the race detector covers the locking.
	for i := 0; i < 20; i++ {
		mgr.RegisterWithProjectID("proj")
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(mgr.ConnectedPeers()) == 1
	}, 3*time.Second, 25*time.Millisecond)
}

func TestManagerStopClosesLinks(t *testing.T) {
	store := newTestStore(t)
	fp := startFakePeer(t, nil)
	registerPeer(store, "peer-1", fp.port(), "proj")

	mgr := newTestManager(t, store)
	mgr.RegisterWithProjectID("proj")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return len(mgr.ConnectedPeers()) == 1
	}, 3*time.Second, 25*time.Millisecond)

	mgr.Stop()
	mgr.Stop()
	assert.Empty(t, mgr.ConnectedPeers())
	assert.False(t, mgr.SendToPeer("peer-1", &peer.Frame{Endpoint: "ping"}))
}
