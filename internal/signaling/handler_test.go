package signaling

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerPairing(t *testing.T) {
	h, registry := newTestHandler()

	alice := newFakeConn("1.2.3.4", 61000)
	bob := newFakeConn("5.6.7.8", 62000)
	serveFake(h, alice)
	serveFake(h, bob)

	alice.send(`{"action":"register","username":"alice","udp_port":40000}`)
	bob.send(`{"action":"register","username":"bob","udp_port":50000}`)
	alice.waitWritten(t, 1)
	bob.waitWritten(t, 1)

	alice.send(`{"action":"connect","target":"bob"}`)

	got := alice.waitWritten(t, 2)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"action":"registered","username":"alice"}`, got[0])
	assert.JSONEq(t, `{"action":"peer","peer_username":"bob","peer_ip":"5.6.7.8","peer_port":50000}`, got[1])

	got = bob.waitWritten(t, 2)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"action":"registered","username":"bob"}`, got[0])
	assert.JSONEq(t, `{"action":"peer","peer_username":"alice","peer_ip":"1.2.3.4","peer_port":40000}`, got[1])

	assert.Equal(t, 2, registry.Count())
	assert.Equal(t, uint64(1), registry.Stats().TotalPairings)
}

func TestHandlerTargetGone(t *testing.T) {
	h, registry := newTestHandler()

	alice := newFakeConn("1.2.3.4", 61000)
	bob := newFakeConn("5.6.7.8", 62000)
	serveFake(h, alice)
	bobDone := serveFake(h, bob)

	alice.send(`{"action":"register","username":"alice","udp_port":40000}`)
	bob.send(`{"action":"register","username":"bob","udp_port":50000}`)
	alice.waitWritten(t, 1)
	bob.waitWritten(t, 1)

	bob.hangup()
	<-bobDone
	_, ok := registry.Lookup("bob")
	require.False(t, ok)

	alice.send(`{"action":"connect","target":"bob"}`)
	got := alice.waitWritten(t, 2)
	assert.JSONEq(t, `{"action":"error","error":"target_not_online"}`, got[1])

	// Nobody was notified.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.written(), 2)
	assert.Len(t, bob.written(), 1)
	assert.Equal(t, uint64(0), registry.Stats().TotalPairings)
}

func TestHandlerBadJSON(t *testing.T) {
	h, registry := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	serveFake(h, conn)

	conn.send(`{"action":"register","username":`)
	got := conn.waitWritten(t, 1)
	assert.JSONEq(t, `{"action":"error","error":"bad_json"}`, got[0])
	assert.Equal(t, 0, registry.Count())

	// The connection keeps working.
	conn.send(`{"action":"register","username":"alice","udp_port":40000}`)
	got = conn.waitWritten(t, 2)
	assert.JSONEq(t, `{"action":"registered","username":"alice"}`, got[1])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.written(), 2, "exactly one error per bad record")
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		want    string
	}{
		{
			name:    "unknown action",
			records: []string{`{"action":"dance"}`},
			want:    "unknown_action",
		},
		{
			name:    "absent action",
			records: []string{`{"username":"alice"}`},
			want:    "unknown_action",
		},
		{
			name:    "not an object",
			records: []string{`[1,2,3]`},
			want:    "bad_json",
		},
		{
			name:    "connect before register",
			records: []string{`{"action":"connect","target":"bob"}`},
			want:    "not_registered",
		},
		{
			name:    "connect without target before register",
			records: []string{`{"action":"connect"}`},
			want:    "not_registered",
		},
		{
			name:    "missing target",
			records: []string{`{"action":"register","username":"alice","udp_port":1}`, `{"action":"connect"}`},
			want:    "missing_target",
		},
		{
			name:    "empty target",
			records: []string{`{"action":"register","username":"alice","udp_port":1}`, `{"action":"connect","target":""}`},
			want:    "missing_target",
		},
		{
			name:    "missing port",
			records: []string{`{"action":"register","username":"alice"}`},
			want:    "missing_fields",
		},
		{
			name:    "float port",
			records: []string{`{"action":"register","username":"alice","udp_port":4000.5}`},
			want:    "missing_fields",
		},
		{
			name:    "missing username",
			records: []string{`{"action":"register","udp_port":4000}`},
			want:    "missing_fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			conn := newFakeConn("1.2.3.4", 1)
			serveFake(h, conn)

			for _, r := range tt.records {
				conn.send(r)
			}
			got := conn.waitWritten(t, len(tt.records))
			last := decodeRecord(t, got[len(got)-1])
			assert.Equal(t, "error", last["action"])
			assert.Equal(t, tt.want, last["error"])
		})
	}
}

func TestHandlerFailedRegisterKeepsState(t *testing.T) {
	h, registry := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	serveFake(h, conn)

	conn.send(`{"action":"register","username":"alice","udp_port":"oops"}`)
	conn.send(`{"action":"connect","target":"alice"}`)
	got := conn.waitWritten(t, 2)

	assert.JSONEq(t, `{"action":"error","error":"missing_fields"}`, got[0])
	assert.JSONEq(t, `{"action":"error","error":"not_registered"}`, got[1])
	assert.Equal(t, 0, registry.Count())
}

func TestHandlerBlankLinesIgnored(t *testing.T) {
	h, _ := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	serveFake(h, conn)

	conn.send("")
	conn.send("   ")
	conn.send(`{"action":"register","username":"alice","udp_port":1}`)

	got := conn.waitWritten(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.written(), 1)
	assert.JSONEq(t, `{"action":"registered","username":"alice"}`, got[0])
}

func TestHandlerSupersession(t *testing.T) {
	h, registry := newTestHandler()

	first := newFakeConn("1.2.3.4", 1)
	second := newFakeConn("1.2.3.4", 2)
	firstDone := serveFake(h, first)
	serveFake(h, second)

	first.send(`{"action":"register","username":"alice","udp_port":40000}`)
	first.waitWritten(t, 1)
	second.send(`{"action":"register","username":"alice","udp_port":40001}`)
	second.waitWritten(t, 1)

	// The old connection is closed and its late cleanup leaves the new
	// registration alone.
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection was not closed")
	}
	assert.True(t, first.isClosed())

	reg, ok := registry.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, reg.Peer.Connection())
	assert.Equal(t, 40001, reg.UDPPort)
}

// Records the old connection sent in the same write as its first register
// are already buffered when it gets superseded. Replaying them must not take
// the name back from the newer connection.
func TestHandlerSupersededConnectionDropsBufferedRecords(t *testing.T) {
	h, registry := newTestHandler()

	firstRegistered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	registry.OnRegistered = func(reg Registration, _ bool) {
		if reg.UDPPort == 1111 {
			once.Do(func() {
				close(firstRegistered)
				<-release
			})
		}
	}

	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		h.ServeConn(context.Background(), NewLineConn(s1, 0))
	}()
	record := `{"action":"register","username":"alice","udp_port":1111}` + "\n"
	go c1.Write([]byte(record + record))

	select {
	case <-firstRegistered:
	case <-time.After(2 * time.Second):
		t.Fatal("first register not processed")
	}

	go h.ServeConn(context.Background(), NewLineConn(s2, 0))
	go c2.Write([]byte(`{"action":"register","username":"alice","udp_port":2222}` + "\n"))
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(c2).ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"registered","username":"alice"}`, line)

	close(release)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection kept running")
	}

	reg, ok := registry.Lookup("alice")
	require.True(t, ok, "newest registration must survive")
	assert.Equal(t, 2222, reg.UDPPort)
	assert.False(t, reg.Peer.IsClosed())
}

// A target that stops reading holds its pair's stripe for the write timeout;
// pairs on other stripes go through meanwhile.
func TestHandlerStalledTargetOnlyBlocksItsStripe(t *testing.T) {
	h, _ := newTestHandler()
	register := func(name string, port int) *fakeConn {
		conn := newFakeConn("1.2.3.4", port)
		serveFake(h, conn)
		conn.send(fmt.Sprintf(`{"action":"register","username":%q,"udp_port":%d}`, name, port))
		conn.waitWritten(t, 1)
		return conn
	}

	alice := register("alice", 1)
	bob := register("bob", 2)

	carolName, daveName := "carol", "dave"
	for i := 0; stripeFor(carolName, daveName) == stripeFor("alice", "bob"); i++ {
		carolName = fmt.Sprintf("carol-%d", i)
	}
	carol := register(carolName, 3)
	dave := register(daveName, 4)

	resume := bob.stallWrites()
	defer resume()

	// The requester is notified first, then the handler blocks on bob.
	alice.send(`{"action":"connect","target":"bob"}`)
	alice.waitWritten(t, 2)

	carol.send(fmt.Sprintf(`{"action":"connect","target":%q}`, daveName))
	carol.waitWritten(t, 2)
	dave.waitWritten(t, 2)
	assert.Len(t, bob.written(), 1)

	resume()
	got := bob.waitWritten(t, 2)
	assert.JSONEq(t, `{"action":"peer","peer_username":"alice","peer_ip":"1.2.3.4","peer_port":1}`, got[1])
}

func TestHandlerRename(t *testing.T) {
	h, registry := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	serveFake(h, conn)

	conn.send(`{"action":"register","username":"alice","udp_port":1}`)
	conn.send(`{"action":"register","username":"alicia","udp_port":1}`)
	conn.waitWritten(t, 2)

	assert.Equal(t, []string{"alicia"}, registry.Usernames())
}

func TestHandlerSelfConnect(t *testing.T) {
	h, _ := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	serveFake(h, conn)

	conn.send(`{"action":"register","username":"alice","udp_port":40000}`)
	conn.send(`{"action":"connect","target":"alice"}`)

	got := conn.waitWritten(t, 3)
	assert.JSONEq(t, `{"action":"peer","peer_username":"alice","peer_ip":"1.2.3.4","peer_port":40000}`, got[1])
	assert.Equal(t, got[1], got[2])
}

func TestHandlerDisconnectRemoves(t *testing.T) {
	h, registry := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)
	done := serveFake(h, conn)

	conn.send(`{"action":"register","username":"alice","udp_port":1}`)
	conn.waitWritten(t, 1)
	assert.Equal(t, 1, registry.Count())

	conn.hangup()
	<-done
	assert.Equal(t, 0, registry.Count())
	assert.True(t, conn.isClosed())
}

func TestHandlerContextCancel(t *testing.T) {
	h, registry := newTestHandler()
	conn := newFakeConn("1.2.3.4", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeConn(ctx, conn)
	}()

	conn.send(`{"action":"register","username":"alice","udp_port":1}`)
	conn.waitWritten(t, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after cancel")
	}
	assert.Equal(t, 0, registry.Count())
}

// Concurrent A->B and B->A requests must hand each side notifications
// describing the same snapshot of the other.
func TestHandlerConcurrentCrossConnect(t *testing.T) {
	for i := 0; i < 20; i++ {
		h, _ := newTestHandler()
		alice := newFakeConn("1.2.3.4", 1)
		bob := newFakeConn("5.6.7.8", 2)
		serveFake(h, alice)
		serveFake(h, bob)

		alice.send(`{"action":"register","username":"alice","udp_port":40000}`)
		bob.send(`{"action":"register","username":"bob","udp_port":50000}`)
		alice.waitWritten(t, 1)
		bob.waitWritten(t, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); alice.send(`{"action":"connect","target":"bob"}`) }()
		go func() { defer wg.Done(); bob.send(`{"action":"connect","target":"alice"}`) }()
		wg.Wait()

		aliceGot := alice.waitWritten(t, 3)
		bobGot := bob.waitWritten(t, 3)
		want := `{"action":"peer","peer_username":"bob","peer_ip":"5.6.7.8","peer_port":50000}`
		assert.JSONEq(t, want, aliceGot[1])
		assert.JSONEq(t, want, aliceGot[2])
		want = `{"action":"peer","peer_username":"alice","peer_ip":"1.2.3.4","peer_port":40000}`
		assert.JSONEq(t, want, bobGot[1])
		assert.JSONEq(t, want, bobGot[2])

		alice.hangup()
		bob.hangup()
	}
}

// Pairing notices never mix registrations: with the target re-registering
// concurrently, the requester sees either the old or the new port, and the
// target's notice always names the requester.
func TestHandlerConnectDuringReRegister(t *testing.T) {
	h, registry := newTestHandler()
	alice := newFakeConn("1.2.3.4", 1)
	bob := newFakeConn("5.6.7.8", 2)
	serveFake(h, alice)
	serveFake(h, bob)

	alice.send(`{"action":"register","username":"alice","udp_port":40000}`)
	bob.send(`{"action":"register","username":"bob","udp_port":50000}`)
	alice.waitWritten(t, 1)
	bob.waitWritten(t, 1)

	const rounds = 20
	for i := 0; i < rounds; i++ {
		alice.send(`{"action":"connect","target":"bob"}`)
		bob.send(fmt.Sprintf(`{"action":"register","username":"bob","udp_port":%d}`, 50001+i))
	}

	aliceGot := alice.waitWritten(t, 1+rounds)
	for _, rec := range aliceGot[1:] {
		m := decodeRecord(t, rec)
		require.Equal(t, "peer", m["action"])
		assert.Equal(t, "bob", m["peer_username"])
		assert.Equal(t, "5.6.7.8", m["peer_ip"])
	}

	bobGot := bob.waitWritten(t, 1+2*rounds)
	var notices int
	for _, rec := range bobGot[1:] {
		m := decodeRecord(t, rec)
		if m["action"] == "peer" {
			notices++
			assert.Equal(t, "alice", m["peer_username"])
			assert.Equal(t, float64(40000), m["peer_port"])
		}
	}
	assert.Equal(t, rounds, notices)

	reg, _ := registry.Lookup("bob")
	assert.Equal(t, 50000+rounds, reg.UDPPort)
}

func TestHandlerMetrics(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics(nil)
	h := NewHandler(registry, metrics)
	h.Logger = quietLogger()

	alice := newFakeConn("1.2.3.4", 1)
	bob := newFakeConn("5.6.7.8", 2)
	serveFake(h, alice)
	serveFake(h, bob)

	alice.send(`{"action":"register","username":"alice","udp_port":1}`)
	bob.send(`{"action":"register","username":"bob","udp_port":2}`)
	bob.waitWritten(t, 1)
	alice.send(`{"action":"connect","target":"bob"}`)
	alice.send(`garbage`)
	alice.waitWritten(t, 3)

	body := scrapeMetrics(t, metrics)
	assert.Contains(t, body, "rendezvous_connections_total 2")
	assert.Contains(t, body, "rendezvous_registrations_total 2")
	assert.Contains(t, body, "rendezvous_pairings_total 1")
	assert.Contains(t, body, `rendezvous_error_responses_total{code="bad_json"} 1`)
}

func TestHandlerWithoutUpgrader(t *testing.T) {
	h, _ := newTestHandler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 500, w.Code)
}

func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(body))
}
