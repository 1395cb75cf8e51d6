package shard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/utils/json"
	"github.com/cordwire/cordwire/utils/ws"
)

func newTestIdentifier() *gateway.Identifier {
	id := gateway.DefaultIdentifier("token")
	id.IdentifyShortLimit = rate.NewLimiter(rate.Inf, 1)
	return id
}

func TestFromGuildID(t *testing.T) {
	m := NewManagerWithURL("ws://unused", newTestIdentifier(), 2, DefaultOptions())

	guildID := discord.GuildID(1<<22 + 5)

	g, ix := m.FromGuildID(guildID)
	if ix != 1 {
		t.Fatalf("expected guild to map to shard 1, got %d", ix)
	}
	if g != m.Shard(1) || g.ShardID() != 1 {
		t.Fatalf("FromGuildID returned the wrong gateway")
	}

	if _, ix := m.FromGuildID(discord.GuildID(4 << 22)); ix != 0 {
		t.Fatalf("expected guild to map to shard 0, got %d", ix)
	}

	if id := m.Shard(1).Identifier(); id.Shard == nil || *id.Shard != (gateway.Shard{1, 2}) {
		t.Fatalf("shard 1 has the wrong identify shard %v", id.Shard)
	}
	if m.Shard(0).Identifier().IdentifyShortLimit != m.Shard(1).Identifier().IdentifyShortLimit {
		t.Fatal("shards do not share the identify limiter")
	}
}

func TestEventQueuePriority(t *testing.T) {
	q := newEventQueue()

	q.Push(LifecycleEvent{Kind: IdentifyShard, ShardID: 1})
	q.Push(LifecycleEvent{Kind: ResumeShard, ShardID: 2})
	q.Push(LifecycleEvent{Kind: IdentifyShard, ShardID: 3})
	q.Push(LifecycleEvent{Kind: ReconnectShard, ShardID: 4})
	q.Push(LifecycleEvent{Kind: CloseShard, ShardID: 5})

	expected := []struct {
		kind  EventKind
		shard int
	}{
		{CloseShard, 5},
		{ReconnectShard, 4},
		{ResumeShard, 2},
		{IdentifyShard, 1},
		{IdentifyShard, 3},
	}

	ctx := context.Background()

	for i, e := range expected {
		ev, err := q.Pop(ctx)
		if err != nil {
			t.Fatal("Pop failed:", err)
		}
		if ev.Kind != e.kind || ev.ShardID != e.shard {
			t.Fatalf("event %d: expected %v of shard %d, got %v of shard %d",
				i, e.kind, e.shard, ev.Kind, ev.ShardID)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("queue not empty: %d", q.Len())
	}
}

func TestEventQueuePopBlocks(t *testing.T) {
	q := newEventQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(LifecycleEvent{Kind: ResumeShard, ShardID: 7})
	}()

	ev, err := q.Pop(context.Background())
	if err != nil {
		t.Fatal("Pop failed:", err)
	}
	if ev.ShardID != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestEventKind(t *testing.T) {
	tests := []struct {
		err  error
		kind EventKind
	}{
		{&gateway.FatalError{Code: 4004}, CloseShard},
		{&gateway.ReconnectError{Resume: true, Err: gateway.ErrReconnectRequested}, ReconnectShard},
		{&ws.CloseEvent{Code: 4000, Err: errors.New("closed")}, ResumeShard},
		{&gateway.ReconnectError{Resume: false, Err: gateway.ErrInvalidSession}, IdentifyShard},
	}

	for _, test := range tests {
		if kind := eventKind(test.err); kind != test.kind {
			t.Errorf("%v: expected %v, got %v", test.err, test.kind, kind)
		}
	}
}

func TestPresenceCache(t *testing.T) {
	m := NewManagerWithURL("ws://unused", newTestIdentifier(), 2, DefaultOptions())

	dispatch := func(shard int, name string, v interface{}) {
		m.Handlers().Dispatch(name, gateway.Event{Name: name, ShardID: shard, Value: v})
	}

	dispatch(0, gateway.ReadyEventName, &gateway.ReadyEvent{
		Guilds: []gateway.UnavailableGuild{{ID: 10}, {ID: 12}},
	})
	dispatch(1, gateway.ReadyEventName, &gateway.ReadyEvent{
		Guilds: []gateway.UnavailableGuild{{ID: 11}},
	})

	idle := gateway.UpdatePresenceCommand{Status: gateway.IdleStatus}
	m.presence.set(0, idle)

	if p, ok := m.Presence(10); !ok || p.Status != gateway.IdleStatus {
		t.Fatalf("guild 10 did not get the shard 0 presence: %v %v", p, ok)
	}
	if _, ok := m.Presence(11); ok {
		t.Fatal("guild 11 of shard 1 got the shard 0 presence")
	}

	// Guilds joined later inherit the shard presence.
	dispatch(0, gateway.GuildCreateEventName, &gateway.GuildCreateEvent{ID: 14})
	if p, ok := m.Presence(14); !ok || p.Status != gateway.IdleStatus {
		t.Fatal("new guild did not inherit the shard presence")
	}

	// Unavailable guilds are kept, left guilds are dropped.
	dispatch(0, gateway.GuildDeleteEventName, &gateway.GuildDeleteEvent{ID: 12, Unavailable: true})
	dispatch(0, gateway.GuildDeleteEventName, &gateway.GuildDeleteEvent{ID: 10})

	if _, ok := m.Presence(12); !ok {
		t.Fatal("unavailable guild lost its presence")
	}
	if _, ok := m.Presence(10); ok {
		t.Fatal("deleted guild kept its presence")
	}
	if n := m.presence.numGuilds(0); n != 2 {
		t.Fatalf("expected 2 guilds on shard 0, got %d", n)
	}
}

type identify struct {
	shard gateway.Shard
	at    time.Time
}

// fakeShardServer accepts any number of shard connections. Each identify gets
// READY with one guild whose ID equals 100 plus the shard ID.
type fakeShardServer struct {
	mutex      sync.Mutex
	identifies []identify
	// reject closes this many identifies with 4004 before accepting any.
	reject int
	// drop closes the first session of a shard with the mapped code right
	// after READY.
	drop map[int]int

	presences chan gateway.Shard
	resumes   chan gateway.ResumeCommand
}

func (s *fakeShardServer) identified() []identify {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]identify(nil), s.identifies...)
}

func closeWith(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *fakeShardServer) serve(t *testing.T) string {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))

		var shard gateway.Shard

		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var op struct {
				Code int      `json:"op"`
				Data json.Raw `json:"d"`
			}
			if err := json.Unmarshal(b, &op); err != nil {
				t.Error("malformed op:", err)
				return
			}

			switch op.Code {
			case int(gateway.IdentifyOP):
				var cmd gateway.IdentifyCommand
				json.Unmarshal(op.Data, &cmd)
				if cmd.Shard != nil {
					shard = *cmd.Shard
				}

				s.mutex.Lock()
				if s.reject > 0 {
					s.reject--
					s.mutex.Unlock()
					closeWith(conn, 4004)
					return
				}
				s.identifies = append(s.identifies, identify{shard, time.Now()})
				code, drop := s.drop[shard[0]]
				delete(s.drop, shard[0])
				s.mutex.Unlock()

				ready := fmt.Sprintf(
					`{"op":0,"s":1,"t":"READY","d":{"session_id":"s%d","shard":[%d,%d],"guilds":[{"id":"%d","unavailable":true}]}}`,
					shard[0], shard[0], shard[1], 100+shard[0],
				)
				conn.WriteMessage(websocket.TextMessage, []byte(ready))

				if drop {
					closeWith(conn, code)
					return
				}

			case int(gateway.ResumeOP):
				var cmd gateway.ResumeCommand
				json.Unmarshal(op.Data, &cmd)
				if s.resumes != nil {
					s.resumes <- cmd
				}
				conn.WriteMessage(websocket.TextMessage, []byte(`{"op":0,"s":2,"t":"RESUMED","d":{}}`))

			case int(gateway.UpdatePresenceOP):
				s.presences <- shard
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestOptions() Options {
	opts := DefaultOptions()
	opts.Backoff = time.Millisecond
	opts.Gateway.Compress = false
	opts.Gateway.DialLimiter = rate.NewLimiter(rate.Inf, 1)
	return opts
}

func TestManagerOpen(t *testing.T) {
	server := &fakeShardServer{presences: make(chan gateway.Shard, 3)}
	addr := server.serve(t)

	m := NewManagerWithURL(addr, newTestIdentifier(), 3, newTestOptions())
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Open(ctx); err != nil {
		t.Fatal("failed to open shards:", err)
	}

	identifies := server.identified()
	if len(identifies) != 3 {
		t.Fatalf("expected 3 identifies, got %v", identifies)
	}
	if identifies[0].shard != (gateway.Shard{0, 3}) {
		t.Fatalf("shard 0 did not identify first: %v", identifies)
	}

	m.ForEach(func(g *gateway.Gateway) {
		if g.Status() != gateway.Ready {
			t.Errorf("shard %d is %v", g.ShardID(), g.Status())
		}
		if s := g.State(); s.SessionID != fmt.Sprintf("s%d", g.ShardID()) {
			t.Errorf("shard %d has session %q", g.ShardID(), s.SessionID)
		}
	})

	if n := len(m.Latencies()); n != 3 {
		t.Fatalf("expected 3 latencies, got %d", n)
	}

	shardID := 2
	presence := gateway.UpdatePresenceCommand{Status: gateway.DoNotDisturbStatus}
	if err := m.ChangePresence(ctx, presence, &shardID); err != nil {
		t.Fatal("failed to change presence:", err)
	}

	select {
	case shard := <-server.presences:
		if shard.ShardID() != 2 {
			t.Fatalf("presence sent to shard %d", shard.ShardID())
		}
	case <-ctx.Done():
		t.Fatal("presence update never arrived")
	}

	if p, ok := m.Presence(102); !ok || p.Status != gateway.DoNotDisturbStatus {
		t.Fatal("presence not mirrored to the guild of shard 2")
	}
	if _, ok := m.Presence(100); ok {
		t.Fatal("presence mirrored to a guild of another shard")
	}

	if err := m.ChangePresence(ctx, presence, nil); err != nil {
		t.Fatal("failed to broadcast presence:", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-server.presences:
		case <-ctx.Done():
			t.Fatal("broadcast presence never arrived")
		}
	}
}

func TestManagerStaggersIdentifies(t *testing.T) {
	const (
		numShards = 4
		interval  = 200 * time.Millisecond
	)

	server := &fakeShardServer{}
	addr := server.serve(t)

	id := gateway.DefaultIdentifier("token")
	id.IdentifyShortLimit = rate.NewLimiter(rate.Every(interval), 1)

	// The last shard queues for longer than a whole handshake may take.
	opts := newTestOptions()
	opts.Gateway.HandshakeTimeout = interval + interval/4

	m := NewManagerWithURL(addr, id, numShards, opts)
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Open(ctx); err != nil {
		t.Fatal("failed to open shards:", err)
	}

	identifies := server.identified()
	if len(identifies) != numShards {
		t.Fatalf("expected %d identifies, got %d", numShards, len(identifies))
	}
	if identifies[0].shard.ShardID() != 0 {
		t.Fatalf("shard %d identified first", identifies[0].shard.ShardID())
	}

	for i := 1; i < len(identifies); i++ {
		gap := identifies[i].at.Sub(identifies[i-1].at)
		if gap < interval*3/4 {
			t.Errorf("identify %d came %v after the previous one", i, gap)
		}
	}

	m.ForEach(func(g *gateway.Gateway) {
		if g.Status() != gateway.Ready {
			t.Errorf("shard %d is %v", g.ShardID(), g.Status())
		}
	})
}

func TestManagerOpenRetry(t *testing.T) {
	server := &fakeShardServer{reject: 1}
	addr := server.serve(t)

	m := NewManagerWithURL(addr, newTestIdentifier(), 2, newTestOptions())
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed := m.Shard(0)

	err := m.Open(ctx)

	var fatalErr *gateway.FatalError
	if !errors.As(err, &fatalErr) || fatalErr.Code != 4004 {
		t.Fatalf("expected a 4004 FatalError, got %v", err)
	}

	if m.Shard(0) == failed {
		t.Fatal("the closed shard was not replaced")
	}
	if n := m.NumShards(); n != 2 {
		t.Fatalf("expected 2 shards after the failure, got %d", n)
	}

	if err := m.Open(ctx); err != nil {
		t.Fatal("failed to open shards again:", err)
	}

	m.ForEach(func(g *gateway.Gateway) {
		if g.Status() != gateway.Ready {
			t.Errorf("shard %d is %v", g.ShardID(), g.Status())
		}
	})
}

func TestManagerRunResumesShard(t *testing.T) {
	server := &fakeShardServer{
		drop:    map[int]int{1: 4000},
		resumes: make(chan gateway.ResumeCommand, 1),
	}
	addr := server.serve(t)

	m := NewManagerWithURL(addr, newTestIdentifier(), 2, newTestOptions())
	t.Cleanup(func() { m.Close() })

	resumed := m.Handlers().Expect(gateway.ResumedEvent, func(ev gateway.Event) bool {
		return ev.ShardID == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Open(ctx); err != nil {
		t.Fatal("failed to open shards:", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(runCtx) }()

	select {
	case cmd := <-server.resumes:
		if cmd.SessionID != "s1" || cmd.Sequence != 1 {
			t.Fatalf("unexpected RESUME %+v", cmd)
		}
	case <-ctx.Done():
		t.Fatal("shard 1 was never resumed")
	}

	if _, err := resumed(ctx); err != nil {
		t.Fatal("shard 1 never got RESUMED:", err)
	}

	if n := len(server.identified()); n != 2 {
		t.Fatalf("expected no extra identify, got %d identifies", n)
	}
	if s := m.Shard(1).Status(); s != gateway.Ready {
		t.Fatalf("shard 1 is %v after resuming", s)
	}

	stop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatal("Run failed:", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}

	m.ForEach(func(g *gateway.Gateway) {
		if g.Status() != gateway.Closed {
			t.Errorf("shard %d is %v after Run returned", g.ShardID(), g.Status())
		}
	})
}

func TestManagerRunStopsOnFatalClose(t *testing.T) {
	server := &fakeShardServer{drop: map[int]int{1: 4004}}
	addr := server.serve(t)

	m := NewManagerWithURL(addr, newTestIdentifier(), 2, newTestOptions())
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Open(ctx); err != nil {
		t.Fatal("failed to open shards:", err)
	}

	err := m.Run(ctx)

	var fatalErr *gateway.FatalError
	if !errors.As(err, &fatalErr) || fatalErr.Code != 4004 {
		t.Fatalf("expected a 4004 FatalError, got %v", err)
	}

	if s := m.Shard(0).Status(); s != gateway.Closed {
		t.Fatalf("shard 0 is %v after a fatal close", s)
	}
}
