package voice

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/utils/handler"
	"github.com/cordwire/cordwire/utils/json"
	"github.com/cordwire/cordwire/voice/udp"
	"github.com/cordwire/cordwire/voice/voicegateway"
)

const (
	testGuild   discord.GuildID   = 123
	testUser    discord.UserID    = 456
	testChannel discord.ChannelID = 789
)

var testKey = [32]byte{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7}

// fakeSession stands in for the main gateway. Join requests are answered by
// onJoin, if set.
type fakeSession struct {
	handlers *handler.Registry[gateway.Event]
	commands chan gateway.UpdateVoiceStateCommand

	mutex  sync.Mutex
	onJoin func(cmd gateway.UpdateVoiceStateCommand)
}

var _ Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		handlers: handler.New[gateway.Event](),
		commands: make(chan gateway.UpdateVoiceStateCommand, 64),
	}
}

func (s *fakeSession) UpdateVoiceState(ctx context.Context, cmd gateway.UpdateVoiceStateCommand) error {
	select {
	case s.commands <- cmd:
	default:
	}

	s.mutex.Lock()
	onJoin := s.onJoin
	s.mutex.Unlock()

	if cmd.ChannelID != nil && onJoin != nil {
		go onJoin(cmd)
	}
	return nil
}

func (s *fakeSession) AddHandler(name string, fn func(gateway.Event)) func() {
	return s.handlers.Add(name, fn)
}

func (s *fakeSession) Me() discord.UserID { return testUser }

func (s *fakeSession) setOnJoin(fn func(cmd gateway.UpdateVoiceStateCommand)) {
	s.mutex.Lock()
	s.onJoin = fn
	s.mutex.Unlock()
}

func (s *fakeSession) dispatchState(channelID discord.ChannelID) {
	s.handlers.Dispatch(gateway.VoiceStateUpdateEventName, gateway.Event{
		Name: gateway.VoiceStateUpdateEventName,
		Value: &gateway.VoiceStateUpdateEvent{
			GuildID:   testGuild,
			ChannelID: channelID,
			UserID:    testUser,
			SessionID: "session",
		},
	})
}

func (s *fakeSession) dispatchServer(endpoint string) {
	s.handlers.Dispatch(gateway.VoiceServerUpdateEventName, gateway.Event{
		Name: gateway.VoiceServerUpdateEventName,
		Value: &gateway.VoiceServerUpdateEvent{
			Token:    "token",
			GuildID:  testGuild,
			Endpoint: endpoint,
		},
	})
}

type updateOrder int

const (
	stateFirst updateOrder = iota
	serverFirst
	concurrently
)

// answerJoins answers every join with both updates in the given order.
func (s *fakeSession) answerJoins(endpoint string, order updateOrder) {
	s.setOnJoin(func(cmd gateway.UpdateVoiceStateCommand) {
		switch order {
		case stateFirst:
			s.dispatchState(*cmd.ChannelID)
			s.dispatchServer(endpoint)
		case serverFirst:
			s.dispatchServer(endpoint)
			s.dispatchState(*cmd.ChannelID)
		case concurrently:
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { s.dispatchState(*cmd.ChannelID); wg.Done() }()
			go func() { s.dispatchServer(endpoint); wg.Done() }()
			wg.Wait()
		}
	})
}

// nextCommand returns the next voice state request.
func (s *fakeSession) nextCommand(t *testing.T) gateway.UpdateVoiceStateCommand {
	t.Helper()

	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("no voice state request")
		return gateway.UpdateVoiceStateCommand{}
	}
}

// fakeUDP answers IP discovery and forwards every other packet.
func fakeUDP(t *testing.T) (host string, port int, packets <-chan []byte) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	ch := make(chan []byte, 64)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			if n == 74 && binary.BigEndian.Uint16(buf[0:2]) == 1 {
				resp := make([]byte, 74)
				binary.BigEndian.PutUint16(resp[0:], 2)
				binary.BigEndian.PutUint16(resp[2:], 70)
				copy(resp[4:8], buf[4:8])
				copy(resp[8:], "203.0.113.5")
				binary.BigEndian.PutUint16(resp[72:], 50000)
				pc.WriteTo(resp, from)
				continue
			}

			select {
			case ch <- append([]byte(nil), buf[:n]...):
			default:
			}
		}
	}()

	addr := pc.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), addr.Port, ch
}

type wireOp struct {
	Code int      `json:"op"`
	Data json.Raw `json:"d"`
}

type script func(t *testing.T, conn *websocket.Conn)

// fakeVoiceServer runs the i-th script for the i-th voice websocket.
func fakeVoiceServer(t *testing.T, scripts ...script) string {
	upgrader := websocket.Upgrader{}
	conns := make(chan int, len(scripts))
	for i := range scripts {
		conns <- i
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var i int
		select {
		case i = <-conns:
		default:
			http.Error(w, "no more scripts", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		defer conn.Close()

		scripts[i](t, conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readCommand(conn *websocket.Conn) (wireOp, error) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return wireOp{}, err
		}

		var op wireOp
		if err := json.Unmarshal(b, &op); err != nil {
			return wireOp{}, err
		}

		if op.Code != int(voicegateway.HeartbeatOP) {
			return op, nil
		}

		ack := `{"op":6,"d":` + op.Data.String() + `}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			return wireOp{}, err
		}
	}
}

func send(conn *websocket.Conn, payload string) {
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// drain reads until the client goes away and returns the close code.
func drain(conn *websocket.Conn) int {
	for {
		if _, err := readCommand(conn); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			return -1
		}
	}
}

func closeWith(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	drain(conn)
}

const hello = `{"op":8,"d":{"heartbeat_interval":13750}}`

// identify plays the server side of a fresh voice handshake and reports the
// selected mode.
func identify(t *testing.T, conn *websocket.Conn, udpHost string, udpPort int, modes chan<- string) bool {
	send(conn, hello)

	op, err := readCommand(conn)
	if err != nil || op.Code != int(voicegateway.IdentifyOP) {
		t.Errorf("expected IDENTIFY, got %d (%v)", op.Code, err)
		return false
	}

	var id voicegateway.IdentifyCommand
	json.Unmarshal(op.Data, &id)
	if id.GuildID != testGuild || id.UserID != testUser || id.SessionID != "session" || id.Token != "token" {
		t.Errorf("unexpected IDENTIFY %+v", id)
	}

	send(conn, `{"op":2,"d":{"ssrc":42,"ip":"`+udpHost+`","port":`+strconv.Itoa(udpPort)+
		`,"modes":["xsalsa20_poly1305","xsalsa20_poly1305_suffix","xsalsa20_poly1305_lite"]}}`)

	op, err = readCommand(conn)
	if err != nil || op.Code != int(voicegateway.SelectProtocolOP) {
		t.Errorf("expected SELECT_PROTOCOL, got %d (%v)", op.Code, err)
		return false
	}

	var sel voicegateway.SelectProtocolCommand
	json.Unmarshal(op.Data, &sel)
	if sel.Data.Address != "203.0.113.5" || sel.Data.Port != 50000 {
		t.Errorf("unexpected discovered address %+v", sel.Data)
	}

	key := make([]string, len(testKey))
	for i, b := range testKey {
		key[i] = strconv.Itoa(int(b))
	}
	send(conn, `{"op":4,"d":{"mode":"`+sel.Data.Mode+`","secret_key":[`+strings.Join(key, ",")+`]}}`)

	if modes != nil {
		modes <- sel.Data.Mode
	}
	return true
}

func newTestConnection(t *testing.T, s Session) *Connection {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	opts := DefaultOptions()
	opts.Timeout = 5 * time.Second
	opts.MaxRetries = 2
	opts.Logger = logrus.NewEntry(log)
	opts.Gateway.DialLimiter = rate.NewLimiter(rate.Inf, 1)

	c := NewConnection(s, testGuild, opts)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Disconnect(ctx)
	})

	return c
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectUpdateOrders(t *testing.T) {
	orders := map[string]updateOrder{
		"state first":  stateFirst,
		"server first": serverFirst,
		"concurrently": concurrently,
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			host, port, _ := fakeUDP(t)
			endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
				if identify(t, conn, host, port, nil) {
					drain(conn)
				}
			})

			s := newFakeSession()
			s.answerJoins(endpoint, order)

			c := newTestConnection(t, s)
			require.NoError(t, c.Connect(connectCtx(t), testChannel, false, true))

			assert.True(t, c.Stage().Has(Connected|GotBothVoiceUpdates|GotUDPDiscovery))
			assert.Equal(t, testChannel, c.ChannelID())

			join := s.nextCommand(t)
			require.NotNil(t, join.ChannelID)
			assert.Equal(t, testChannel, *join.ChannelID)
			assert.True(t, join.SelfDeaf)
		})
	}
}

func TestConnectAndPlay(t *testing.T) {
	host, port, packets := fakeUDP(t)
	modes := make(chan string, 1)

	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if !identify(t, conn, host, port, modes) {
			return
		}

		// The client announces itself once before any audio.
		for _, expected := range []voicegateway.SpeakingFlag{voicegateway.Microphone, voicegateway.NotSpeaking} {
			op, err := readCommand(conn)
			if err != nil || op.Code != int(voicegateway.SpeakingOP) {
				t.Errorf("expected SPEAKING, got %d (%v)", op.Code, err)
				return
			}
			var cmd voicegateway.SpeakingCommand
			json.Unmarshal(op.Data, &cmd)
			assert.Equal(t, expected, cmd.Speaking)
			assert.Equal(t, uint32(42), cmd.SSRC)
		}

		drain(conn)
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))

	mode := <-modes
	assert.Equal(t, udp.ModeLite, mode)

	c.clock = newFakeClock()
	require.NoError(t, c.Play(connectCtx(t), frames(3, nil)))

	receiver := udp.NewPacketizer(42, udp.FrameSamples)
	require.NoError(t, receiver.UseSecret(mode, testKey))

	var got [][]byte
	for len(got) < 3+silenceFrames {
		select {
		case b := <-packets:
			p, err := receiver.Open(nil, b)
			require.NoError(t, err)
			assert.Equal(t, uint32(42), p.Header.SSRC)
			got = append(got, p.Opus)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d packets", len(got))
		}
	}

	assert.Equal(t, [][]byte{{1}, {2}, {3}}, got[:3])
	assert.Equal(t, silence(5), got[3:])
}

func TestConnectTimeout(t *testing.T) {
	s := newFakeSession()
	s.setOnJoin(func(cmd gateway.UpdateVoiceStateCommand) {
		s.dispatchState(*cmd.ChannelID)
	})

	c := newTestConnection(t, s)
	c.opts.Timeout = 100 * time.Millisecond

	err := c.Connect(connectCtx(t), testChannel, false, false)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Disconnected, c.Stage())

	join := s.nextCommand(t)
	assert.NotNil(t, join.ChannelID)

	leave := s.nextCommand(t)
	assert.Nil(t, leave.ChannelID, "a failed join leaves the channel")
}

func TestConnectTwice(t *testing.T) {
	host, port, _ := fakeUDP(t)
	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			drain(conn)
		}
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))

	err := c.Connect(connectCtx(t), testChannel, false, false)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.True(t, c.Stage().Has(Connected))
}

func TestResumeAfterServerCrash(t *testing.T) {
	host, port, _ := fakeUDP(t)
	crash := make(chan struct{})
	resumed := make(chan voicegateway.ResumeCommand, 1)

	endpoint := fakeVoiceServer(t,
		func(t *testing.T, conn *websocket.Conn) {
			if identify(t, conn, host, port, nil) {
				<-crash
				closeWith(conn, 4015)
			}
		},
		func(t *testing.T, conn *websocket.Conn) {
			send(conn, hello)

			op, err := readCommand(conn)
			if err != nil || op.Code != int(voicegateway.ResumeOP) {
				t.Errorf("expected RESUME, got %d (%v)", op.Code, err)
				return
			}

			var cmd voicegateway.ResumeCommand
			json.Unmarshal(op.Data, &cmd)
			resumed <- cmd

			send(conn, `{"op":9,"d":null}`)
			drain(conn)
		},
	)

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))
	close(crash)

	select {
	case cmd := <-resumed:
		assert.Equal(t, voicegateway.ResumeCommand{
			GuildID:   testGuild,
			SessionID: "session",
			Token:     "token",
		}, cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not resume")
	}

	assert.Eventually(t, func() bool {
		return c.Stage().Has(Connected | Resumed)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.Stage().Has(Reconnecting))
}

func TestNormalCloseDisconnects(t *testing.T) {
	host, port, _ := fakeUDP(t)
	kick := make(chan struct{})

	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			<-kick
			closeWith(conn, 1000)
		}
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))
	s.nextCommand(t)

	close(kick)

	leave := s.nextCommand(t)
	assert.Nil(t, leave.ChannelID)

	assert.Eventually(t, func() bool {
		return c.Stage() == Disconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Err())
}

func TestReconnectRetriesExhausted(t *testing.T) {
	host, port, _ := fakeUDP(t)
	drop := make(chan struct{})

	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			<-drop
			closeWith(conn, 4006)
		}
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))

	// The voice server refuses every later websocket.
	close(drop)

	assert.Eventually(t, func() bool {
		return c.Stage() == Disconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Err(), ErrRetriesExhausted)
}

func TestServerMigration(t *testing.T) {
	host, port, _ := fakeUDP(t)
	oldClose := make(chan int, 1)
	migrated := make(chan struct{})

	oldEndpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			oldClose <- drain(conn)
		}
	})
	newEndpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			close(migrated)
			drain(conn)
		}
	})

	s := newFakeSession()
	s.answerJoins(oldEndpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))

	s.dispatchServer(newEndpoint)

	select {
	case code := <-oldClose:
		assert.Equal(t, 4014, code)
	case <-time.After(5 * time.Second):
		t.Fatal("old voice websocket was not closed")
	}

	select {
	case <-migrated:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not identify with the new server")
	}

	assert.Eventually(t, func() bool {
		return c.Stage().Has(Connected)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	host, port, _ := fakeUDP(t)
	closed := make(chan int, 1)

	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			closed <- drain(conn)
		}
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))
	s.nextCommand(t)

	require.NoError(t, c.Disconnect(connectCtx(t)))
	require.NoError(t, c.Disconnect(connectCtx(t)))

	assert.Equal(t, Disconnected, c.Stage())
	assert.ErrorIs(t, c.SendFrame([]byte{1}), ErrNotConnected)

	leave := s.nextCommand(t)
	assert.Nil(t, leave.ChannelID)

	select {
	case code := <-closed:
		assert.Equal(t, 1000, code)
	case <-time.After(5 * time.Second):
		t.Fatal("voice websocket was not closed")
	}
}

func TestKickedFromChannel(t *testing.T) {
	host, port, _ := fakeUDP(t)
	endpoint := fakeVoiceServer(t, func(t *testing.T, conn *websocket.Conn) {
		if identify(t, conn, host, port, nil) {
			drain(conn)
		}
	})

	s := newFakeSession()
	s.answerJoins(endpoint, stateFirst)

	c := newTestConnection(t, s)
	require.NoError(t, c.Connect(connectCtx(t), testChannel, false, false))

	s.dispatchState(0)

	assert.Eventually(t, func() bool {
		return c.Stage() == Disconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpdatesForOtherGuildsAreIgnored(t *testing.T) {
	s := newFakeSession()
	c := newTestConnection(t, s)
	c.opts.Timeout = 100 * time.Millisecond

	s.setOnJoin(func(cmd gateway.UpdateVoiceStateCommand) {
		s.handlers.Dispatch(gateway.VoiceServerUpdateEventName, gateway.Event{
			Value: &gateway.VoiceServerUpdateEvent{Token: "t", GuildID: 999, Endpoint: "x"},
		})
		s.handlers.Dispatch(gateway.VoiceStateUpdateEventName, gateway.Event{
			Value: &gateway.VoiceStateUpdateEvent{GuildID: testGuild, ChannelID: testChannel, UserID: 1},
		})
		s.dispatchServer("")
	})

	assert.ErrorIs(t, c.Connect(connectCtx(t), testChannel, false, false), ErrTimeout)
}
