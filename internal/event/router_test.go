package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gtserver/internal/event"
	"github.com/cory-johannsen/gtserver/internal/game/session"
	"github.com/cory-johannsen/gtserver/internal/observability"
	"github.com/cory-johannsen/gtserver/internal/protocol"
	"github.com/cory-johannsen/gtserver/internal/testutil"
	"github.com/cory-johannsen/gtserver/internal/transport"
)

type recordingServer struct {
	mu     sync.Mutex
	logs   []string
	kicked []uint32
}

func (s *recordingServer) InstanceID() uint8 { return 3 }

func (s *recordingServer) Send(transport.Peer, []byte) error { return nil }

func (s *recordingServer) SendLog(_ transport.Peer, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, msg)
	return nil
}

func (s *recordingServer) Kick(peer transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = append(s.kicked, peer.ConnectionID())
}

func newContext(t *testing.T, router *event.Router) (*event.Context, *recordingServer) {
	t.Helper()
	reg := session.NewRegistry()
	sess, err := reg.Create(testutil.NewFakePeer(1))
	require.NoError(t, err)
	srv := &recordingServer{}
	return &event.Context{
		Ctx:     context.Background(),
		Server:  srv,
		Session: sess,
		Router:  router,
	}, srv
}

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func TestBuilder_DuplicateKeyRejected(t *testing.T) {
	b := event.NewBuilder()
	noop := func(*event.Context) {}
	require.NoError(t, b.Text("enter_game", noop))
	assert.Error(t, b.Text("enter_game", noop))
	// Same key in another class is a separate table.
	assert.NoError(t, b.Action("enter_game", noop))
}

func TestBuilder_RejectsAfterBuild(t *testing.T) {
	b := event.NewBuilder()
	b.Build(zaptest.NewLogger(t), newMetrics())
	assert.Error(t, b.Text("late", func(*event.Context) {}))
}

func TestBuilder_RejectsNilHandlerAndUnknownClass(t *testing.T) {
	b := event.NewBuilder()
	assert.Error(t, b.Text("nil", nil))
	assert.Error(t, b.Register(event.Class(9), "x", func(*event.Context) {}))
}

func TestLoadEvents_BuiltinsAndCounts(t *testing.T) {
	extra := func(b *event.Builder) error {
		return b.Action("input", func(*event.Context) {})
	}
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics(), extra)
	require.NoError(t, err)

	counts := r.Counts()
	assert.Equal(t, 1, counts[event.ClassText])
	assert.Equal(t, 2, counts[event.ClassAction])
	assert.Equal(t, 1, counts[event.ClassGamePacket])
	assert.True(t, r.Has(event.ClassAction, event.ActionQuit))
	assert.True(t, r.Has(event.ClassGamePacket, event.PacketKey(protocol.GamePacketDisconnect)))
}

func TestLoadEvents_RegistrationConflict(t *testing.T) {
	clash := func(b *event.Builder) error {
		return b.Action(event.ActionQuit, func(*event.Context) {})
	}
	_, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics(), clash)
	assert.Error(t, err)
}

func TestDispatch_Hit(t *testing.T) {
	b := event.NewBuilder()
	var got string
	require.NoError(t, b.Text("hello", func(ec *event.Context) {
		got = ec.Text.Raw()
	}))
	m := newMetrics()
	r := b.Build(zaptest.NewLogger(t), m)
	ec, _ := newContext(t, r)
	ec.Text = protocol.NewTextScanner("hello|x=1")

	assert.True(t, r.Dispatch(context.Background(), event.ClassText, "hello", ec))
	assert.Equal(t, "hello|x=1", got)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches().WithLabelValues("text", "hit")))
}

func TestDispatch_MissIsNoop(t *testing.T) {
	m := newMetrics()
	r, err := event.LoadEvents(zaptest.NewLogger(t), m)
	require.NoError(t, err)
	ec, srv := newContext(t, r)
	ec.Session.SetAuthenticated(true)

	assert.False(t, r.Dispatch(context.Background(), event.ClassText, "unknown_key", ec))
	assert.False(t, r.Dispatch(context.Background(), event.Class(42), "x", ec))
	assert.True(t, ec.Session.Authenticated())
	assert.Empty(t, srv.kicked)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches().WithLabelValues("text", "miss")))
}

func TestDispatch_RecoversPanic(t *testing.T) {
	b := event.NewBuilder()
	require.NoError(t, b.Action("boom", func(*event.Context) { panic("handler bug") }))
	m := newMetrics()
	r := b.Build(zaptest.NewLogger(t), m)
	ec, _ := newContext(t, r)
	orig := ec.Ctx

	var ran bool
	assert.NotPanics(t, func() {
		ran = r.Dispatch(context.Background(), event.ClassAction, "boom", ec)
	})
	assert.True(t, ran, "a recovered handler still counts as run")
	assert.Equal(t, orig, ec.Ctx)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.HandlerPanics().WithLabelValues("action")))
}

func TestDispatchClassified_LeavesCallerContextUnchanged(t *testing.T) {
	b := event.NewBuilder()
	var seenText *protocol.TextScanner
	var seenCtx context.Context
	require.NoError(t, b.Text("hello", func(ec *event.Context) {
		seenText = ec.Text
		seenCtx = ec.Ctx
	}))
	var seenPacket *protocol.GameUpdatePacket
	require.NoError(t, b.Packet(protocol.GamePacketPingReply, func(ec *event.Context) {
		seenPacket = ec.Packet
	}))
	r := b.Build(zaptest.NewLogger(t), newMetrics())
	ec, _ := newContext(t, r)
	orig := ec.Ctx

	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGenericText, "hello|x=1"))
	require.NoError(t, err)
	require.True(t, r.DispatchClassified(context.Background(), cp, ec))
	require.NotNil(t, seenText)
	assert.Equal(t, "hello|x=1", seenText.Raw())
	assert.NotNil(t, seenCtx)
	assert.Nil(t, ec.Text)
	assert.Equal(t, orig, ec.Ctx)

	gp := protocol.GameUpdatePacket{Type: protocol.GamePacketPingReply, NetID: 5}
	cp, err = protocol.Classify(gp.Encode())
	require.NoError(t, err)
	require.True(t, r.DispatchClassified(context.Background(), cp, ec))
	require.NotNil(t, seenPacket)
	assert.Equal(t, int32(5), seenPacket.NetID)
	assert.Nil(t, ec.Packet)
}

func TestBuiltin_ActionRedispatch(t *testing.T) {
	var ran bool
	input := func(b *event.Builder) error {
		return b.Action("input", func(ec *event.Context) {
			text, _ := ec.Text.Get("text")
			ran = text == "hi"
		})
	}
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics(), input)
	require.NoError(t, err)

	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGenericText, "action|input\n|text=hi"))
	require.NoError(t, err)
	ec, _ := newContext(t, r)
	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.True(t, ran)
}

func TestBuiltin_FieldIsNotAnAction(t *testing.T) {
	var ran bool
	field := func(b *event.Builder) error {
		return b.Action("text=Hello", func(*event.Context) { ran = true })
	}
	m := newMetrics()
	r, err := event.LoadEvents(zaptest.NewLogger(t), m, field)
	require.NoError(t, err)
	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGenericText, "action|text=Hello|"))
	require.NoError(t, err)
	ec, _ := newContext(t, r)

	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.False(t, ran)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Dispatches().WithLabelValues("action", "miss")))
}

func TestBuiltin_ChatLineReachesInput(t *testing.T) {
	var text string
	input := func(b *event.Builder) error {
		return b.Action("input", func(ec *event.Context) {
			text, _ = ec.Text.Get("text")
		})
	}
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics(), input)
	require.NoError(t, err)
	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGenericText, "action|input\n|text|hello"))
	require.NoError(t, err)
	ec, _ := newContext(t, r)

	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.Equal(t, "hello", text)
}

func TestBuiltin_QuitKicks(t *testing.T) {
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics())
	require.NoError(t, err)
	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGameMessage, "action|quit"))
	require.NoError(t, err)
	ec, srv := newContext(t, r)

	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.Equal(t, []uint32{1}, srv.kicked)
}

func TestBuiltin_DisconnectPacketKicks(t *testing.T) {
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics())
	require.NoError(t, err)
	gp := protocol.GameUpdatePacket{Type: protocol.GamePacketDisconnect}
	cp, err := protocol.Classify(gp.Encode())
	require.NoError(t, err)
	ec, srv := newContext(t, r)

	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.Nil(t, ec.Packet, "the caller's context is not modified")
	assert.Equal(t, []uint32{1}, srv.kicked)
}

func TestDispatchClassified_Unrecognized(t *testing.T) {
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics())
	require.NoError(t, err)
	ec, _ := newContext(t, r)
	assert.False(t, r.DispatchClassified(context.Background(),
		protocol.ClassifiedPacket{Category: protocol.CategoryUnrecognized}, ec))
}

func TestPropertyMissNeverMutatesSession(t *testing.T) {
	r, err := event.LoadEvents(zaptest.NewLogger(t), newMetrics())
	require.NoError(t, err)
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.StringMatching(`[a-z_]{1,16}`).Draw(rt, "key")
		if r.Has(event.ClassText, key) {
			return
		}
		auth := rapid.Bool().Draw(rt, "auth")
		ec, srv := newContext(t, r)
		ec.Session.SetAuthenticated(auth)
		if r.Dispatch(context.Background(), event.ClassText, key, ec) {
			rt.Fatalf("dispatch of %q reported a handler", key)
		}
		if ec.Session.Authenticated() != auth || len(srv.kicked) != 0 || len(srv.logs) != 0 {
			rt.Fatalf("dispatch miss mutated state for %q", key)
		}
	})
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "text", event.ClassText.String())
	assert.Equal(t, "game_packet", event.ClassGamePacket.String())
	assert.Equal(t, "class(7)", event.Class(7).String())
}
