package scripting_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/gtserver/internal/event"
	"github.com/cory-johannsen/gtserver/internal/game/session"
	"github.com/cory-johannsen/gtserver/internal/observability"
	"github.com/cory-johannsen/gtserver/internal/protocol"
	"github.com/cory-johannsen/gtserver/internal/scripting"
	"github.com/cory-johannsen/gtserver/internal/testutil"
	"github.com/cory-johannsen/gtserver/internal/transport"
)

type recordingServer struct {
	mu     sync.Mutex
	logs   []string
	kicked int
}

func (s *recordingServer) InstanceID() uint8 { return 0 }

func (s *recordingServer) Send(transport.Peer, []byte) error { return nil }

func (s *recordingServer) SendLog(_ transport.Peer, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, msg)
	return nil
}

func (s *recordingServer) Kick(transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked++
}

func (s *recordingServer) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

func newTestManager(t testing.TB, limit int) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(zap.New(core), limit)
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	}
	return dir
}

func buildRouter(t testing.TB, mgr *scripting.Manager) *event.Router {
	t.Helper()
	r, err := event.LoadEvents(zap.NewNop(), observability.NewMetrics(prometheus.NewRegistry()), mgr.Registration())
	require.NoError(t, err)
	return r
}

func dispatchText(t testing.TB, r *event.Router, srv event.Server, text string) bool {
	t.Helper()
	cp, err := protocol.Classify(protocol.EncodeText(protocol.MessageGenericText, text))
	require.NoError(t, err)
	sess, err := session.NewRegistry().Create(testutil.NewFakePeer(9))
	require.NoError(t, err)
	ec := &event.Context{Ctx: context.Background(), Server: srv, Session: sess, Router: r}
	return r.DispatchClassified(context.Background(), cp, ec)
}

func warnCount(logs *observer.ObservedLogs) int {
	return logs.FilterLevelExact(zap.WarnLevel).Len()
}

func TestManager_TextHandlerSendsLog(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"greet.lua": `
		gt.on_text("requestedName", function(ev)
			ev.send_log("hello " .. ev.values["requestedName"] .. " on " .. ev.connection_id)
		end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	assert.Equal(t, 1, mgr.HandlerCount())

	r := buildRouter(t, mgr)
	assert.Equal(t, 2, r.Counts()[event.ClassText])

	srv := &recordingServer{}
	assert.True(t, dispatchText(t, r, srv, "requestedName|grower"))
	assert.Equal(t, []string{"hello grower on 9"}, srv.Logs())
}

func TestManager_ActionHandlerViaBuiltinRedispatch(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"input.lua": `
		gt.on_action("input", function(ev)
			ev.send_log(ev.values["text"])
		end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	assert.True(t, dispatchText(t, r, srv, "action|input\n|text=hi there"))
	assert.Equal(t, []string{"hi there"}, srv.Logs())
}

func TestManager_ShippedInputHandlerEchoesChat(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	require.NoError(t, mgr.LoadDir(filepath.Join("..", "..", "content", "events")))
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	assert.True(t, dispatchText(t, r, srv, "action|input\n|text|hello"))
	assert.Equal(t, []string{"CP:0_PL:0_OID:_CT:[W]_ hello"}, srv.Logs())
}

func TestManager_PacketHandlerSeesFields(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"ping.lua": `
		gt.on_packet(21, function(ev)
			ev.send_log("ping " .. ev.packet.net_id .. " " .. ev.packet.int_x)
		end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	gp := protocol.GameUpdatePacket{Type: protocol.GamePacketPingReply, NetID: 4, IntX: 7}
	cp, err := protocol.Classify(gp.Encode())
	require.NoError(t, err)
	sess, err := session.NewRegistry().Create(testutil.NewFakePeer(1))
	require.NoError(t, err)
	srv := &recordingServer{}
	ec := &event.Context{Ctx: context.Background(), Server: srv, Session: sess, Router: r}

	assert.True(t, r.DispatchClassified(context.Background(), cp, ec))
	assert.Equal(t, []string{"ping 4 7"}, srv.Logs())
}

func TestManager_RuntimeErrorLoggedNotPropagated(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"bad.lua": `
		gt.on_text("boom", function(ev) error("intentional error") end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	assert.NotPanics(t, func() {
		assert.True(t, dispatchText(t, r, &recordingServer{}, "boom|"))
	})
	assert.Equal(t, 1, warnCount(logs))
}

func TestManager_RunawayHandlerStopsAndStateRecovers(t *testing.T) {
	mgr, logs := newTestManager(t, 500)
	dir := writeTempLua(t, map[string]string{"loop.lua": `
		gt.on_text("spin", function(ev) while true do end end)
		gt.on_text("kick", function(ev) ev.kick() end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	assert.True(t, dispatchText(t, r, srv, "spin|"))
	assert.Equal(t, 1, warnCount(logs))

	assert.True(t, dispatchText(t, r, srv, "kick|"))
	assert.Equal(t, 1, srv.kicked)
}

func TestManager_StaleEventClosuresRefuse(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"stale.lua": `
		saved = nil
		gt.on_text("save", function(ev) saved = ev end)
		gt.on_text("replay", function(ev) saved.kick() end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	dispatchText(t, r, srv, "save|")
	dispatchText(t, r, srv, "replay|")
	assert.Equal(t, 0, srv.kicked)
	assert.Equal(t, 1, warnCount(logs))
}

func TestManager_RegistrationClosedAfterLoad(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"late.lua": `
		gt.on_text("late", function(ev)
			gt.on_text("later", function(ev) end)
		end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	dispatchText(t, r, &recordingServer{}, "late|")
	assert.Equal(t, 1, mgr.HandlerCount())
	assert.Equal(t, 1, warnCount(logs))
}

func TestManager_DuplicateScriptKeyFailsLoad(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{
		"a.lua": `gt.on_action("input", function(ev) end)`,
		"b.lua": `gt.on_action("input", function(ev) end)`,
	})
	err := mgr.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.lua")
	assert.Len(t, mgr.Files(), 1)
}

func TestManager_BuiltinCollisionFailsRegistration(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"quit.lua": `gt.on_action("quit", function(ev) end)`})
	require.NoError(t, mgr.LoadDir(dir))
	_, err := event.LoadEvents(zap.NewNop(), observability.NewMetrics(prometheus.NewRegistry()), mgr.Registration())
	assert.Error(t, err)
}

func TestManager_PacketTypeOutOfRange(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"p.lua": `gt.on_packet(300, function(ev) end)`})
	assert.Error(t, mgr.LoadDir(dir))
}

func TestManager_InvalidLuaReturnsError(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"bad.lua": `this is not valid lua @@@@`})
	assert.Error(t, mgr.LoadDir(dir))
}

func TestManager_MissingDirReturnsError(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	assert.Error(t, mgr.LoadDir(filepath.Join(t.TempDir(), "absent")))
}

func TestManager_FilesLoadInLexicographicOrder(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{
		"a.lua":    `prefix = "from a: "`,
		"b.lua":    `gt.on_text("who", function(ev) ev.send_log(prefix .. ev.key) end)`,
		"notes.md": `not a script`,
	})
	require.NoError(t, mgr.LoadDir(dir))
	require.Len(t, mgr.Files(), 2)
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	dispatchText(t, r, srv, "who|")
	assert.Equal(t, []string{"from a: who"}, srv.Logs())
}

func TestGtLog_AllLevels(t *testing.T) {
	mgr, logs := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"log.lua": `
		gt.log.debug("d")
		gt.log.info("i")
		gt.log.warn("w")
		gt.log.error("e")
	`})
	require.NoError(t, mgr.LoadDir(dir))

	levels := map[string]bool{}
	for _, e := range logs.All() {
		levels[e.Level.String()] = true
	}
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		assert.True(t, levels[lvl], "expected %s log", lvl)
	}
}

func TestManager_CloseMakesHandlersNoop(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"k.lua": `gt.on_text("k", function(ev) ev.kick() end)`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)
	mgr.Close()

	srv := &recordingServer{}
	assert.True(t, dispatchText(t, r, srv, "k|"))
	assert.Equal(t, 0, srv.kicked)
	assert.Error(t, mgr.LoadDir(dir))
}

func TestManager_ConcurrentDispatch(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	dir := writeTempLua(t, map[string]string{"count.lua": `
		n = 0
		gt.on_text("count", function(ev) n = n + 1 ev.send_log(tostring(n)) end)
	`})
	require.NoError(t, mgr.LoadDir(dir))
	r := buildRouter(t, mgr)

	srv := &recordingServer{}
	const goroutines, callsEach = 8, 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsEach; j++ {
				dispatchText(t, r, srv, "count|")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, srv.Logs(), goroutines*callsEach)
}
