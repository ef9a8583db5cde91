package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/event"
)

// scriptHandler is one handler a script registered through gt.on_*.
type scriptHandler struct {
	class event.Class
	key   string
	fn    *lua.LFunction
	file  string
}

// Manager owns the single sandboxed LState that holds every event script.
//
// Handlers may be invoked from several instance goroutines; mu serializes
// all use of the LState.
type Manager struct {
	mu       sync.Mutex
	L        *lua.LState
	limit    int
	logger   *zap.Logger
	handlers []scriptHandler
	files    []string
	// loading is the file being executed; gt.on_* is only legal while set.
	loading string
	closed  bool
}

// NewManager creates a Manager whose loads and handler calls are each
// limited to instLimit opcodes.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses
// DefaultInstructionLimit).
// Postcondition: Returns a Manager with a sandboxed LState and the gt module
// registered.
func NewManager(logger *zap.Logger, instLimit int) *Manager {
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	m := &Manager{
		L:      NewSandboxedState(),
		limit:  instLimit,
		logger: logger.Named("scripting"),
	}
	m.RegisterModules(m.L)
	return m
}

// LoadDir executes every *.lua file in dir in lexicographic order. Scripts
// register their handlers while they load.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns an error naming the first file that fails to load.
// Handlers registered by files loaded before the failure are kept.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading event dir %q: %w", dir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("scripting: manager is closed")
	}
	for _, path := range luaFiles {
		m.loading = path
		err := RunLimited(m.L, m.limit, func() error { return m.L.DoFile(path) })
		m.loading = ""
		if err != nil {
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
		m.files = append(m.files, path)
	}
	return nil
}

// Files returns the scripts loaded so far.
func (m *Manager) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.files...)
}

// HandlerCount returns the number of handlers scripts have registered.
func (m *Manager) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Registration returns the event.Registration that adds every script
// handler to a Builder.
//
// Postcondition: the Registration fails if a script key collides with an
// already registered event.
func (m *Manager) Registration() event.Registration {
	return func(b *event.Builder) error {
		m.mu.Lock()
		handlers := append([]scriptHandler(nil), m.handlers...)
		m.mu.Unlock()

		for _, sh := range handlers {
			if err := b.Register(sh.class, sh.key, m.wrap(sh)); err != nil {
				return fmt.Errorf("script %q: %w", sh.file, err)
			}
		}
		return nil
	}
}

// wrap adapts a Lua function to an event.Handler. Lua errors and exhausted
// budgets are logged at Warn and never propagated.
func (m *Manager) wrap(sh scriptHandler) event.Handler {
	return func(ec *event.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}

		tbl, expire := m.eventTable(ec, sh.key)
		defer expire()

		err := RunLimited(m.L, m.limit, func() error {
			return m.L.CallByParam(lua.P{
				Fn:      sh.fn,
				NRet:    0,
				Protect: true,
			}, tbl)
		})
		if err != nil {
			m.logger.Warn("scripting: Lua runtime error",
				zap.Stringer("class", sh.class),
				zap.String("key", sh.key),
				zap.String("script", sh.file),
				zap.Error(err),
			)
		}
	}
}

// Close releases the LState. Handlers invoked after Close do nothing.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.L.Close()
}
