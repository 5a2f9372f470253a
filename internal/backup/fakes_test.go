package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory engine that records every call
type fakeServer struct {
	mu        sync.Mutex
	calls     []string
	requests  []engine.Request
	databases map[string]*fakeDatabase
	headers   map[string]int

	hasErr    error
	startErr  error
	createErr error
	// failOn returns the error a call finishes with, per request.
	failOn func(req engine.Request) error
	// events overrides the scripted events of every call.
	events []engine.Event
	// block holds every call open until closed.
	block chan struct{}
}

func newFakeServer(databases ...string) *fakeServer {
	s := &fakeServer{
		databases: make(map[string]*fakeDatabase),
		headers:   make(map[string]int),
	}
	for _, name := range databases {
		s.addDatabase(name, engine.StateNormal)
	}
	return s
}

func (s *fakeServer) addDatabase(name string, state engine.DatabaseState) *fakeDatabase {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := &fakeDatabase{server: s, name: name, state: state, access: engine.AccessModeMultiple}
	s.databases[name] = db
	return db
}

func (s *fakeServer) record(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeServer) Requests() []engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Request(nil), s.requests...)
}

func (s *fakeServer) HasDatabase(ctx context.Context, name string) (bool, error) {
	s.record("HasDatabase %s", name)
	if s.hasErr != nil {
		return false, s.hasErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.databases[name]
	return ok, nil
}

func (s *fakeServer) GetDatabase(ctx context.Context, name string) (engine.Database, error) {
	s.record("GetDatabase %s", name)
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[name]
	if !ok {
		return nil, engine.ErrDatabaseNotFound
	}
	return db, nil
}

func (s *fakeServer) CreateDatabase(ctx context.Context, name string) (engine.Database, error) {
	s.record("CreateDatabase %s", name)
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.addDatabase(name, engine.StateNormal), nil
}

func (s *fakeServer) ReadHeaderType(ctx context.Context, path string) (int, error) {
	s.record("ReadHeaderType %s", path)
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.headers[path]
	if !ok {
		return 0, engine.ErrHeaderNotFound
	}
	return code, nil
}

func (s *fakeServer) Start(ctx context.Context, req engine.Request) (engine.Call, error) {
	s.record("Start %s %s", req.Action, req.Database)
	if s.startErr != nil {
		return nil, s.startErr
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	script := s.events
	block := s.block
	failOn := s.failOn
	s.mu.Unlock()

	if script == nil {
		script = []engine.Event{
			{Kind: engine.EventInformation, Message: fmt.Sprintf("%s started", req.Action)},
			{Kind: engine.EventProgress, Percent: 50},
			{Kind: engine.EventProgress, Percent: 100},
			{Kind: engine.EventComplete, Message: "done"},
		}
	}

	var callErr error
	if failOn != nil {
		callErr = failOn(req)
	}
	if callErr == nil && !req.Action.IsRestore() {
		for _, d := range req.Devices {
			_ = os.WriteFile(d.Name, []byte("backup data for "+req.Database), 0644)
		}
	}

	c := &fakeCall{events: make(chan engine.Event), done: make(chan struct{})}
	go func() {
		if block != nil {
			<-block
		}
		for _, e := range script {
			if callErr != nil && e.Kind == engine.EventComplete {
				continue
			}
			e.Time = time.Now()
			c.events <- e
		}
		c.err = callErr
		close(c.events)
		close(c.done)
	}()
	return c, nil
}

type fakeCall struct {
	events chan engine.Event
	done   chan struct{}
	err    error
}

func (c *fakeCall) Events() <-chan engine.Event { return c.events }

func (c *fakeCall) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeDatabase struct {
	server  *fakeServer
	name    string
	state   engine.DatabaseState
	access  engine.AccessMode
	modeErr error
}

func (d *fakeDatabase) Name() string                { return d.name }
func (d *fakeDatabase) State() engine.DatabaseState { return d.state }
func (d *fakeDatabase) UserAccess() engine.AccessMode {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	return d.access
}

func (d *fakeDatabase) SetAccessMode(ctx context.Context, mode engine.AccessMode) error {
	d.server.record("SetAccessMode %s %s", d.name, mode)
	if d.modeErr != nil {
		return d.modeErr
	}
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	d.access = mode
	return nil
}

var errEngine = errors.New("engine exploded")

// writeArtifact creates an artifact file under dir and returns its path
func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("artifact "+name), 0644))
	return path
}

// collect drains events until the channel closes
func collect(ch <-chan Event) <-chan []Event {
	out := make(chan []Event, 1)
	go func() {
		var events []Event
		for e := range ch {
			events = append(events, e)
		}
		out <- events
	}()
	return out
}
