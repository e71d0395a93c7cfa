// Package session identifies one run of the host: a fresh id per session,
// the host build and when it started. Log records carry these attributes.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Context holds the current session identity.
type Context struct {
	mu        sync.RWMutex
	id        uuid.UUID
	hostBuild string
	started   time.Time
}

// NewContext starts a session for hostBuild.
func NewContext(hostBuild string) *Context {
	return &Context{
		id:        uuid.New(),
		hostBuild: hostBuild,
		started:   time.Now(),
	}
}

// ID returns the session id.
func (c *Context) ID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// HostBuild returns the host build identifier.
func (c *Context) HostBuild() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostBuild
}

// Started returns when the session started.
func (c *Context) Started() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Restart begins a new session with a new id.
func (c *Context) Restart() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = uuid.New()
	c.started = time.Now()
	return c.id
}

// LogAttrs returns the attributes added to every log record.
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []slog.Attr{
		slog.String("session", c.id.String()),
		slog.String("hostBuild", c.hostBuild),
	}
}
