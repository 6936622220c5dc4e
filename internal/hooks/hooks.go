// Package hooks delivers lifecycle events to operator-installed hook
// scripts. Delivery is fire-and-forget: hook failures are logged and
// never propagate into the pipeline.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event names emitted by the core.
const (
	EventTaskCreated      = "task.created"
	EventTaskCompleted    = "task.completed"
	EventSectionCompleted = "section.completed"
	EventHealthChanged    = "health.changed"
	EventHealthCritical   = "health.critical"
	EventDisputeCreated   = "dispute.created"
	EventDisputeResolved  = "dispute.resolved"
	EventCreditExhausted  = "credit.exhausted"
	EventCreditResolved   = "credit.resolved"
	EventProjectCompleted = "project.completed"
)

// ProjectRef identifies the emitting project in every payload.
type ProjectRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Payload is the envelope delivered to hook scripts on stdin.
type Payload struct {
	Event     string     `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Project   ProjectRef `json:"project"`

	Task    map[string]any `json:"task,omitempty"`
	Section map[string]any `json:"section,omitempty"`
	Health  map[string]any `json:"health,omitempty"`
	Dispute map[string]any `json:"dispute,omitempty"`
	Credit  map[string]any `json:"credit,omitempty"`
}

// CreditFields builds the credit payload block.
func CreditFields(provider, model, role, message string) map[string]any {
	return map[string]any{
		"provider": provider,
		"model":    model,
		"role":     role,
		"message":  message,
	}
}

// Dispatcher delivers events. Implementations must never block the
// caller on delivery outcome.
type Dispatcher interface {
	Dispatch(event string, payload Payload)
}

// Nop discards all events.
type Nop struct{}

// Dispatch implements Dispatcher.
func (Nop) Dispatch(string, Payload) {}

// ScriptDispatcher runs every executable in <dir>/<event>.d/ with the
// JSON payload on stdin.
type ScriptDispatcher struct {
	// Dir is the hooks root, usually ~/.steroids/hooks.
	Dir string

	// Timeout bounds each script run. 30s when zero.
	Timeout time.Duration

	Logger *slog.Logger

	// wg tracks in-flight deliveries so tests and shutdown can drain.
	wg sync.WaitGroup
}

// NewScriptDispatcher creates a dispatcher rooted at dir.
func NewScriptDispatcher(dir string, logger *slog.Logger) *ScriptDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptDispatcher{Dir: dir, Logger: logger}
}

// DefaultHooksDir returns ~/.steroids/hooks.
func DefaultHooksDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".steroids", "hooks"), nil
}

// Dispatch implements Dispatcher. It returns immediately; scripts run in
// the background.
func (d *ScriptDispatcher) Dispatch(event string, payload Payload) {
	payload.Event = event
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	scripts, err := d.scriptsFor(event)
	if err != nil {
		d.Logger.Warn("hook discovery failed", "event", event, "error", err)
		return
	}
	if len(scripts) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		d.Logger.Warn("hook payload marshal failed", "event", event, "error", err)
		return
	}

	for _, script := range scripts {
		d.wg.Add(1)
		go func(script string) {
			defer d.wg.Done()
			d.runScript(event, script, data)
		}(script)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *ScriptDispatcher) Wait() {
	d.wg.Wait()
}

func (d *ScriptDispatcher) scriptsFor(event string) ([]string, error) {
	dir := filepath.Join(d.Dir, event+".d")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var scripts []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		scripts = append(scripts, filepath.Join(dir, e.Name()))
	}
	return scripts, nil
}

func (d *ScriptDispatcher) runScript(event, script string, payload []byte) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script)
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Env = append(os.Environ(), "STEROIDS_EVENT="+event)

	if err := cmd.Run(); err != nil {
		d.Logger.Warn("hook script failed",
			"event", event, "script", script, "error", err)
		return
	}
	d.Logger.Debug("hook delivered", "event", event, "script", script)
}
