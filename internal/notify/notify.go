// Package notify pushes terminal task events to outside channels.
// Notifiers are outbound only; nothing flows back into the session from
// Discord or Telegram.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/config"
	"github.com/nextlevelbuilder/taskloom/internal/taskgraph"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

const (
	subscriberID = "notify"
	sendTimeout  = 15 * time.Second
	queueSize    = 32
)

// Notifier delivers one text notification to an external channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// FromConfig builds the notifiers enabled in the config. An enabled
// channel with missing credentials is an error so a typo cannot silently
// turn notifications off.
func FromConfig(cfg config.NotifyConfig) ([]Notifier, error) {
	var out []Notifier
	if cfg.Discord.Enabled {
		n, err := NewDiscord(cfg.Discord)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Telegram.Enabled {
		n, err := NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Dispatcher subscribes to the event bus and fans qualifying events out
// to every notifier. Bus handlers must not block, so events queue onto a
// buffered channel drained by one worker; when the queue is full the
// notification is dropped, never the broadcast.
type Dispatcher struct {
	events    bus.EventPublisher
	notifiers []Notifier
	queue     chan string
	done      chan struct{}
	stopped   chan struct{}
}

func NewDispatcher(events bus.EventPublisher, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		events:    events,
		notifiers: notifiers,
		queue:     make(chan string, queueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start subscribes to the bus and launches the send worker. A dispatcher
// with no notifiers does nothing.
func (d *Dispatcher) Start() {
	if len(d.notifiers) == 0 {
		close(d.stopped)
		return
	}

	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	slog.Info("notifications enabled", "channels", strings.Join(names, ","))

	d.events.Subscribe(subscriberID, d.handleEvent)
	go d.worker()
}

// Stop unsubscribes and waits for in-flight sends to finish.
func (d *Dispatcher) Stop() {
	if len(d.notifiers) == 0 {
		return
	}
	d.events.Unsubscribe(subscriberID)
	close(d.done)
	<-d.stopped
}

func (d *Dispatcher) handleEvent(ev bus.Event) {
	text, ok := formatEvent(ev)
	if !ok {
		return
	}
	select {
	case d.queue <- text:
	default:
		slog.Warn("notify queue full, dropping notification")
	}
}

func (d *Dispatcher) worker() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case text := <-d.queue:
					d.deliver(text)
				default:
					return
				}
			}
		case text := <-d.queue:
			d.deliver(text)
		}
	}
}

func (d *Dispatcher) deliver(text string) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := n.Send(ctx, text); err != nil {
			slog.Warn("notification send failed", "channel", n.Name(), "error", err)
		}
		cancel()
	}
}

// formatEvent decides whether an event warrants a notification and
// renders it. Only root-task completion/failure and subagent
// timeout/interruption qualify.
func formatEvent(ev bus.Event) (string, bool) {
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	subtype, _ := payload["type"].(string)

	switch ev.Name {
	case protocol.EventTask:
		task, ok := payload["task"].(*taskgraph.Task)
		if !ok || !task.IsRoot() {
			return "", false
		}
		switch subtype {
		case protocol.TaskEventCompleted:
			return fmt.Sprintf("Task completed: %s (session %s)", task.Title, ev.SessionID), true
		case protocol.TaskEventFailed:
			text := fmt.Sprintf("Task failed: %s (session %s)", task.Title, ev.SessionID)
			if task.Error != "" {
				text += "\n" + task.Error
			}
			return text, true
		}

	case protocol.EventSubagent:
		taskID, _ := payload["taskId"].(string)
		facet, _ := payload["facetName"].(string)
		switch subtype {
		case protocol.SubagentEventTimeout:
			return fmt.Sprintf("Subagent timed out: task %s [%s] (session %s)", taskID, facet, ev.SessionID), true
		case protocol.SubagentEventInterrupted:
			return fmt.Sprintf("Subagent interrupted: task %s [%s] (session %s)", taskID, facet, ev.SessionID), true
		}
	}
	return "", false
}

// splitMessage breaks text at the channel's message limit, preferring a
// newline in the back half of the chunk.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
