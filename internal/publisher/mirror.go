package publisher

import (
	"context"
	"log"
	"time"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
	"github.com/ponytojas/arrivalboard/internal/scheduler"
)

type FramePublisher interface {
	PublishFrame(msg FrameMessage) error
}

// Mirror forwards every call to the wrapped presenter and, once the frame is
// committed, publishes a copy. Publish failures are logged and never reach
// the scheduler.
type Mirror struct {
	next scheduler.Presenter
	pub  FramePublisher
	stop arrivals.StopID
	now  func() time.Time
}

func NewMirror(next scheduler.Presenter, pub FramePublisher, stop arrivals.StopID) *Mirror {
	return &Mirror{next: next, pub: pub, stop: stop, now: time.Now}
}

func (m *Mirror) Ready(ctx context.Context) error {
	if err := m.next.Ready(ctx); err != nil {
		return err
	}
	m.publish(m.frame("splash", false))
	return nil
}

func (m *Mirror) Render(summary arrivals.Summary, stale bool) error {
	if err := m.next.Render(summary, stale); err != nil {
		return err
	}
	msg := m.frame("summary", stale)
	msg.Directions = make(map[string][]EntryMessage, len(arrivals.Directions()))
	for _, d := range arrivals.Directions() {
		entries := summary.PerDirection[d]
		out := make([]EntryMessage, len(entries))
		for i, e := range entries {
			out[i] = EntryMessage{RouteID: e.RouteID, Minutes: e.Minutes}
		}
		msg.Directions[d.String()] = out
	}
	m.publish(msg)
	return nil
}

func (m *Mirror) RenderUnavailable() error {
	if err := m.next.RenderUnavailable(); err != nil {
		return err
	}
	m.publish(m.frame("unavailable", true))
	return nil
}

func (m *Mirror) Clear() error {
	if err := m.next.Clear(); err != nil {
		return err
	}
	m.publish(m.frame("clear", false))
	return nil
}

func (m *Mirror) frame(kind string, stale bool) FrameMessage {
	return FrameMessage{StopID: string(m.stop), Kind: kind, Stale: stale, Timestamp: m.now().UTC()}
}

func (m *Mirror) publish(msg FrameMessage) {
	if err := m.pub.PublishFrame(msg); err != nil {
		log.Printf("mirror %s frame for stop %s: %v", msg.Kind, msg.StopID, err)
	}
}
