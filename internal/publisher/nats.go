package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc          *nats.Conn
	conn        msgPublisher
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("arrivalboard"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, conn: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.Printf("nats drain: %v", err)
		}
		p.nc.Close()
	}
}

// EntryMessage is one arrival as mirrored to subscribers.
type EntryMessage struct {
	RouteID string `json:"routeId,omitempty"`
	Minutes int    `json:"minutes"`
}

// FrameMessage mirrors one committed display frame.
type FrameMessage struct {
	StopID     string                    `json:"stopId"`
	Kind       string                    `json:"kind"`
	Stale      bool                      `json:"stale"`
	Directions map[string][]EntryMessage `json:"directions,omitempty"`
	Timestamp  time.Time                 `json:"timestamp"`
}

func (p *NATSPublisher) Subject(stopID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, subjectToken(stopID))
}

// PublishFrame sends msg with a unique Nats-Msg-Id so JetStream consumers can
// deduplicate redeliveries.
func (p *NATSPublisher) PublishFrame(msg FrameMessage) error {
	subject := p.Subject(msg.StopID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s kind=%s", subject, msg.Kind)
	}
	start := time.Now()
	err = p.conn.PublishMsg(newMsg(subject, b))
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func newMsg(subject string, data []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(nats.MsgIdHdr, uuid.NewString())
	m.Data = data
	return m
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
