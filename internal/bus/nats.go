//file: internal/bus/nats.go

package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
)

// NATSForwarder republishes every bus envelope to a NATS subject of the
// form <prefix>.<envelope-type>, letting headless consumers observe the
// hub without the HTTP layer. Connection trouble degrades to logging;
// the in-process bus is never blocked by it.
type NATSForwarder struct {
	bus    *Bus
	conn   *nats.Conn
	sub    *Subscriber
	prefix string
	logger *logger.Logger

	wg sync.WaitGroup
}

func NewNATSForwarder(b *Bus, cfg *config.NATSConfig, log *logger.Logger) (*NATSForwarder, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no NATS server URLs provided")
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	log.Info("connected to NATS server", "url", conn.ConnectedUrl())

	f := &NATSForwarder{
		bus:    b,
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: log,
	}
	return f, nil
}

// Start subscribes to the bus and begins forwarding.
func (f *NATSForwarder) Start() {
	f.sub = f.bus.Subscribe(0)
	f.wg.Add(1)
	go f.run()
}

func (f *NATSForwarder) run() {
	defer f.wg.Done()
	for msg := range f.sub.C() {
		subject := f.prefix + "." + msg.Type
		if err := f.conn.Publish(subject, msg.Data); err != nil {
			f.logger.Debug("failed to forward envelope to NATS", "subject", subject, "error", err)
		}
	}
}

// Stop detaches from the bus, flushes and closes the connection.
func (f *NATSForwarder) Stop() {
	if f.sub != nil {
		f.bus.Unsubscribe(f.sub)
	}
	f.wg.Wait()
	if err := f.conn.Flush(); err != nil {
		f.logger.Debug("failed to flush NATS connection", "error", err)
	}
	f.conn.Close()
}
