package engine

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	// ReconnectAttempts bounds the dial retries of one connection cycle;
	// zero gives up after the first failed dial.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// SendWait bounds how long SendStart waits for a reconnecting channel.
	SendWait     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	Logger *logrus.Entry
	Now    func() time.Time
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.SendWait == 0 {
		o.SendWait = 2 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
