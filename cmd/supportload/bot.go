package main

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/client"
	"github.com/aeolun/supportline/pkg/protocol"
)

const ackTimeout = 10 * time.Second

var loremWords = strings.Fields("Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat.")

// bot is one live client sending to the admin and waiting for acks
type bot struct {
	id       int
	username string
	token    string
	opts     options
	stats    *Stats
	log      *zap.Logger

	// correlation id -> send time
	inflight map[string]time.Time
}

func newBot(id int, username, token string, opts options, stats *Stats, log *zap.Logger) *bot {
	return &bot{
		id:       id,
		username: username,
		token:    token,
		opts:     opts,
		stats:    stats,
		log:      log.With(zap.Int("bot", id), zap.String("user", username)),
		inflight: make(map[string]time.Time),
	}
}

func (b *bot) run(deadline time.Time, stop <-chan struct{}) {
	conn, err := client.NewConnection(b.opts.server, b.token)
	if err != nil {
		b.stats.connErrors.Add(1)
		b.log.Warn("bad server address", zap.Error(err))
		return
	}
	conn.DisableAutoReconnect()
	if err := conn.Connect(); err != nil {
		b.stats.connErrors.Add(1)
		b.log.Debug("connect failed", zap.Error(err))
		return
	}
	defer func() {
		conn.Close()
		b.stats.recordTraffic(conn.GetBytesSent(), conn.GetBytesReceived())
	}()

	if err := conn.Register(b.username); err != nil {
		b.stats.connErrors.Add(1)
		return
	}
	b.stats.connected.Add(1)
	if b.id%100 == 0 {
		b.log.Info("connected")
	}

	next := time.NewTimer(b.delay())
	defer next.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-next.C:
			if time.Now().After(deadline) {
				b.drain(conn, deadline.Add(ackTimeout))
				return
			}
			b.send(conn)
			next.Reset(b.delay())
		case frame, ok := <-conn.Incoming():
			if !ok {
				return
			}
			b.handle(frame)
		case <-conn.StateChanges():
			if !conn.IsConnected() {
				b.stats.recordDisconnection(len(b.inflight))
				return
			}
		case <-sweep.C:
			b.expire()
		}
	}
}

func (b *bot) delay() time.Duration {
	return b.opts.minDelay + time.Duration(rand.Int63n(int64(b.opts.maxDelay-b.opts.minDelay)))
}

func (b *bot) send(conn *client.Connection) {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}

	corr := uuid.NewString()
	if err := conn.SendMessage(corr, b.opts.to, strings.Join(words, " ")); err != nil {
		b.stats.failed.Add(1)
		b.log.Debug("send failed", zap.Error(err))
		return
	}
	b.inflight[corr] = time.Now()
}

func (b *bot) handle(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessageSent:
		var msg protocol.MessageSentMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		if sent, ok := b.inflight[msg.CorrelationID]; ok {
			delete(b.inflight, msg.CorrelationID)
			b.stats.recordAck(time.Since(sent))
		}
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := msg.Decode(frame.Payload); err != nil {
			return
		}
		if _, ok := b.inflight[msg.CorrelationID]; ok {
			delete(b.inflight, msg.CorrelationID)
			b.stats.recordRejection(msg.ErrorCode)
			b.log.Debug("send rejected", zap.Uint16("code", msg.ErrorCode), zap.String("message", msg.Message))
			return
		}
		b.log.Warn("server error", zap.Uint16("code", msg.ErrorCode), zap.String("message", msg.Message))
	case protocol.TypeReceiveMessage:
		b.stats.received.Add(1)
	}
}

// expire counts sends that never got an answer
func (b *bot) expire() {
	now := time.Now()
	for corr, sent := range b.inflight {
		if now.Sub(sent) > ackTimeout {
			delete(b.inflight, corr)
			b.stats.recordTimeout()
		}
	}
}

// drain waits for outstanding acks, counting whatever is left at until
// as timed out
func (b *bot) drain(conn *client.Connection, until time.Time) {
	timer := time.NewTimer(time.Until(until))
	defer timer.Stop()
	for len(b.inflight) > 0 {
		select {
		case frame, ok := <-conn.Incoming():
			if !ok {
				return
			}
			b.handle(frame)
		case <-timer.C:
			for range b.inflight {
				b.stats.recordTimeout()
			}
			return
		}
	}
}
