package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/bus"
	"github.com/jtstockton/meshcore-bot/internal/transport"
)

const (
	maxReconnectBackoff = 15 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 8 * time.Second
	defaultAckTimeout   = 12 * time.Second
)

// Service is the production Driver: it owns the transport, keeps the device
// contact table mirrored, and publishes typed events on the bus.
type Service struct {
	logger    *slog.Logger
	transport transport.Transport
	codec     *Codec
	bus       bus.MessageBus
	botName   string

	mu        sync.Mutex
	connected bool
	self      Contact
	hasSelf   bool
	contacts  map[string]Contact // by full pubkey hex

	ackMu   sync.Mutex
	ackWait map[uint32]chan time.Duration

	sentMu   sync.Mutex
	sentWait chan MsgSentInfo

	cancel context.CancelFunc
}

func NewService(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, botName string) *Service {
	return &Service{
		logger:    logger,
		transport: tr,
		codec:     NewCodec(),
		bus:       b,
		botName:   botName,
		contacts:  map[string]Contact{},
		ackWait:   map[uint32]chan time.Duration{},
	}
}

// Connect establishes the transport, starts the reader loop and requests
// the device state. Reconnects run with exponential backoff until the
// context is cancelled.
func (s *Service) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.transport.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("transport connect: %w", err)
	}

	if err := s.writeFrame(runCtx, s.codec.EncodeAppStart(s.botName)); err != nil {
		cancel()
		_ = s.transport.Close()
		return fmt.Errorf("app start: %w", err)
	}

	s.setConnected(true, nil)
	go s.runReader(runCtx)

	if err := s.writeFrame(runCtx, s.codec.EncodeGetContacts()); err != nil {
		s.logger.Warn("initial contact sync failed", "error", err)
	}

	return nil
}

func (s *Service) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := s.transport.Close()
	s.setConnected(false, nil)
	return err
}

func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Service) setConnected(connected bool, err error) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
	s.bus.Publish(bus.TopicConnStatus, ConnStatusEvent{Connected: connected, Err: err})
}

func (s *Service) runReader(ctx context.Context) {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		payload, err := s.transport.ReadFrame(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue // idle link, keep listening
			}
			s.logger.Warn("transport read failed, reconnecting", "error", err)
			s.setConnected(false, err)
			_ = s.transport.Close()
			if !sleepWithContext(ctx, backoff) {
				return
			}
			if backoff < maxReconnectBackoff {
				backoff *= 2
			}
			if err := s.transport.Connect(ctx); err != nil {
				continue
			}
			backoff = time.Second
			_ = s.writeFrame(ctx, s.codec.EncodeAppStart(s.botName))
			s.setConnected(true, nil)
			_ = s.writeFrame(ctx, s.codec.EncodeGetContacts())
			continue
		}

		frame, err := s.codec.DecodeFromRadio(payload)
		if err != nil {
			s.logger.Warn("decode companion frame failed", "error", err)
			continue
		}
		s.dispatchFrame(ctx, frame)
	}
}

func (s *Service) dispatchFrame(ctx context.Context, f Frame) {
	switch {
	case f.ContactMsg != nil:
		s.bus.Publish(bus.TopicContactMsgRecv, *f.ContactMsg)
	case f.ChannelMsg != nil:
		s.bus.Publish(bus.TopicChannelMsgRecv, *f.ChannelMsg)
	case f.RxLog != nil:
		s.bus.Publish(bus.TopicRxLogData, *f.RxLog)
	case f.Raw != nil:
		s.bus.Publish(bus.TopicRawData, *f.Raw)
	case f.Self != nil:
		s.mu.Lock()
		s.self = *f.Self
		s.hasSelf = true
		s.mu.Unlock()
		s.bus.Publish(bus.TopicSelfInfo, SelfInfoEvent{Contact: *f.Self})
	case f.Contact != nil:
		isNew := s.storeContact(*f.Contact)
		if isNew || f.Code == pushAdvert {
			s.bus.Publish(bus.TopicNewContact, NewContactEvent{Contact: *f.Contact})
		}
	case f.MsgSent != nil:
		s.offerMsgSent(*f.MsgSent)
	case f.Confirmed != nil:
		s.resolveAck(f.Confirmed.Ack, f.Confirmed.RoundTrip)
	case f.MsgWaiting:
		// Device-side mailbox flag; messages follow as CONTACT_MSG_RECV.
	}
}

func (s *Service) storeContact(c Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.contacts[c.PublicKey]
	s.contacts[c.PublicKey] = c
	return !existed
}

// SendMsg transmits one direct message and waits for the device's MSG_SENT
// acknowledgement (not the remote ack).
func (s *Service) SendMsg(ctx context.Context, dest Contact, text string) error {
	_, err := s.sendMsgAttempt(ctx, dest, text, 0, false)
	return err
}

// SendMsgWithRetry retries a direct message until the remote ack confirms
// delivery, switching to flood routing after FloodAfter direct attempts.
func (s *Service) SendMsgWithRetry(ctx context.Context, dest Contact, text string, opts RetryOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	total := opts.MaxAttempts + opts.MaxFloodAttempts

	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		flood := opts.FloodAfter > 0 && attempt >= opts.FloodAfter
		sent, err := s.sendMsgAttempt(ctx, dest, text, attempt, flood)
		if err != nil {
			lastErr = err
			continue
		}

		timeout := opts.AckTimeout
		if sent.EstTimeout > 0 {
			timeout = sent.EstTimeout
		}
		if s.waitForAck(ctx, sent.ExpectedAck, timeout) {
			return nil
		}
		lastErr = fmt.Errorf("no ack after attempt %d", attempt+1)
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return lastErr
}

func (s *Service) sendMsgAttempt(ctx context.Context, dest Contact, text string, attempt int, flood bool) (MsgSentInfo, error) {
	payload, err := s.codec.EncodeSendTxtMsg(dest, text, attempt, uint32(time.Now().Unix()), flood)
	if err != nil {
		return MsgSentInfo{}, err
	}

	wait := s.armMsgSent()
	defer s.disarmMsgSent()

	if err := s.writeFrame(ctx, payload); err != nil {
		return MsgSentInfo{}, err
	}

	select {
	case info := <-wait:
		return info, nil
	case <-time.After(writeTimeout):
		return MsgSentInfo{}, errors.New("no MSG_SENT event received")
	case <-ctx.Done():
		return MsgSentInfo{}, ctx.Err()
	}
}

func (s *Service) armMsgSent() chan MsgSentInfo {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	s.sentWait = make(chan MsgSentInfo, 1)
	return s.sentWait
}

func (s *Service) disarmMsgSent() {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	s.sentWait = nil
}

func (s *Service) offerMsgSent(info MsgSentInfo) {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	if s.sentWait != nil {
		select {
		case s.sentWait <- info:
		default:
		}
	}
}

func (s *Service) waitForAck(ctx context.Context, ack uint32, timeout time.Duration) bool {
	ch := make(chan time.Duration, 1)
	s.ackMu.Lock()
	s.ackWait[ack] = ch
	s.ackMu.Unlock()
	defer func() {
		s.ackMu.Lock()
		delete(s.ackWait, ack)
		s.ackMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Service) resolveAck(ack uint32, roundTrip time.Duration) {
	s.ackMu.Lock()
	ch, ok := s.ackWait[ack]
	s.ackMu.Unlock()
	if ok {
		select {
		case ch <- roundTrip:
		default:
		}
	}
}

func (s *Service) SendChanMsg(ctx context.Context, channelIdx int, text string) error {
	payload, err := s.codec.EncodeSendChannelTxtMsg(channelIdx, text, uint32(time.Now().Unix()))
	if err != nil {
		return err
	}
	return s.writeFrame(ctx, payload)
}

func (s *Service) SendAdvert(ctx context.Context, flood bool) error {
	return s.writeFrame(ctx, s.codec.EncodeSendSelfAdvert(flood))
}

func (s *Service) GetTime(ctx context.Context) (time.Time, error) {
	// The CURR_TIME response flows through the reader; for the bot's use
	// (clock sanity checks) the local receive moment is good enough, so
	// this issues the query and reports the host clock on failure.
	if err := s.writeFrame(ctx, s.codec.EncodeGetDeviceTime()); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

func (s *Service) SetTime(ctx context.Context, t time.Time) error {
	return s.writeFrame(ctx, s.codec.EncodeSetDeviceTime(t))
}

func (s *Service) SetName(ctx context.Context, name string) error {
	return s.writeFrame(ctx, s.codec.EncodeSetAdvertName(name))
}

func (s *Service) AddContact(ctx context.Context, c Contact) error {
	payload, err := s.codec.EncodeAddUpdateContact(c)
	if err != nil {
		return err
	}
	if err := s.writeFrame(ctx, payload); err != nil {
		return err
	}
	s.storeContact(c)
	return nil
}

// SelfContact is the radio's own identity, known once SELF_INFO arrived.
func (s *Service) SelfContact() (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self, s.hasSelf
}

func (s *Service) GetContactByName(name string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Contact{}, false
}

func (s *Service) GetContactByPrefix(prefix string) (Contact, bool) {
	prefix = strings.ToLower(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found Contact
		n     int
	)
	for _, c := range s.contacts {
		if strings.HasPrefix(c.PublicKey, prefix) {
			found = c
			n++
		}
	}
	if n != 1 {
		return Contact{}, false
	}
	return found, true
}

func (s *Service) Contacts() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out
}

func (s *Service) writeFrame(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.transport.WriteFrame(writeCtx, payload)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
