package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tickplane/tickplane/internal/discovery"
)

// State is the position of one (message, subscription) delivery in its
// lifecycle. ACKED, NACKED, DEAD_LETTERED and EXPIRED are terminal.
type State string

const (
	StatePending      State = "PENDING"
	StateResolving    State = "RESOLVING"
	StateSending      State = "SENDING"
	StateRetryWait    State = "RETRY_WAIT"
	StateAcked        State = "ACKED"
	StateNacked       State = "NACKED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateExpired      State = "EXPIRED"
)

// Reasons recorded on dead letters.
const (
	ReasonTTLExpired   = "TTL_EXPIRED"
	ReasonMaxRetries   = "MAX_RETRIES_EXCEEDED"
	ReasonNoSubscriber = "SUBSCRIBER_UNRESOLVABLE"
)

// Delivery tuning defaults.
const (
	DefaultBackoffBase  = 50 * time.Millisecond
	DefaultBackoffCap   = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultSendTimeout  = 10 * time.Second
	exactlyOnceAttempts = 2
)

// NackError is a consumer rejection: the subscriber answered with a client
// error or an explicit nack. Retriable in AT_LEAST_ONCE; under AT_MOST_ONCE
// the delivery terminates in NACKED.
type NackError struct {
	Reason string
}

func (e *NackError) Error() string { return "delivery nacked: " + e.Reason }

// DeadLetterError is an explicit consumer request to park the message.
type DeadLetterError struct {
	Reason string
}

func (e *DeadLetterError) Error() string { return "delivery dead-lettered: " + e.Reason }

// Finder resolves a live endpoint for a subscriber service, normally backed
// by a discovery.Client.
type Finder interface {
	FindService(ctx context.Context, serviceName string) (discovery.Endpoint, error)
}

// SendFunc pushes one delivery attempt to a resolved endpoint. A nil return
// is an acknowledgement. DeadLetterError parks the message immediately; every
// other error, nacks included, is retriable subject to the message's delivery
// mode and TTL.
type SendFunc func(ctx context.Context, ep discovery.Endpoint, sub Subscription, msg *Message, attempt int) error

// DeadLetterEntry is a parked delivery handed to the dead letter sink.
type DeadLetterEntry struct {
	Message    *Message
	Subscriber Identity
	Reason     string
	Attempts   int
	FailedAtNs int64
}

// DeadLetterSink receives deliveries that ended without an acknowledgement.
type DeadLetterSink interface {
	Record(ctx context.Context, entry DeadLetterEntry) error
}

// Engine drives one delivery attempt sequence per (message, subscription)
// pair: resolve the subscriber, send, and on failure branch on the delivery
// mode, the retry budget and the message TTL.
type Engine struct {
	finder Finder
	sink   DeadLetterSink
	send   SendFunc

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	// acked dedup ids per subscriber, consulted for EXACTLY_ONCE messages.
	acked *xsync.Map[string, int64]

	now func() time.Time
}

// EngineConfig configures a delivery Engine.
type EngineConfig struct {
	Finder Finder
	Sink   DeadLetterSink

	// Send overrides the HTTP push, mainly for tests.
	Send SendFunc
	// HTTPClient issues the default push; ignored when Send is set.
	HTTPClient *http.Client

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	SendTimeout time.Duration
}

// NewEngine creates a delivery engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	e := &Engine{
		finder:      cfg.Finder,
		sink:        cfg.Sink,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		maxAttempts: cfg.MaxAttempts,
		acked:       xsync.NewMap[string, int64](),
		now:         time.Now,
	}
	if cfg.Send != nil {
		e.send = cfg.Send
	} else {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		e.send = httpSender(httpClient, cfg.SendTimeout)
	}
	return e
}

// Deliver runs the delivery to completion and returns the terminal state.
// Cancelling ctx abandons the delivery in whatever state it reached.
func (e *Engine) Deliver(ctx context.Context, msg *Message, sub Subscription) State {
	mode := msg.Mode()

	if mode == ExactlyOnce {
		if key, ok := e.dedupKey(msg, sub); ok {
			if _, seen := e.acked.Load(key); seen {
				return StateAcked
			}
		}
	}

	maxAttempts := e.attemptBudget(mode)
	state := StatePending

	for attempt := 1; ; attempt++ {
		if expired, at := e.expired(msg); expired {
			e.park(ctx, msg, sub, ReasonTTLExpired, attempt-1, at)
			return StateExpired
		}

		state = StateResolving
		ep, err := e.finder.FindService(ctx, sub.Subscriber.ServiceName)
		if err == nil {
			state = StateSending
			err = e.send(ctx, ep, sub, msg, attempt)
		}

		if err == nil {
			if key, ok := e.dedupKey(msg, sub); ok {
				e.acked.Store(key, e.now().UnixNano())
			}
			return StateAcked
		}

		// The TTL wins over every other branch after a failure.
		if expired, at := e.expired(msg); expired {
			e.park(ctx, msg, sub, ReasonTTLExpired, attempt, at)
			return StateExpired
		}

		var dead *DeadLetterError
		if errors.As(err, &dead) {
			e.park(ctx, msg, sub, dead.Reason, attempt, e.now().UnixNano())
			return StateDeadLettered
		}

		if mode == AtMostOnce {
			var nack *NackError
			reason := err.Error()
			if errors.As(err, &nack) {
				reason = nack.Reason
			}
			log.Printf("[delivery] message %s to %s dropped after single attempt: %v",
				msg.Metadata.MessageID, sub.Subscriber.InstanceID, err)
			e.park(ctx, msg, sub, reason, attempt, e.now().UnixNano())
			return StateNacked
		}

		// Nacks and transport failures alike consume the attempt budget.
		if attempt >= maxAttempts {
			e.park(ctx, msg, sub, ReasonMaxRetries, attempt, e.now().UnixNano())
			return StateDeadLettered
		}

		state = StateRetryWait
		if !e.wait(ctx, attempt) {
			return state
		}
	}
}

// AckedDedup reports whether a dedup id was already acknowledged for the
// subscriber instance.
func (e *Engine) AckedDedup(dedupID, instanceID string) bool {
	_, ok := e.acked.Load(dedupID + "|" + instanceID)
	return ok
}

func (e *Engine) attemptBudget(mode DeliveryMode) int {
	switch mode {
	case AtMostOnce:
		return 1
	case ExactlyOnce:
		return exactlyOnceAttempts
	default:
		return e.maxAttempts
	}
}

func (e *Engine) dedupKey(msg *Message, sub Subscription) (string, bool) {
	id := msg.DeduplicationID()
	if id == "" {
		return "", false
	}
	return id + "|" + sub.Subscriber.InstanceID, true
}

func (e *Engine) expired(msg *Message) (bool, int64) {
	deadline, bounded := msg.ExpiresAt()
	if !bounded {
		return false, 0
	}
	now := e.now()
	return !now.Before(deadline), now.UnixNano()
}

func (e *Engine) park(ctx context.Context, msg *Message, sub Subscription, reason string, attempts int, atNs int64) {
	if e.sink == nil {
		return
	}
	entry := DeadLetterEntry{
		Message:    msg,
		Subscriber: sub.Subscriber,
		Reason:     reason,
		Attempts:   attempts,
		FailedAtNs: atNs,
	}
	if err := e.sink.Record(ctx, entry); err != nil {
		log.Printf("[delivery] dead letter sink rejected message %s: %v", msg.Metadata.MessageID, err)
	}
}

// wait sleeps the jittered exponential backoff for the given attempt and
// reports false when ctx was cancelled first.
func (e *Engine) wait(ctx context.Context, attempt int) bool {
	d := e.backoffBase << (attempt - 1)
	if d > e.backoffCap || d <= 0 {
		d = e.backoffCap
	}
	// Full jitter over [d/2, d].
	d = d/2 + rand.N(d/2+1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliveryBody is the wire shape of a callback push.
type deliveryBody struct {
	Message *Message        `json:"message"`
	Context deliveryContext `json:"context"`
}

type deliveryContext struct {
	DeliveryAttempt int    `json:"deliveryAttempt"`
	ConsumerGroup   string `json:"consumerGroup"`
}

// callbackAnswer is the optional response body from a subscriber. A consumer
// may override a 2xx acknowledgement with an explicit dead letter request, or
// attach a reason to a nack.
type callbackAnswer struct {
	Ack    string `json:"ack"`
	Reason string `json:"reason"`
}

// httpSender pushes deliveries as POST https://ip:port/{callbackPath}.
// Response mapping: 2xx acknowledges unless the body asks for a dead letter;
// 4xx is a nack; anything else is a retriable transport failure.
func httpSender(client *http.Client, timeout time.Duration) SendFunc {
	return func(ctx context.Context, ep discovery.Endpoint, sub Subscription, msg *Message, attempt int) error {
		body, err := json.Marshal(deliveryBody{
			Message: msg,
			Context: deliveryContext{
				DeliveryAttempt: attempt,
				ConsumerGroup:   sub.Subscriber.ServiceName,
			},
		})
		if err != nil {
			return fmt.Errorf("encode delivery: %w", err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		u := "https://" + ep.IP + ":" + strconv.Itoa(ep.Port) + "/" + trimLeadingSlash(sub.CallbackPath)
		req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build delivery request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("push delivery: %w", err)
		}
		defer resp.Body.Close()

		var answer callbackAnswer
		if raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, &answer)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if answer.Ack == "deadLetter" {
				return &DeadLetterError{Reason: nonEmpty(answer.Reason, "consumer requested dead letter")}
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &NackError{Reason: nonEmpty(answer.Reason, "consumer rejected with status "+strconv.Itoa(resp.StatusCode))}
		default:
			return fmt.Errorf("subscriber answered %d", resp.StatusCode)
		}
	}
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
