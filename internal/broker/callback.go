package broker

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

// DeliveryContext accompanies a message handed to a subscriber handler. The
// handler settles the attempt exactly once through Ack, Nack or DeadLetter;
// further calls are ignored. A handler that returns without settling is
// acknowledged implicitly.
type DeliveryContext struct {
	ReceivedAt      time.Time
	ConsumerGroup   string
	DeliveryAttempt int

	mu      sync.Mutex
	settled bool
	status  int
	answer  callbackAnswer
}

// Ack marks the delivery as processed.
func (c *DeliveryContext) Ack() {
	c.settle(http.StatusOK, callbackAnswer{Ack: "ok"})
}

// Nack rejects the current attempt. Under AT_LEAST_ONCE the broker retries;
// under AT_MOST_ONCE it parks the delivery with the given reason.
func (c *DeliveryContext) Nack(reason string) {
	c.settle(http.StatusUnprocessableEntity, callbackAnswer{Ack: "nack", Reason: reason})
}

// DeadLetter asks the broker to park the message without further attempts.
func (c *DeliveryContext) DeadLetter(reason string) {
	c.settle(http.StatusOK, callbackAnswer{Ack: "deadLetter", Reason: reason})
}

func (c *DeliveryContext) settle(status int, answer callbackAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.status = status
	c.answer = answer
}

func (c *DeliveryContext) outcome() (int, callbackAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return http.StatusOK, callbackAnswer{Ack: "ok"}
	}
	return c.status, c.answer
}

// Handler processes one delivered message. Panics are answered with a 500 so
// the broker retries per the message's delivery mode.
type Handler func(msg *Message, dctx *DeliveryContext)

// CallbackHandler adapts a subscriber Handler to the broker's push protocol,
// mounted at the subscription's callbackPath.
func CallbackHandler(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body deliveryBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil || body.Message == nil {
			http.Error(w, "malformed delivery", http.StatusBadRequest)
			return
		}

		dctx := &DeliveryContext{
			ReceivedAt:      time.Now(),
			ConsumerGroup:   body.Context.ConsumerGroup,
			DeliveryAttempt: body.Context.DeliveryAttempt,
		}

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("[callback] handler panicked on message %s: %v", body.Message.Metadata.MessageID, rec)
					dctx.mu.Lock()
					dctx.settled = true
					dctx.status = http.StatusInternalServerError
					dctx.answer = callbackAnswer{Reason: "handler panic"}
					dctx.mu.Unlock()
				}
			}()
			h(body.Message, dctx)
		}()

		status, answer := dctx.outcome()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(answer)
	}
}
