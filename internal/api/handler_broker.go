package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tickplane/tickplane/internal/broker"
)

// publishRequest mirrors POST /message.
type publishRequest struct {
	Metadata broker.Metadata `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// HandlePublish accepts a message and dispatches it asynchronously. The 204
// acknowledges acceptance, not delivery.
func HandlePublish(dispatcher *broker.Dispatcher, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		msg, err := broker.NewMessage(req.Metadata, req.Payload, now())
		if err != nil {
			writeFault(w, err)
			return
		}
		dispatcher.Publish(msg)
		w.WriteHeader(http.StatusNoContent)
	})
}

// subscribeRequest mirrors POST /subscription.
type subscribeRequest struct {
	Topic            string          `json:"topic"`
	CallbackPath     string          `json:"callbackPath"`
	ConsumerIdentity broker.Identity `json:"consumerIdentity"`
}

// HandleSubscribe registers a callback for a topic. Re-subscribing the same
// instance is a no-op.
func HandleSubscribe(table *broker.Table) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req subscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		err := table.Subscribe(broker.Subscription{
			Topic:        req.Topic,
			CallbackPath: req.CallbackPath,
			Subscriber:   req.ConsumerIdentity,
		})
		if err != nil {
			writeFault(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// unsubscribeRequest mirrors DELETE /subscription.
type unsubscribeRequest struct {
	Topic      string `json:"topic"`
	InstanceID string `json:"instanceId"`
}

// HandleUnsubscribe removes a subscription. Removing an unknown one succeeds
// without side effect.
func HandleUnsubscribe(table *broker.Table) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req unsubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		table.Unsubscribe(req.Topic, req.InstanceID)
		w.WriteHeader(http.StatusNoContent)
	})
}
