package broker

import (
	"errors"
	"testing"

	"github.com/tickplane/tickplane/internal/fault"
)

func sub(topic, instanceID, path string) Subscription {
	return Subscription{
		Topic:        topic,
		CallbackPath: path,
		Subscriber:   Identity{ServiceName: "wallet-service", InstanceID: instanceID},
	}
}

func TestTable_SubscribeAndSnapshot(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Subscribe(sub("trades.executed", "i1", "events/trades")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tbl.Subscribe(sub("trades.executed", "i2", "events/trades")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs := tbl.SubscribersOf("trades.executed")
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}
	if tbl.Topics() != 1 {
		t.Errorf("topics = %d, want 1", tbl.Topics())
	}
}

func TestTable_DuplicateSubscribeIsNoOp(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Subscribe(sub("trades.executed", "i1", "events/first")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tbl.Subscribe(sub("trades.executed", "i1", "events/second")); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}

	subs := tbl.SubscribersOf("trades.executed")
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
	if subs[0].CallbackPath != "events/first" {
		t.Errorf("callback = %q, want the original registration", subs[0].CallbackPath)
	}
}

func TestTable_SubscribeValidation(t *testing.T) {
	tbl := NewTable()

	var fe *fault.Error
	if err := tbl.Subscribe(sub("", "i1", "p")); !errors.As(err, &fe) || fe.Code != fault.CodeBadRequest {
		t.Errorf("empty topic: got %v, want bad request", err)
	}
	if err := tbl.Subscribe(sub("t", "", "p")); !errors.As(err, &fe) || fe.Code != fault.CodeBadRequest {
		t.Errorf("empty instance id: got %v, want bad request", err)
	}
}

func TestTable_UnsubscribeDropsEmptyTopic(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Subscribe(sub("trades.executed", "i1", "p"))

	tbl.Unsubscribe("trades.executed", "i1")
	if got := tbl.SubscribersOf("trades.executed"); len(got) != 0 {
		t.Fatalf("subscriptions remain after unsubscribe: %v", got)
	}
	if tbl.Topics() != 0 {
		t.Errorf("topics = %d, want 0", tbl.Topics())
	}

	// Unknown removals succeed silently.
	tbl.Unsubscribe("trades.executed", "i1")
	tbl.Unsubscribe("ghost-topic", "i9")
}

func TestTable_UnsubscribeAll(t *testing.T) {
	tbl := NewTable()
	_ = tbl.Subscribe(sub("trades.executed", "i1", "p"))
	_ = tbl.Subscribe(sub("orders.created", "i1", "p"))
	_ = tbl.Subscribe(sub("orders.created", "i2", "p"))

	tbl.UnsubscribeAll("i1")

	if got := tbl.SubscribersOf("trades.executed"); len(got) != 0 {
		t.Errorf("trades.executed still has %d subscriptions", len(got))
	}
	remaining := tbl.SubscribersOf("orders.created")
	if len(remaining) != 1 || remaining[0].Subscriber.InstanceID != "i2" {
		t.Errorf("orders.created = %v, want only i2", remaining)
	}
}
