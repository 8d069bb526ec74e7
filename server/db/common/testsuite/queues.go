package testsuite

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/deuxdrop/chat/server/db"
)

func items(strs ...string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

func expectItems(t *testing.T, got [][]byte, want ...string) {
	t.Helper()
	gotStr := make([]string, len(got))
	for i, b := range got {
		gotStr[i] = string(b)
	}
	if want == nil {
		want = []string{}
	}
	if diff := cmp.Diff(want, gotStr); diff != "" {
		t.Errorf("queue items mismatch (-want +got):\n%s", diff)
	}
}

// RunQueue checks FIFO order, idempotent peeks and consume without redelivery.
func RunQueue(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.QueueAppend(ctx, "clientQueues", "dev1", items("b1", "b2")); err != nil {
		t.Fatal(err)
	}
	if err := adp.QueueAppend(ctx, "clientQueues", "dev1", items("b3")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		got, err := adp.QueuePeek(ctx, "clientQueues", "dev1", 1)
		if err != nil {
			t.Fatal(err)
		}
		expectItems(t, got, "b1")
	}

	got, err := adp.QueuePeek(ctx, "clientQueues", "dev1", 10)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got, "b1", "b2", "b3")

	got, err = adp.QueueConsumeAndPeek(ctx, "clientQueues", "dev1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got, "b2")

	got, err = adp.QueueConsumeAndPeek(ctx, "clientQueues", "dev1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got, "b3")

	// Other queues are not affected.
	got, err = adp.QueuePeek(ctx, "clientQueues", "dev2", 1)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got)
}

// RunQueueExhaust consumes past the end of the queue and appends again.
func RunQueueExhaust(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.QueueAppend(ctx, "clientQueues", "dev3", items("x1", "x2")); err != nil {
		t.Fatal(err)
	}
	got, err := adp.QueueConsumeAndPeek(ctx, "clientQueues", "dev3", 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got)

	got, err = adp.QueuePeek(ctx, "clientQueues", "dev3", 1)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got)

	// Consumed items are never redelivered after new appends.
	if err := adp.QueueAppend(ctx, "clientQueues", "dev3", items("x3")); err != nil {
		t.Fatal(err)
	}
	got, err = adp.QueuePeek(ctx, "clientQueues", "dev3", 5)
	if err != nil {
		t.Fatal(err)
	}
	expectItems(t, got, "x3")

	// Consume on an empty queue is harmless.
	if _, err := adp.QueueConsumeAndPeek(ctx, "clientQueues", "empty", 3, 3); err != nil {
		t.Fatal(err)
	}
}
