package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/flow"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeService records deliveries.
type fakeService struct {
	mu   sync.Mutex
	sent []models.OutboundMessage
	err  error
}

func (f *fakeService) SendMessage(ctx context.Context, to string, body string) error {
	return f.record(models.OutboundMessage{UserID: to, Text: body})
}

func (f *fakeService) SendMedia(ctx context.Context, to string, caption string, mediaURLs []string) error {
	return f.record(models.OutboundMessage{UserID: to, Text: caption, MediaURLs: mediaURLs})
}

func (f *fakeService) record(msg models.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeService) messages() []models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OutboundMessage(nil), f.sent...)
}

func (f *fakeService) Start(ctx context.Context) error       { return nil }
func (f *fakeService) Stop() error                           { return nil }
func (f *fakeService) Inbound() <-chan models.InboundMessage { return nil }
func (f *fakeService) Receipts() <-chan models.Receipt       { return nil }

// fakeHandler echoes each message and records per-user order and overlap.
type fakeHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	active  map[string]int
	overlap bool
	calls   int
	handle  func(ctx context.Context, in models.InboundMessage) (flow.Result, error)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{seen: make(map[string][]string), active: make(map[string]int)}
}

func (h *fakeHandler) HandleMessage(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
	h.mu.Lock()
	h.calls++
	h.active[in.UserID]++
	if h.active[in.UserID] > 1 {
		h.overlap = true
	}
	h.seen[in.UserID] = append(h.seen[in.UserID], in.Text)
	fn := h.handle
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.active[in.UserID]--
		h.mu.Unlock()
	}()
	if fn != nil {
		return fn(ctx, in)
	}
	return flow.Result{UserID: in.UserID, Messages: []models.OutboundMessage{{UserID: in.UserID, Text: "re: " + in.Text}}}, nil
}

func (h *fakeHandler) order(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen[userID]...)
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// runDispatcher feeds msgs through a dispatcher and returns once Run has
// drained every queue.
func runDispatcher(t *testing.T, d *Dispatcher, msgs ...models.InboundMessage) {
	t.Helper()
	in := make(chan models.InboundMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherPreservesPerUserOrder(t *testing.T) {
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		time.Sleep(time.Millisecond)
		return flow.Result{}, nil
	}
	d := NewDispatcher(h, &fakeService{})

	var msgs []models.InboundMessage
	var want1, want2 []string
	for i := 0; i < 20; i++ {
		t1, t2 := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
		msgs = append(msgs,
			models.InboundMessage{UserID: "u1", Text: t1},
			models.InboundMessage{UserID: "u2", Text: t2})
		want1, want2 = append(want1, t1), append(want2, t2)
	}
	runDispatcher(t, d, msgs...)

	assert.Equal(t, want1, h.order("u1"))
	assert.Equal(t, want2, h.order("u2"))
	assert.False(t, h.overlap, "one user's messages were processed concurrently")
}

func TestDispatcherUsersRunInParallel(t *testing.T) {
	release := make(chan struct{})
	u2Done := make(chan struct{})
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		switch in.UserID {
		case "slow":
			select {
			case <-release:
			case <-ctx.Done():
				return flow.Result{}, ctx.Err()
			}
		case "fast":
			close(u2Done)
		}
		return flow.Result{}, nil
	}
	d := NewDispatcher(h, &fakeService{})

	in := make(chan models.InboundMessage, 2)
	in <- models.InboundMessage{UserID: "slow", Text: "1"}
	in <- models.InboundMessage{UserID: "fast", Text: "2"}
	close(in)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), in)
		close(done)
	}()

	select {
	case <-u2Done:
	case <-time.After(2 * time.Second):
		t.Fatal("second user blocked behind the first")
	}
	close(release)
	<-done
}

func TestDispatcherBacklogDoesNotStallOtherUsers(t *testing.T) {
	release := make(chan struct{})
	otherDone := make(chan struct{})
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		if in.UserID == "busy" {
			select {
			case <-release:
			case <-ctx.Done():
				return flow.Result{}, ctx.Err()
			}
			return flow.Result{}, nil
		}
		close(otherDone)
		return flow.Result{}, nil
	}
	d := NewDispatcher(h, &fakeService{}, WithQueueSize(1))

	in := make(chan models.InboundMessage)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), in)
		close(done)
	}()
	for i := 0; i < 4; i++ {
		in <- models.InboundMessage{UserID: "busy", Text: fmt.Sprintf("m%d", i)}
	}
	in <- models.InboundMessage{UserID: "other", Text: "hola"}

	select {
	case <-otherDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second user stalled behind a full queue")
	}
	close(release)
	close(in)
	<-done
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, h.order("busy"))
}

func TestDispatcherDeliversRepliesInOrder(t *testing.T) {
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		return flow.Result{Messages: []models.OutboundMessage{
			{UserID: in.UserID, Text: "¡Listo!"},
			{UserID: in.UserID, Text: "Curso", MediaURLs: []string{"https://cdn.example.com/a.jpg"}},
		}}, nil
	}
	svc := &fakeService{}
	runDispatcher(t, NewDispatcher(h, svc), models.InboundMessage{UserID: "5215550001", Text: "Gerente"})

	sent := svc.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "¡Listo!", sent[0].Text)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg"}, sent[1].MediaURLs)
}

func TestDispatcherStopsDeliveryAfterFailure(t *testing.T) {
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		return flow.Result{Messages: []models.OutboundMessage{
			{UserID: in.UserID, Text: "uno"},
			{UserID: in.UserID, Text: "dos"},
		}}, nil
	}
	svc := &fakeService{err: errors.New("transport down")}
	runDispatcher(t, NewDispatcher(h, svc), models.InboundMessage{UserID: "u1", Text: "hola"})
	assert.Empty(t, svc.messages())
}

func TestDispatcherDeduplicates(t *testing.T) {
	h := newFakeHandler()
	mem := store.NewInMemoryStore()
	d := NewDispatcher(h, &fakeService{}, WithDedup(mem))

	runDispatcher(t, d,
		models.InboundMessage{ID: "SM1", UserID: "u1", Text: "hola"},
		models.InboundMessage{ID: "SM1", UserID: "u1", Text: "hola"},
		models.InboundMessage{ID: "SM2", UserID: "u1", Text: "otra"},
	)
	assert.Equal(t, []string{"hola", "otra"}, h.order("u1"))
}

func TestDispatcherPersistenceErrorAllowsRedelivery(t *testing.T) {
	h := newFakeHandler()
	fail := true
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		if fail {
			return flow.Result{}, &flow.PersistenceError{UserID: in.UserID, Op: "save", Err: errors.New("db down")}
		}
		return flow.Result{}, nil
	}
	mem := store.NewInMemoryStore()
	msg := models.InboundMessage{ID: "SM1", UserID: "u1", Text: "hola"}

	runDispatcher(t, NewDispatcher(h, &fakeService{}, WithDedup(mem)), msg)
	require.Equal(t, 1, h.callCount())

	h.mu.Lock()
	fail = false
	h.mu.Unlock()
	runDispatcher(t, NewDispatcher(h, &fakeService{}, WithDedup(mem)), msg)
	assert.Equal(t, 2, h.callCount())

	// Processed now, so a third delivery is a duplicate.
	runDispatcher(t, NewDispatcher(h, &fakeService{}, WithDedup(mem)), msg)
	assert.Equal(t, 2, h.callCount())
}

func TestDispatcherMessageTimeout(t *testing.T) {
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		<-ctx.Done()
		return flow.Result{}, ctx.Err()
	}
	mem := store.NewInMemoryStore()
	svc := &fakeService{}
	runDispatcher(t, NewDispatcher(h, svc, WithDedup(mem), WithMessageTimeout(20*time.Millisecond)),
		models.InboundMessage{ID: "SM9", UserID: "u1", Text: "hola"})

	assert.Empty(t, svc.messages())
	fresh, err := mem.RecordInbound(context.Background(), "SM9", "u1")
	require.NoError(t, err)
	assert.True(t, fresh, "timed out message should be redeliverable")
}

type fakeOutbox struct {
	mu   sync.Mutex
	keys []string
	msgs []models.OutboundMessage
}

func (f *fakeOutbox) Enqueue(ctx context.Context, msg models.OutboundMessage, dedupeKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, dedupeKey)
	f.msgs = append(f.msgs, msg)
	return dedupeKey, nil
}

func TestDispatcherUsesOutbox(t *testing.T) {
	h := newFakeHandler()
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		return flow.Result{Messages: []models.OutboundMessage{
			{UserID: in.UserID, Text: "uno"},
			{UserID: in.UserID, Text: "dos"},
		}}, nil
	}
	svc := &fakeService{}
	ob := &fakeOutbox{}
	runDispatcher(t, NewDispatcher(h, svc, WithOutbox(ob)), models.InboundMessage{ID: "SM3", UserID: "u1", Text: "hola"})

	assert.Empty(t, svc.messages())
	assert.Equal(t, []string{"SM3:0", "SM3:1"}, ob.keys)
}

func TestDispatcherRetiresIdleWorkers(t *testing.T) {
	h := newFakeHandler()
	d := NewDispatcher(h, &fakeService{}, WithIdleTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan models.InboundMessage)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, in)
		close(done)
	}()

	in <- models.InboundMessage{UserID: "u1", Text: "hola"}
	assert.Eventually(t, func() bool { return h.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.ActiveUsers() == 0 }, time.Second, 5*time.Millisecond)

	// A new message after retirement starts a fresh worker.
	in <- models.InboundMessage{UserID: "u1", Text: "otra vez"}
	assert.Eventually(t, func() bool { return h.callCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherAssignsMissingIDs(t *testing.T) {
	h := newFakeHandler()
	var ids []string
	var mu sync.Mutex
	h.handle = func(ctx context.Context, in models.InboundMessage) (flow.Result, error) {
		mu.Lock()
		ids = append(ids, in.ID)
		mu.Unlock()
		return flow.Result{}, nil
	}
	runDispatcher(t, NewDispatcher(h, &fakeService{}, WithDedup(store.NewInMemoryStore())),
		models.InboundMessage{UserID: "u1", Text: "hola"},
		models.InboundMessage{UserID: "u1", Text: "hola"},
	)
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestDispatcherDropsInvalidMessages(t *testing.T) {
	h := newFakeHandler()
	runDispatcher(t, NewDispatcher(h, &fakeService{}), models.InboundMessage{UserID: "", Text: "hola"})
	assert.Zero(t, h.callCount())
}
