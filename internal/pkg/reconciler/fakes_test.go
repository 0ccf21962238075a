package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/ProtestDocs/app/models"
	"github.com/ManuelReschke/ProtestDocs/app/repository"
	"github.com/ManuelReschke/ProtestDocs/internal/pkg/eventstore"
)

// fakeEventStore mirrors the queue semantics of eventstore.Store in memory
type fakeEventStore struct {
	mu         sync.Mutex
	queue      []string
	processing []string
	payloads   map[string][]byte
	records    map[eventstore.SideTable]map[string]eventstore.SideRecord
	attempts   map[string]int64
	popErr     error
	recordErr  error
	pops       int
	recovered  int
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		payloads: map[string][]byte{},
		records: map[eventstore.SideTable]map[string]eventstore.SideRecord{
			eventstore.SideTableProcessed: {},
			eventstore.SideTableFailed:    {},
			eventstore.SideTableErrors:    {},
		},
		attempts: map[string]int64{},
	}
}

func (f *fakeEventStore) push(id, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[id] = []byte(payload)
	f.queue = append(f.queue, id)
}

func (f *fakeEventStore) BlockingPop(ctx context.Context, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.pops++
	if f.popErr != nil {
		err := f.popErr
		f.mu.Unlock()
		return "", err
	}
	if len(f.queue) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		return "", eventstore.ErrQueueEmpty
	}
	id := f.queue[0]
	f.queue = f.queue[1:]
	f.processing = append(f.processing, id)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeEventStore) Get(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[id]
	if !ok {
		return nil, eventstore.ErrEventNotFound
	}
	return p, nil
}

func (f *fakeEventStore) ack(id string) {
	for i, p := range f.processing {
		if p == id {
			f.processing = append(f.processing[:i], f.processing[i+1:]...)
			break
		}
	}
	delete(f.attempts, id)
}

func (f *fakeEventStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.payloads, id)
	f.ack(id)
	return nil
}

func (f *fakeEventStore) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ack(id)
	return nil
}

func (f *fakeEventStore) IncrAttempts(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return f.attempts[id], nil
}

func (f *fakeEventStore) RecordIn(_ context.Context, table eventstore.SideTable, id string, rec eventstore.SideRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	for t := range f.records {
		delete(f.records[t], id)
	}
	rec.EventID = id
	f.records[table][id] = rec
	return nil
}

func (f *fakeEventStore) RecoverStuck(_ context.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered++
	n := len(f.processing)
	f.queue = append(f.queue, f.processing...)
	f.processing = nil
	return n, nil
}

func (f *fakeEventStore) record(table eventstore.SideTable, id string) (eventstore.SideRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[table][id]
	return rec, ok
}

func (f *fakeEventStore) hasPayload(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.payloads[id]
	return ok
}

func (f *fakeEventStore) inProcessing(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.processing {
		if p == id {
			return true
		}
	}
	return false
}

// fakeOrderStore applies the same guarded update as the gorm repository
type fakeOrderStore struct {
	mu          sync.Mutex
	orders      map[uint]*models.Order
	history     []models.OrderHistory
	findErr     error
	applyErr    error
	beforeApply func(o *models.Order)
	finds       int
	writes      int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: map[uint]*models.Order{}}
}

func (f *fakeOrderStore) add(o models.Order) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ID == 0 {
		o.ID = uint(len(f.orders) + 1)
	}
	cp := o
	f.orders[o.ID] = &cp
	return &cp
}

func (f *fakeOrderStore) get(id uint) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

func (f *fakeOrderStore) historyFor(id uint) []models.OrderHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderHistory
	for _, h := range f.history {
		if h.OrderID == id {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeOrderStore) FindByExternalPaymentID(_ context.Context, paymentID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, o := range f.orders {
		if o.ExternalPaymentID != nil && *o.ExternalPaymentID == paymentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: payment %s", repository.ErrOrderNotFound, paymentID)
}

func (f *fakeOrderStore) UpdateOrder(_ context.Context, orderID uint, expected repository.OrderState, update repository.OrderUpdate) error {
	o, ok := f.orders[orderID]
	if !ok || o.PaymentStatus != expected.PaymentStatus || o.Status != expected.Status {
		return repository.ErrOrderChanged
	}
	o.PaymentStatus = update.PaymentStatus
	o.Status = update.Status
	o.UpdatedAt = update.UpdatedAt
	if update.Metadata != nil {
		o.Metadata = update.Metadata
	}
	if update.PaidAt != nil && o.PaidAt == nil {
		paid := *update.PaidAt
		o.PaidAt = &paid
	}
	f.writes++
	return nil
}

func (f *fakeOrderStore) AppendHistory(_ context.Context, h *models.OrderHistory) error {
	h.ID = uint(len(f.history) + 1)
	f.history = append(f.history, *h)
	return nil
}

func (f *fakeOrderStore) ApplyTransition(ctx context.Context, tr repository.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.beforeApply != nil {
		hook := f.beforeApply
		f.beforeApply = nil
		hook(f.orders[tr.OrderID])
	}
	if err := f.UpdateOrder(ctx, tr.OrderID, tr.Expected, tr.Update); err != nil {
		return err
	}
	return f.AppendHistory(ctx, tr.History)
}

type fakeRecorder struct {
	mu           sync.Mutex
	dispositions map[string]int
	popFailures  int
	recovered    int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{dispositions: map[string]int{}}
}

func (r *fakeRecorder) RecordDisposition(d string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispositions[d]++
}

func (r *fakeRecorder) RecordPopFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.popFailures++
}

func (r *fakeRecorder) RecordRecovered(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered += n
}

func strPtr(s string) *string { return &s }
