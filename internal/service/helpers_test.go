package service

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/repository/memory"
	"identity-service/internal/util"
)

type outbox struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (o *outbox) Enqueue(n notify.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, n)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatal("no code was sent")
	}
	return o.sent[len(o.sent)-1].Code
}

type eventLog struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (e *eventLog) Record(ev models.SecurityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.EventType)
	}
	return out
}

var epoch = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testHasher() *hashing.Hasher {
	return hashing.NewHasherWithParams(hashing.Argon2Params{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, "pepper", 6)
}

type verificationFixture struct {
	svc    *VerificationService
	store  *memory.VerificationStore
	clock  *util.FakeClock
	outbox *outbox
	events *eventLog
}

func newVerificationFixture() *verificationFixture {
	f := &verificationFixture{
		store:  memory.NewVerificationStore(16),
		clock:  util.NewFakeClock(epoch),
		outbox: &outbox{},
		events: &eventLog{},
	}
	f.svc = NewVerificationService(f.store, testHasher(), f.outbox, f.events, f.clock, 10*time.Minute, zap.NewNop())
	return f
}

// wrongCode returns a code that differs from code.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
