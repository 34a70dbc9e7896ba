package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vtu-engine/internal/jobs"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/repo"
)

type sentMessage struct {
	phone string
	text  string
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendText(_ context.Context, phone, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{phone: phone, text: text})
	return nil
}

type fakeUsers map[string]*repo.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (*repo.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return u, nil
}

func strPtr(s string) *string { return &s }

func TestWhatsAppRendersAndSends(t *testing.T) {
	sender := &fakeSender{}
	users := fakeUsers{"u1": {ID: "u1", Phone: strPtr("08031234567")}, "u2": {ID: "u2"}}
	n := NewWhatsApp(sender, users, nil)
	ctx := context.Background()

	err := n.Notify(ctx, "u1", KindSchedulePaused, map[string]any{"service": "airtime", "target": "08031234567", "reason": "insufficient balance"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].phone != "08031234567" {
		t.Fatalf("unexpected messages %+v", sender.sent)
	}
	if !strings.Contains(sender.sent[0].text, "insufficient balance") {
		t.Fatalf("expected reason in text, got %q", sender.sent[0].text)
	}

	if err := n.Notify(ctx, "u2", KindGiftClaimed, nil); !errors.Is(err, ErrNoContact) {
		t.Fatalf("expected ErrNoContact, got %v", err)
	}
	if err := n.Notify(ctx, "missing", KindGiftClaimed, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type recorder struct {
	kinds []Kind
	err   error
}

func (r *recorder) Notify(_ context.Context, _ string, kind Kind, _ map[string]any) error {
	r.kinds = append(r.kinds, kind)
	return r.err
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("channel down")}
	err := Multi{ok, nil, bad}.Notify(context.Background(), "u1", KindGiftReceived, nil)
	if err == nil || !strings.Contains(err.Error(), "channel down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.kinds) != 1 || len(bad.kinds) != 1 {
		t.Fatalf("every channel must be attempted")
	}
}

func TestSendSwallowsErrors(t *testing.T) {
	bad := &recorder{err: errors.New("channel down")}
	Send(context.Background(), bad, logging.Discard(), "u1", KindPurchaseFailed, nil)
	Send(context.Background(), bad, logging.Discard(), "", KindPurchaseFailed, nil)
	if len(bad.kinds) != 1 {
		t.Fatalf("expected one attempt, got %d", len(bad.kinds))
	}
}

type fakeQueue struct {
	jobs []repo.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, p jobs.Payload, _ ...jobs.Option) (*repo.Job, error) {
	body := `{"user_id":"u1","kind":"gift_received","data":{"gift_id":"g1"}}`
	job := repo.Job{ID: "j1", Type: p.JobType(), Payload: []byte(body)}
	f.jobs = append(f.jobs, job)
	return &job, nil
}

func TestQueuedRoundTripsThroughJobHandler(t *testing.T) {
	q := &fakeQueue{}
	if err := NewQueued(q).Notify(context.Background(), "u1", KindGiftReceived, map[string]any{"gift_id": "g1"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].Type != jobs.TypeNotify {
		t.Fatalf("unexpected jobs %+v", q.jobs)
	}
	target := &recorder{}
	if err := JobHandler(target)(context.Background(), q.jobs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(target.kinds) != 1 || target.kinds[0] != KindGiftReceived {
		t.Fatalf("unexpected delivery %+v", target.kinds)
	}
}

func TestRenderFallsBackForUnknownKind(t *testing.T) {
	got := Render(Kind("custom"), map[string]any{"b": 2, "a": 1})
	if got != "custom: a=1, b=2" {
		t.Fatalf("unexpected render %q", got)
	}
}
