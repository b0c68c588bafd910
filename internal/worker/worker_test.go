package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/pkg/queue"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    int
}

func (f *fakeStore) Prefix() string { return "" }

func (f *fakeStore) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return "", errors.New("s3 unavailable")
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = raw
	return "mem://" + key, nil
}

func (f *fakeStore) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	return raw, ok
}

func exportJob(t *testing.T, res models.PollResult) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.ResultExportPayload{Result: res})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{ID: "j1", Type: queue.JobTypeResultExport, Payload: payload}
}

var ended = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestProcessUploadsResult(t *testing.T) {
	st := &fakeStore{}
	p := NewExportProcessor(st, nil, nil)
	res := models.PollResult{ID: "r1", Question: "Color?", Options: []string{"Red", "Blue"}, Results: models.Tally{"Red": 2, "Blue": 1}, TotalResponses: 3, EndedAt: ended}
	if err := p.Process(context.Background(), exportJob(t, res)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	raw, ok := st.get("results/2026/10/19/r1.json")
	if !ok {
		t.Fatalf("object not uploaded: %v", st.objects)
	}
	var got models.PollResult
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalResponses != 3 || got.Results["Red"] != 2 {
		t.Fatalf("uploaded %+v", got)
	}
}

func TestProcessRejects(t *testing.T) {
	p := NewExportProcessor(&fakeStore{}, nil, nil)
	ctx := context.Background()
	if err := p.Process(ctx, &queue.Job{Type: "other"}); err == nil {
		t.Errorf("unknown job type accepted")
	}
	if err := p.Process(ctx, &queue.Job{Type: queue.JobTypeResultExport, Payload: json.RawMessage(`{`)}); err == nil {
		t.Errorf("bad payload accepted")
	}
	if err := p.Process(ctx, exportJob(t, models.PollResult{})); err == nil {
		t.Errorf("result without id accepted")
	}
}

func TestRunRetriesFailedUpload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewQueue(client, nil)

	st := &fakeStore{fail: 1}
	p := NewExportProcessor(st, q, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.EnqueueResultExport(ctx, models.PollResult{ID: "r9", EndedAt: ended}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := st.get("results/2026/10/19/r9.json"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export never succeeded after retry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
