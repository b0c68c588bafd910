package poll

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/internal/roster"
	"github.com/aura-classroom/livepoll/internal/store"
)

type fixture struct {
	backend store.Backend
	engine  *Engine
	roster  *roster.Roster
	results *records.Results
	ctx     context.Context
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	backend := store.NewMemory()
	t.Cleanup(func() { backend.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.Open(backend, "teacher")
	b := bus.New(st, nil)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Close)

	if opts.CreatedBy == "" {
		opts.CreatedBy = "Teacher"
	}
	r := roster.New()
	results := records.NewResults(st)
	e := NewEngine(b, r, results, opts, nil)
	e.Start()
	t.Cleanup(e.Close)
	return &fixture{backend: backend, engine: e, roster: r, results: results, ctx: ctx}
}

// studentBus opens another context on the same backend.
func (f *fixture) studentBus(t *testing.T, origin string) *bus.Bus {
	t.Helper()
	b := bus.New(store.Open(f.backend, origin), nil)
	if err := b.Start(f.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func answer(option, email string) models.AnswerMessage {
	return models.AnswerMessage{Option: option, StudentEmail: email, StudentName: email}
}

func TestCreateStartsWithZeroTally(t *testing.T) {
	cases := []Draft{
		{Question: "Color?", Options: []string{"Red", "Blue"}, TimeLimitSeconds: 30},
		{Question: "  Pick  ", Options: []string{" a ", "b", "c", "d"}},
		{Question: "Yes?", Options: []string{"Yes", "No"}, TimeLimitSeconds: 1},
	}
	for _, d := range cases {
		f := newFixture(t, Options{})
		p, err := f.engine.Create(f.ctx, d)
		if err != nil {
			t.Fatalf("Create(%+v): %v", d, err)
		}
		if f.engine.State() != Active {
			t.Fatalf("state = %s, want active", f.engine.State())
		}
		tally := f.engine.Tally()
		if len(tally) != len(p.Options) {
			t.Fatalf("tally %v does not cover options %v", tally, p.Options)
		}
		for _, o := range p.Options {
			if n, ok := tally[o]; !ok || n != 0 {
				t.Fatalf("tally[%q] = %d, %v", o, n, ok)
			}
		}
	}
}

func TestCreateNormalizesDraft(t *testing.T) {
	f := newFixture(t, Options{DefaultTimeLimit: 45, CreatedBy: "Ms. Lee"})
	p, err := f.engine.Create(f.ctx, Draft{Question: "  Q ", Options: []string{" x", "y "}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Question != "Q" || p.Options[0] != "x" || p.Options[1] != "y" {
		t.Fatalf("poll not trimmed: %+v", p)
	}
	if p.TimeLimitSeconds != 45 || p.CreatedBy != "Ms. Lee" || p.ID == "" {
		t.Fatalf("poll = %+v", p)
	}
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		draft Draft
	}{
		{"empty question", Draft{Question: "  ", Options: []string{"a", "b"}}},
		{"one option", Draft{Question: "q", Options: []string{"a"}}},
		{"no options", Draft{Question: "q"}},
		{"blank option", Draft{Question: "q", Options: []string{"a", "  "}}},
		{"duplicate option", Draft{Question: "q", Options: []string{"a", " a"}}},
		{"negative time", Draft{Question: "q", Options: []string{"a", "b"}, TimeLimitSeconds: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.roster.Join(models.RosterEntry{Email: "s@x"})
			f.roster.MarkAnswered("s@x")

			_, err := f.engine.Create(f.ctx, tc.draft)
			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
				t.Fatalf("Create = %v, want ValidationError", err)
			}
			if f.engine.State() != Idle {
				t.Fatalf("state changed to %s", f.engine.State())
			}
			if f.roster.AnsweredCount() != 1 {
				t.Fatalf("roster mutated by a rejected create")
			}
		})
	}
}

func TestCreateWhileActive(t *testing.T) {
	f := newFixture(t, Options{})
	first, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q2", Options: []string{"c", "d"}}); !errors.Is(err, ErrPollActive) {
		t.Fatalf("second Create = %v, want ErrPollActive", err)
	}
	if p, _ := f.engine.Current(); p.ID != first.ID {
		t.Fatalf("active poll replaced")
	}
}

func TestCreateResetsRoster(t *testing.T) {
	f := newFixture(t, Options{})
	f.roster.Join(models.RosterEntry{Email: "a@x"})
	f.roster.MarkAnswered("a@x")
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.roster.AnsweredCount() != 0 {
		t.Fatalf("answered flags survived Create")
	}
}

func TestTallySumMatchesAcceptedAnswers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		f := newFixture(t, Options{})
		options := []string{"a", "b", "c"}
		if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: options}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		accepted := 0
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			option := options[rng.Intn(len(options))]
			if rng.Intn(4) == 0 {
				option = "zzz"
			}
			if f.engine.ReceiveAnswer(f.ctx, answer(option, "s@x")) {
				accepted++
			}
		}
		if got := f.engine.Tally().Total(); got != accepted {
			t.Fatalf("round %d: sum(tally) = %d, accepted = %d", round, got, accepted)
		}
	}
}

func TestForeignOptionChangesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.roster.Join(models.RosterEntry{Email: "s@x"})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.engine.ReceiveAnswer(f.ctx, answer("a", "other@x"))
	before := f.engine.Tally()

	if f.engine.ReceiveAnswer(f.ctx, answer("c", "s@x")) {
		t.Fatalf("foreign option accepted")
	}
	after := f.engine.Tally()
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("tally changed: %v -> %v", before, after)
		}
	}
	if f.roster.AnsweredCount() != 0 {
		t.Fatalf("roster marked for a foreign option")
	}
}

func TestAnswerForOtherPollIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := answer("a", "s@x")
	a.PollID = "stale-poll"
	if f.engine.ReceiveAnswer(f.ctx, a) {
		t.Fatalf("answer for a different poll accepted")
	}
}

func TestAnswerFromUnknownStudentStillCounts(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !f.engine.ReceiveAnswer(f.ctx, answer("a", "ghost@x")) {
		t.Fatalf("answer rejected")
	}
	if f.engine.Tally()["a"] != 1 || f.roster.Len() != 0 {
		t.Fatalf("tally = %v, roster = %v", f.engine.Tally(), f.roster.Snapshot())
	}
}

func TestRepeatedAnswersAreNotDeduplicated(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.engine.ReceiveAnswer(f.ctx, answer("a", "s@x"))
	f.engine.ReceiveAnswer(f.ctx, answer("b", "s@x"))
	if got := f.engine.Tally(); got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("tally = %v", got)
	}
}

func TestThreeStudentsVote(t *testing.T) {
	f := newFixture(t, Options{CreatedBy: "Ms. Lee"})
	for _, e := range []string{"s1@x", "s2@x", "s3@x"} {
		f.roster.Join(models.RosterEntry{Email: e})
	}
	if _, err := f.engine.Create(f.ctx, Draft{Question: "Color?", Options: []string{"Red", "Blue"}, TimeLimitSeconds: 30}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.engine.ReceiveAnswer(f.ctx, answer("Red", "s1@x"))
	f.engine.ReceiveAnswer(f.ctx, answer("Red", "s2@x"))
	f.engine.ReceiveAnswer(f.ctx, answer("Blue", "s3@x"))

	if got := f.engine.Tally(); got["Red"] != 2 || got["Blue"] != 1 {
		t.Fatalf("tally = %v, want Red:2 Blue:1", got)
	}
	if f.roster.AnsweredCount() != 3 {
		t.Fatalf("answered = %d", f.roster.AnsweredCount())
	}
	res, err := f.engine.End(f.ctx)
	if err != nil || res == nil {
		t.Fatalf("End = %v, %v", res, err)
	}
	if res.TotalResponses != 3 || res.Results["Red"] != 2 || res.CreatedBy != "Ms. Lee" {
		t.Fatalf("result = %+v", res)
	}
	history, _ := f.results.List(f.ctx)
	if len(history) != 1 || history[0].ID != res.ID {
		t.Fatalf("history = %+v", history)
	}
}

func TestAnswerWithoutPollIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	if f.engine.ReceiveAnswer(f.ctx, answer("Red", "s@x")) {
		t.Fatalf("answer accepted with no active poll")
	}
	if len(f.engine.Tally()) != 0 || f.engine.State() != Idle {
		t.Fatalf("state changed: %+v", f.engine.Snapshot())
	}
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.engine.ReceiveAnswer(f.ctx, answer("b", "s@x"))
	want := f.engine.Tally()

	res, err := f.engine.End(f.ctx)
	if err != nil || res == nil {
		t.Fatalf("End: %v", err)
	}
	if res.Results["b"] != want["b"] || res.TotalResponses != want.Total() {
		t.Fatalf("archived %+v, tally at end was %v", res, want)
	}
	again, err := f.engine.End(f.ctx)
	if err != nil || again != nil {
		t.Fatalf("second End = %v, %v; want no-op", again, err)
	}
	history, _ := f.results.List(f.ctx)
	if len(history) != 1 {
		t.Fatalf("history has %d results, want 1", len(history))
	}
	if f.engine.State() != Idle || len(f.engine.Tally()) != 0 {
		t.Fatalf("engine not cleared: %+v", f.engine.Snapshot())
	}
	if _, err := f.engine.Create(f.ctx, Draft{Question: "next", Options: []string{"x", "y"}}); err != nil {
		t.Fatalf("Create after End: %v", err)
	}
}

func TestConcurrentEndArchivesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.End(f.ctx)
		}()
	}
	wg.Wait()
	history, _ := f.results.List(f.ctx)
	if len(history) != 1 {
		t.Fatalf("history has %d results, want 1", len(history))
	}
}

func TestPublishesResultsSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	sb := f.studentBus(t, "student")
	got := make(chan models.Tally, 8)
	sb.Subscribe(models.ChannelPollResults, func(m bus.Message) {
		var tally models.Tally
		if err := m.Decode(&tally); err == nil {
			got <- tally
		}
	})
	ended := make(chan models.EndPollMessage, 1)
	sb.Subscribe(models.ChannelEndPoll, func(m bus.Message) {
		var e models.EndPollMessage
		if err := m.Decode(&e); err == nil {
			ended <- e
		}
	})

	p, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.engine.ReceiveAnswer(f.ctx, answer("a", "s@x"))
	select {
	case tally := <-got:
		if tally["a"] != 1 || tally["b"] != 0 {
			t.Fatalf("published tally = %v", tally)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no poll-results published")
	}
	if _, err := f.engine.End(f.ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case e := <-ended:
		if e.PollID != p.ID {
			t.Fatalf("end-poll for %q, want %q", e.PollID, p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no end-poll published")
	}
}

func TestAnswersArriveOverBus(t *testing.T) {
	f := newFixture(t, Options{})
	results := make(chan models.Tally, 8)
	f.engine.SetHooks(Hooks{OnResults: func(t models.Tally) { results <- t }})
	sb := f.studentBus(t, "student")

	p, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := models.AnswerMessage{PollID: p.ID, Option: "b", StudentEmail: "s@x"}
	if err := sb.Publish(f.ctx, models.ChannelSubmitAnswer, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case tally := <-results:
		if tally["b"] != 1 {
			t.Fatalf("tally = %v", tally)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("answer not received over the bus")
	}
}

func TestCountdownRevealsWithoutEnding(t *testing.T) {
	f := newFixture(t, Options{Tick: 5 * time.Millisecond})
	revealed := make(chan struct{}, 1)
	var ticks []int
	var mu sync.Mutex
	f.engine.SetHooks(Hooks{
		OnTick: func(r int) {
			mu.Lock()
			ticks = append(ticks, r)
			mu.Unlock()
		},
		OnReveal: func() { revealed <- struct{}{} },
	})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}, TimeLimitSeconds: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-revealed:
	case <-time.After(2 * time.Second):
		t.Fatalf("countdown never expired")
	}
	snap := f.engine.Snapshot()
	if snap.State != "active" || !snap.ResultsVisible || snap.Remaining != 0 {
		t.Fatalf("snapshot after expiry = %+v", snap)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 3 || ticks[0] != 2 || ticks[2] != 0 {
		t.Fatalf("ticks = %v, want [2 1 0]", ticks)
	}
}

func TestEndCancelsCountdown(t *testing.T) {
	f := newFixture(t, Options{Tick: 5 * time.Millisecond})
	var revealed int32
	var mu sync.Mutex
	f.engine.SetHooks(Hooks{OnReveal: func() {
		mu.Lock()
		revealed++
		mu.Unlock()
	}})
	if _, err := f.engine.Create(f.ctx, Draft{Question: "q", Options: []string{"a", "b"}, TimeLimitSeconds: 4}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.engine.End(f.ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if revealed != 0 {
		t.Fatalf("reveal fired after End")
	}
}
