package records

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aura-classroom/livepoll/internal/bus"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	b := store.NewMemory()
	t.Cleanup(func() { b.Close() })
	return store.Open(b, "test")
}

func TestUsersCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	users := NewUsers(newStore(t))

	u, err := users.Create(ctx, " Ada ", "Ada@Example.com", "s3cret", models.RoleTeacher)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.Email != "ada@example.com" || u.Name != "Ada" {
		t.Fatalf("created user = %+v", u)
	}
	if u.Password == "s3cret" {
		t.Fatalf("password stored in clear")
	}

	if _, err := users.Create(ctx, "Other", "ADA@example.com", "x", models.RoleStudent); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Create = %v, want ErrExists", err)
	}
	if _, err := users.Create(ctx, "Bad", "bad@example.com", "x", models.Role("admin")); err == nil {
		t.Fatalf("Create with invalid role succeeded")
	}

	got, err := users.Authenticate(ctx, "ada@example.com", "s3cret")
	if err != nil || got.ID != u.ID {
		t.Fatalf("Authenticate = %+v, %v", got, err)
	}
	if _, err := users.Authenticate(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Authenticate wrong password = %v", err)
	}
	if _, err := users.Authenticate(ctx, "nobody@example.com", "s3cret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Authenticate unknown = %v", err)
	}

	list, err := users.List(ctx)
	if err != nil || len(list) != 1 || list[0].Email != u.Email {
		t.Fatalf("List = %+v, %v", list, err)
	}
}

func TestStudentsSaveKeepsFirstJoin(t *testing.T) {
	ctx := context.Background()
	students := NewStudents(newStore(t))
	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	students.now = func() time.Time { return first }

	if _, err := students.Save(ctx, "Sam", "sam@example.com"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	students.now = func() time.Time { return first.Add(time.Hour) }
	rec, err := students.Save(ctx, "Samuel", "SAM@example.com")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !rec.JoinedAt.Equal(first) || rec.Name != "Samuel" {
		t.Fatalf("re-save = %+v", rec)
	}
	list, _ := students.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List = %+v, want one record", list)
	}

	if err := students.Delete(ctx, "sam@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := students.Delete(ctx, "sam@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := students.Get(ctx, "sam@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete = %v", err)
	}
}

func TestResultsHistory(t *testing.T) {
	ctx := context.Background()
	results := NewResults(newStore(t))

	empty, err := results.List(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty List = %+v, %v", empty, err)
	}

	tally := models.Tally{"Red": 2, "Blue": 1}
	res := &models.PollResult{Question: "Color?", Options: []string{"Red", "Blue"}, Results: tally, TotalResponses: 3}
	if err := results.Append(ctx, res); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.ID == "" || res.Timestamp.IsZero() {
		t.Fatalf("Append did not assign id/timestamp: %+v", res)
	}
	tally["Red"] = 99

	got, err := results.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Results["Red"] != 2 || got.TotalResponses != 3 {
		t.Fatalf("archived result changed after caller mutation: %+v", got)
	}

	second := &models.PollResult{Question: "Size?", Options: []string{"S", "L"}, Results: models.Tally{"S": 0, "L": 0}}
	if err := results.Append(ctx, second); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := results.Delete(ctx, res.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ := results.List(ctx)
	if len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("List after Delete = %+v", list)
	}
	if err := results.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing = %v", err)
	}
	if err := results.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if list, _ := results.List(ctx); len(list) != 0 {
		t.Fatalf("List after Clear = %+v", list)
	}
}

func TestConcurrentAppendsInOneProcess(t *testing.T) {
	ctx := context.Background()
	results := NewResults(newStore(t))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = results.Append(ctx, &models.PollResult{Question: "q", Results: models.Tally{}})
		}()
	}
	wg.Wait()
	list, err := results.List(ctx)
	if err != nil || len(list) != 20 {
		t.Fatalf("List = %d entries, %v; want 20", len(list), err)
	}
}

func TestKeysAreReservedOnTheBus(t *testing.T) {
	for _, key := range []string{KeyUsers, KeyStudents, KeyResults} {
		name, ok := strings.CutPrefix(key, bus.KeyPrefix)
		if !ok || !bus.IsCollection(name) {
			t.Fatalf("key %q is not reserved on the bus", key)
		}
	}
}
