// Package main runs one teacher and a class of students through a poll on a chosen store backend
// and prints the roster and the archived tally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-classroom/livepoll/config"
	"github.com/aura-classroom/livepoll/internal/app"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/poll"
	"github.com/aura-classroom/livepoll/internal/session"
)

type options struct {
	driver    string
	sqlite    string
	redis     string
	database  string
	students  int
	question  string
	choices   string
	timeLimit int
	verbose   bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.driver, "driver", envOr("STORE_DRIVER", config.DriverMemory), "store backend: memory, sqlite, redis, postgres")
	flag.StringVar(&o.sqlite, "sqlite", envOr("SQLITE_PATH", "data/simulate.db"), "sqlite database path")
	flag.StringVar(&o.redis, "redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&o.database, "database", envOr("DATABASE_URL", ""), "postgres connection string")
	flag.IntVar(&o.students, "students", 3, "number of students")
	flag.StringVar(&o.question, "question", "Which color?", "poll question")
	flag.StringVar(&o.choices, "options", "Red,Blue", "comma-separated poll options")
	flag.IntVar(&o.timeLimit, "time-limit", 30, "poll time limit in seconds")
	flag.BoolVar(&o.verbose, "v", false, "log context activity")
	flag.Parse()
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	o := parseFlags()
	logger := newLogger(o.verbose)
	defer logger.Sync()

	if err := run(context.Background(), o, logger); err != nil {
		fmt.Fprintln(os.Stderr, "simulate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *zap.Logger) error {
	if o.students < 1 {
		return fmt.Errorf("need at least one student")
	}
	cfg := &config.Config{
		Store:    config.StoreConfig{Driver: o.driver, SQLitePath: o.sqlite, Namespace: "livepoll-sim"},
		Redis:    config.RedisConfig{Addr: o.redis},
		Database: config.DatabaseConfig{URL: o.database},
	}
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	deps := session.Deps{Backend: backend, Logger: logger, Config: session.Config{CountdownTick: time.Second}}
	tc, err := session.Login(ctx, models.User{ID: "teacher", Name: "Teacher", Email: "teacher@class.local", Role: models.RoleTeacher}, deps)
	if err != nil {
		return err
	}
	teacher := tc.(*session.Teacher)
	defer teacher.Logout(ctx)

	students := make([]*session.Student, o.students)
	for i := range students {
		name := fmt.Sprintf("Student %d", i+1)
		email := fmt.Sprintf("student%d@class.local", i+1)
		sc, err := session.Login(ctx, models.User{ID: email, Name: name, Email: email, Role: models.RoleStudent}, deps)
		if err != nil {
			return err
		}
		students[i] = sc.(*session.Student)
		defer students[i].Logout(ctx)
	}
	if !waitFor(func() bool { return len(teacher.Roster()) == o.students }) {
		return fmt.Errorf("roster has %d of %d students", len(teacher.Roster()), o.students)
	}

	p, err := teacher.CreatePoll(ctx, poll.Draft{Question: o.question, Options: strings.Split(o.choices, ","), TimeLimitSeconds: o.timeLimit})
	if err != nil {
		return err
	}
	for _, s := range students {
		s := s
		if !waitFor(func() bool { v := s.Snapshot().Poll; return v.Poll != nil && v.Poll.ID == p.ID }) {
			return fmt.Errorf("%s never saw the poll", s.User().Email)
		}
	}
	for i, s := range students {
		if err := s.Submit(ctx, p.Options[i%len(p.Options)]); err != nil {
			return fmt.Errorf("%s: %w", s.User().Email, err)
		}
	}
	if !waitFor(func() bool { return teacher.Engine().Tally().Total() == o.students }) {
		return fmt.Errorf("teacher counted %d of %d answers", teacher.Engine().Tally().Total(), o.students)
	}

	res, err := teacher.EndPoll(ctx)
	if err != nil {
		return err
	}
	printReport(teacher, res)
	return nil
}

func printReport(teacher *session.Teacher, res *models.PollResult) {
	fmt.Printf("Roster (%s students)\n", humanize.Comma(int64(len(teacher.Roster()))))
	for _, e := range teacher.Roster() {
		mark := " "
		if e.Answered {
			mark = "x"
		}
		fmt.Printf("  [%s] %-12s %s\n", mark, e.Name, e.Email)
	}
	if res == nil {
		fmt.Println("No poll was active.")
		return
	}
	fmt.Printf("\n%s (%s responses, ended %s)\n", res.Question, humanize.Comma(int64(res.TotalResponses)), humanize.Time(res.EndedAt))
	for _, option := range res.Options {
		n := res.Results[option]
		pct := 0.0
		if res.TotalResponses > 0 {
			pct = float64(n) * 100 / float64(res.TotalResponses)
		}
		fmt.Printf("  %-12s %5s  %s%%\n", option, humanize.Comma(int64(n)), humanize.FtoaWithDigits(pct, 1))
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
