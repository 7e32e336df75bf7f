package rundb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeInserter struct {
	sync.Mutex
	queries []string
	args    [][]any
	fail    error
}

func (f *fakeInserter) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	f.Lock()
	defer f.Unlock()
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return f.fail
}

func (f *fakeInserter) count() int {
	f.Lock()
	defer f.Unlock()
	return len(f.queries)
}

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	if db.IsConnected() {
		t.Error("DummyConnection().IsConnected() = true, want false")
	}
	// None of these may block or panic.
	db.RecordRun(&RunMessage{ID: "x"})
	db.FinishRun(&RunMessage{ID: "x"})
	db.RecordFrame(&FrameMessage{RunID: "x"})
	db.Disconnect()
	var nilconn *Connection
	if nilconn.IsConnected() {
		t.Error("nil Connection reports connected")
	}
}

func TestMessagesAreInserted(t *testing.T) {
	fake := &fakeInserter{}
	db := &Connection{db: fake}
	abort := make(chan struct{})
	db.Start(&ActivityMessage{ID: "act", Start: time.Now()}, abort)
	if n := fake.count(); n != 1 {
		t.Fatalf("activity rows after Start = %d, want 1", n)
	}

	run := &RunMessage{ID: "run1", Steps: 21, Start: time.Now()}
	db.RecordRun(run)
	db.RecordFrame(&FrameMessage{RunID: "run1", UniqueID: 1})
	db.FinishRun(run)

	deadline := time.Now().Add(2 * time.Second)
	for fake.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(abort)
	db.Wait()

	if n := fake.count(); n != 5 {
		t.Fatalf("rows = %d, want 5 (activity, run, frame, run end, activity end)", n)
	}
	if !strings.HasPrefix(fake.queries[1], "INSERT INTO runs") {
		t.Errorf("second insert = %q, want the run", fake.queries[1])
	}
	if fake.args[1][1] != "act" {
		t.Errorf("run row activity id = %v, want act", fake.args[1][1])
	}
	if run.End.IsZero() {
		t.Error("FinishRun did not set the end time")
	}
	if db.IsConnected() {
		t.Error("connection still reports connected after abort")
	}
}

func TestInsertErrorDisconnects(t *testing.T) {
	fake := &fakeInserter{fail: errors.New("table missing")}
	db := &Connection{db: fake}
	db.insert("frames", "INSERT INTO frames VALUES (?)", 1)
	if db.IsConnected() {
		t.Error("connection still reports connected after a failed insert")
	}
	if db.Err() == nil || !strings.Contains(db.Err().Error(), "frames") {
		t.Errorf("Err() = %v, want an error naming the table", db.Err())
	}
	db.insert("frames", "INSERT INTO frames VALUES (?)", 2)
	if n := fake.count(); n != 1 {
		t.Errorf("inserts after failure = %d, want 1", n)
	}
}
