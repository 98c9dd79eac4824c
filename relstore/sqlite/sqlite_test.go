package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/corerun/corerun"
	"github.com/corerun/corerun/relstore"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "init.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func seedThread(t *testing.T, s *Store) corerun.Thread {
	t.Helper()
	now := corerun.NowUnix()
	proj := corerun.Project{ID: corerun.NewID(), AccountID: "acct-1", Name: "p", CreatedAt: now}
	if err := s.CreateProject(context.Background(), proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	th := corerun.Thread{ID: corerun.NewID(), ProjectID: proj.ID, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func TestInsertAndGetMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	th := seedThread(t, s)

	msgs := []corerun.Message{
		{ID: corerun.NewID(), ThreadID: th.ID, Sequence: 1, Type: corerun.MessageUser, Content: []byte(`"hello"`), CreatedAt: 1000},
		{ID: corerun.NewID(), ThreadID: th.ID, Sequence: 2, Type: corerun.MessageAssistant, Content: []byte(`"hi!"`), CreatedAt: 1001},
	}
	if err := s.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}

	got, err := s.GetMessages(ctx, th.ID, 0, 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMessages returned %d, want 2", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("GetMessages out of order: %+v", got)
	}
}

func TestGetMessagesSinceSeq(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	th := seedThread(t, s)

	for i := int64(1); i <= 3; i++ {
		m := corerun.Message{ID: corerun.NewID(), ThreadID: th.ID, Sequence: i, Type: corerun.MessageUser, Content: []byte(`"x"`), CreatedAt: i}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	got, err := s.GetMessages(ctx, th.ID, 1, 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMessages since seq 1 returned %d, want 2", len(got))
	}
}

func TestNextSequence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	th := seedThread(t, s)

	seq, err := s.NextSequence(ctx, th.ID)
	if err != nil {
		t.Fatalf("NextSequence on empty thread: %v", err)
	}
	if seq != 1 {
		t.Fatalf("NextSequence on empty thread = %d, want 1", seq)
	}

	m := corerun.Message{ID: corerun.NewID(), ThreadID: th.ID, Sequence: seq, Type: corerun.MessageUser, Content: []byte(`"x"`), CreatedAt: 1}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	seq2, err := s.NextSequence(ctx, th.ID)
	if err != nil {
		t.Fatalf("NextSequence after insert: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("NextSequence after insert = %d, want 2", seq2)
	}
}

func TestRunStatusCAS(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	th := seedThread(t, s)

	run := corerun.Run{ID: corerun.NewID(), AccountID: "acct-1", ThreadID: th.ID, Status: corerun.RunQueued, StartTime: 1, HeartbeatTime: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, corerun.RunQueued, corerun.RunRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus queued->running: %v", err)
	}

	// A CAS against the now-stale "queued" expectation must fail.
	err := s.UpdateRunStatus(ctx, run.ID, corerun.RunQueued, corerun.RunCompleted, "")
	if err != relstore.ErrConflict {
		t.Fatalf("UpdateRunStatus with stale expect = %v, want ErrConflict", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != corerun.RunRunning {
		t.Errorf("run status = %s, want running", got.Status)
	}
}

func TestCommitCreditDeductionIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := corerun.CreditDeduction{AccountID: "acct-1", RunID: "run-1", Amount: 2.5, ReservationID: "res-1"}
	if err := s.CommitCreditDeduction(ctx, d); err != nil {
		t.Fatalf("first CommitCreditDeduction: %v", err)
	}
	// Committing the same reservation twice (e.g. after a retried flush)
	// must not double the ledger.
	if err := s.CommitCreditDeduction(ctx, d); err != nil {
		t.Fatalf("second CommitCreditDeduction: %v", err)
	}

	sum, err := s.SumDeductions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("SumDeductions: %v", err)
	}
	if sum != 2.5 {
		t.Errorf("SumDeductions = %v, want 2.5", sum)
	}
}

func TestDLQLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := corerun.DLQEntry{EntryID: "e1", RunID: "run-1", WriteType: corerun.WriteMessage, Payload: []byte(`{}`), Error: "boom", CreatedAt: 1, FailedAt: 1}
	if err := s.EnqueueDLQ(ctx, e); err != nil {
		t.Fatalf("EnqueueDLQ: %v", err)
	}

	list, err := s.ListDLQ(ctx, 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListDLQ returned %d, want 1", len(list))
	}

	if err := s.DeleteDLQ(ctx, "e1"); err != nil {
		t.Fatalf("DeleteDLQ: %v", err)
	}
	list, _ = s.ListDLQ(ctx, 10)
	if len(list) != 0 {
		t.Errorf("ListDLQ after delete = %d entries, want 0", len(list))
	}
}

func TestClaimPooledResource(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := corerun.Resource{ID: corerun.NewID(), Status: corerun.ResourcePooled, CreatedAt: 1, LastUsedAt: 1}
	if err := s.CreateResource(ctx, r); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}

	claimed, err := s.ClaimPooledResource(ctx, "acct-1", "proj-1", 100)
	if err != nil {
		t.Fatalf("ClaimPooledResource: %v", err)
	}
	if claimed.Status != corerun.ResourceActive || claimed.OwnedBy != "acct-1" {
		t.Errorf("claimed resource = %+v", claimed)
	}

	if _, err := s.ClaimPooledResource(ctx, "acct-2", "proj-2", 101); err != relstore.ErrNotFound {
		t.Errorf("second claim with empty pool = %v, want ErrNotFound", err)
	}
}
