package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/store"
	"github.com/sqlc-dev/pqtype"
)

// ─── TEST INFRASTRUCTURE ──────────────────────────────────────────────────────

// openTestDB returns a *sql.DB from DATABASE_URL. Skips if the env var is
// not set so the test suite still passes in CI without a Postgres instance.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping store integration tests")
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if err := pool.PingContext(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// newRun creates a pending run and removes it when the test ends.
func newRun(t *testing.T, pool *sql.DB, st *store.Store) db.ReportRun {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateRun(ctx, "SV_"+t.Name(), "F_1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	t.Cleanup(func() { _, _ = pool.ExecContext(ctx, "DELETE FROM report_runs WHERE id=$1", run.ID) })
	return run
}

func sampleReport() aggregate.Report {
	return aggregate.Report{
		TotalResponses: 3,
		Questions: []aggregate.QuestionReport{
			{ID: "QID1", Text: "Pick", Type: aggregate.KindChoice, ResponseCount: 3, Options: []aggregate.Option{
				{Label: "A", ChoiceKey: "1", Count: 2},
				{Label: "B", ChoiceKey: "2", Count: 1},
			}, FreeTextResponses: []string{}},
			{ID: "QID10", Text: "Rate", Type: aggregate.KindMatrix, ResponseCount: 1, Options: []aggregate.Option{
				{Label: "Clarity", SubID: "QID10_1", Count: 1, Stats: &aggregate.ItemStats{
					Min: aggregate.NewStat(4), Max: aggregate.NewStat(4), Mean: aggregate.NewStat(4),
					Variance: aggregate.NoData, Stdev: aggregate.NoData, Sum: aggregate.NewStat(4),
				}},
			}, FreeTextResponses: []string{}},
		},
	}
}

// ─── RunSnapshot ──────────────────────────────────────────────────────────────

func TestRunSnapshot_NoSnapshot(t *testing.T) {
	_, ok, err := store.RunSnapshot(db.ReportRun{})
	if err != nil || ok {
		t.Errorf("expected no snapshot, got ok=%v err=%v", ok, err)
	}
}

func TestRunSnapshot_DecodesStoredReport(t *testing.T) {
	raw := []byte(`{"totalResponses":3,"questions":[{"id":"QID10","text":"Rate","type":"Matrix","responseCount":1,
		"options":[{"label":"Clarity","subId":"QID10_1","count":1,"stats":{"min":4.00,"max":4.00,"mean":4.00,"variance":null,"stdev":null,"sum":4.00}}],
		"freeTextResponses":[]}]}`)

	rep, ok, err := store.RunSnapshot(db.ReportRun{Snapshot: pqtype.NullRawMessage{RawMessage: raw, Valid: true}})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if rep.TotalResponses != 3 || len(rep.Questions) != 1 {
		t.Fatalf("got %+v", rep)
	}
	st := rep.Questions[0].Options[0].Stats
	if st.Mean.String() != "4.00" || st.Stdev != aggregate.NoData {
		t.Errorf("stats: %+v", st)
	}
}

func TestRunSnapshot_Malformed(t *testing.T) {
	_, _, err := store.RunSnapshot(db.ReportRun{Snapshot: pqtype.NullRawMessage{RawMessage: []byte(`{"questions":"x"}`), Valid: true}})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

// ─── Run lifecycle ────────────────────────────────────────────────────────────

func TestCreateRun_StartsPending(t *testing.T) {
	pool := openTestDB(t)
	st := store.New(pool, db.New(pool))

	run := newRun(t, pool, st)
	if run.Status != db.RunStatusPending {
		t.Errorf("status: got %s", run.Status)
	}
	if run.Attempts != 0 || run.Snapshot.Valid || run.PdfPath.Valid {
		t.Errorf("new run should be empty: %+v", run)
	}
}

func TestClaimRun_SetsProcessingAndCountsAttempts(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	st := store.New(pool, db.New(pool))
	run := newRun(t, pool, st)

	// A zero lease lets every claim take over the previous one.
	for want := int32(1); want <= 2; want++ {
		claimed, err := st.ClaimRun(ctx, run.ID, 0)
		if err != nil {
			t.Fatalf("ClaimRun: %v", err)
		}
		if claimed.Status != db.RunStatusProcessing || claimed.Attempts != want {
			t.Errorf("attempt %d: got status %s attempts %d", want, claimed.Status, claimed.Attempts)
		}
	}
}

func TestClaimRun_LeaseHoldsUntilReleased(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	st := store.New(pool, db.New(pool))
	run := newRun(t, pool, st)

	if _, err := st.ClaimRun(ctx, run.ID, time.Hour); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A second worker must not take a run whose claim is still fresh.
	held, err := st.ClaimRun(ctx, run.ID, time.Hour)
	if !errors.Is(err, store.ErrRunClaimed) {
		t.Fatalf("second claim: expected ErrRunClaimed, got %v", err)
	}
	if held.Attempts != 1 {
		t.Errorf("refused claim must not count an attempt, got %d", held.Attempts)
	}
	if listed := claimableIDs(t, st, time.Hour); listed[run.ID] {
		t.Error("held run should not be listed as claimable")
	}
	if listed := claimableIDs(t, st, 0); !listed[run.ID] {
		t.Error("run with an expired claim should be listed")
	}

	// Releasing hands it back at once.
	if err := st.ReleaseRun(ctx, run.ID); err != nil {
		t.Fatalf("ReleaseRun: %v", err)
	}
	if listed := claimableIDs(t, st, time.Hour); !listed[run.ID] {
		t.Error("released run should be listed as claimable")
	}
	claimed, err := st.ClaimRun(ctx, run.ID, time.Hour)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if claimed.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", claimed.Attempts)
	}
}

func claimableIDs(t *testing.T, st *store.Store, lease time.Duration) map[uuid.UUID]bool {
	t.Helper()
	runs, err := st.ListClaimableRuns(context.Background(), lease)
	if err != nil {
		t.Fatalf("ListClaimableRuns: %v", err)
	}
	ids := make(map[uuid.UUID]bool, len(runs))
	for _, r := range runs {
		ids[r.ID] = true
	}
	return ids
}

func TestClaimRun_UnknownRun(t *testing.T) {
	pool := openTestDB(t)
	st := store.New(pool, db.New(pool))

	_, err := st.ClaimRun(context.Background(), uuid.New(), time.Minute)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCompleteRun_StoresSnapshotAndPath(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	st := store.New(pool, db.New(pool))
	run := newRun(t, pool, st)

	if _, err := st.ClaimRun(ctx, run.ID, time.Minute); err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	done, err := st.CompleteRun(ctx, store.CompleteRunParams{
		RunID:   run.ID,
		Report:  sampleReport(),
		PDFPath: "/tmp/run.pdf",
	})
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if done.Status != db.RunStatusComplete || !done.CompletedAt.Valid {
		t.Errorf("status: %s completed_at=%v", done.Status, done.CompletedAt)
	}
	if done.PdfPath.String != "/tmp/run.pdf" || done.TotalResponses.Int32 != 3 {
		t.Errorf("got %+v", done)
	}

	rep, ok, err := store.RunSnapshot(done)
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if len(rep.Questions) != 2 || rep.Questions[0].Options[0].Count != 2 {
		t.Errorf("snapshot: %+v", rep)
	}

	// A finished run cannot be claimed or completed again.
	if _, err := st.ClaimRun(ctx, run.ID, 0); !errors.Is(err, store.ErrRunFinished) {
		t.Errorf("ClaimRun after complete: got %v", err)
	}
	if _, err := st.CompleteRun(ctx, store.CompleteRunParams{RunID: run.ID}); !errors.Is(err, store.ErrRunFinished) {
		t.Errorf("CompleteRun twice: got %v", err)
	}
}

func TestMarkRunFailed(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	q := db.New(pool)
	st := store.New(pool, q)
	run := newRun(t, pool, st)

	failed, err := st.MarkRunFailed(ctx, run.ID, "export timed out")
	if err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}
	if failed.Status != db.RunStatusFailed || failed.ErrorMessage.String != "export timed out" {
		t.Errorf("got %+v", failed)
	}

	pending, err := st.ListClaimableRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListClaimableRuns: %v", err)
	}
	for _, p := range pending {
		if p.ID == run.ID {
			t.Error("failed run should not be listed as pending")
		}
	}
}
