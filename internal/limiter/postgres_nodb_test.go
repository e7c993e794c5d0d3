package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr        error
	qrStaleSince *time.Time
	qrFailsRet   int

	lastExecSQL string
	execErr     error
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) staleSince() time.Time {
	if f.qrStaleSince != nil {
		return *f.qrStaleSince
	}
	return time.Unix(0, 0) // 'epoch'
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT stale_since"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*time.Time)) = f.staleSince()
			return nil
		}}
	case strings.Contains(sql, "RETURNING fail_count"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			*(dest[1].(*time.Time)) = f.staleSince()
			return nil
		}}
	default:
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
}

func TestAllow_NoRow_Allows(t *testing.T) {
	fp := &fakePool{qrErr: pgx.ErrNoRows}
	l := NewPG(fp, 15*time.Minute, 5)

	ok, err := l.Allow(context.Background(), "topic")
	if err != nil || !ok {
		t.Fatalf("Allow no-row: ok=%v err=%v", ok, err)
	}
}

func TestAllow_StaleTopic(t *testing.T) {
	since := time.Now().Add(-time.Minute)
	fp := &fakePool{qrStaleSince: &since}
	l := NewPG(fp, 15*time.Minute, 5)

	ok, err := l.Allow(context.Background(), "topic")
	if err != nil || ok {
		t.Fatalf("Allow stale: ok=%v err=%v", ok, err)
	}
}

func TestAllow_Epoch_Allows(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 15*time.Minute, 5)

	ok, err := l.Allow(context.Background(), "topic")
	if err != nil || !ok {
		t.Fatalf("Allow epoch: ok=%v err=%v", ok, err)
	}
}

func TestAllow_DBError_Propagates(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("db boom")}
	l := NewPG(fp, 15*time.Minute, 5)

	ok, err := l.Allow(context.Background(), "topic")
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestSuccess_OK(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 15*time.Minute, 5)

	if err := l.Success(context.Background(), "topic"); err != nil {
		t.Fatalf("success err: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "INSERT INTO delivery_failures") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}
}

func TestSuccess_ExecError_Propagates(t *testing.T) {
	fp := &fakePool{execErr: errors.New("exec fail")}
	l := NewPG(fp, 15*time.Minute, 5)

	if err := l.Success(context.Background(), "topic"); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestFailure_Increments_NotStale(t *testing.T) {
	fp := &fakePool{qrFailsRet: 2}
	l := NewPG(fp, 5*time.Minute, 5)

	stale, err := l.Failure(context.Background(), "topic")
	if err != nil || stale {
		t.Fatalf("Failure below threshold: stale=%v err=%v", stale, err)
	}
	if fp.lastExecSQL != "" {
		t.Fatalf("no update expected below threshold, exec=%s", fp.lastExecSQL)
	}
}

func TestFailure_MarksStaleAtThreshold(t *testing.T) {
	fp := &fakePool{qrFailsRet: 5}
	l := NewPG(fp, 5*time.Minute, 5)

	stale, err := l.Failure(context.Background(), "topic")
	if err != nil || !stale {
		t.Fatalf("Failure at threshold: stale=%v err=%v", stale, err)
	}
	if !strings.Contains(fp.lastExecSQL, "UPDATE delivery_failures SET stale_since") {
		t.Fatalf("must update stale_since, exec=%s", fp.lastExecSQL)
	}
}

func TestFailure_AlreadyStale_ReportsOnce(t *testing.T) {
	since := time.Now().Add(-time.Minute)
	fp := &fakePool{qrFailsRet: 9, qrStaleSince: &since}
	l := NewPG(fp, 5*time.Minute, 5)

	stale, err := l.Failure(context.Background(), "topic")
	if err != nil || stale {
		t.Fatalf("already stale must not re-report: stale=%v err=%v", stale, err)
	}
}

func TestFailure_DBErrorOnReturning(t *testing.T) {
	fp := &fakePool{qrErr: errors.New("query error")}
	l := NewPG(fp, 5*time.Minute, 5)

	if _, err := l.Failure(context.Background(), "topic"); err == nil {
		t.Fatalf("want error from returning fail_count")
	}
}

func TestForget_DeletesRow(t *testing.T) {
	fp := &fakePool{}
	l := NewPG(fp, 5*time.Minute, 5)

	if err := l.Forget(context.Background(), "topic"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DELETE FROM delivery_failures") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}
}
