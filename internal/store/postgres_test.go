package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreFromDB(db, time.Second), mock
}

func TestPostgresStore_ClaimPendingReply(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	now := time.Now()

	claim := `(?s)UPDATE pending_auto_replies SET status = \$1, claimed_at = \$2, updated_at = \$3\s+WHERE id = \$4 AND status = \$5 AND scheduled_reply_time <= \$6 AND NOT EXISTS .+inflight.status = \$7\)`
	mock.ExpectExec(claim).
		WithArgs("processing", sqlmock.AnyArg(), sqlmock.AnyArg(), "par_1", "pending", sqlmock.AnyArg(), "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).
		WithArgs("processing", sqlmock.AnyArg(), sqlmock.AnyArg(), "par_1", "pending", sqlmock.AnyArg(), "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.ClaimPendingReply(ctx, "par_1", now)
	if err != nil || !won {
		t.Fatalf("first claim = %v, %v", won, err)
	}
	won, err = s.ClaimPendingReply(ctx, "par_1", now)
	if err != nil || won {
		t.Fatalf("second claim = %v, %v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_UpsertPendingReplyRetriesUniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	conv := models.Conversation{ID: "cv_1", PhoneNumber: "+15550001234"}

	selectOpen := `(?s)SELECT .+ FROM pending_auto_replies\s+WHERE conversation_id = \$1 AND status = \$2 FOR UPDATE`

	// first attempt loses the insert race
	mock.ExpectBegin()
	mock.ExpectQuery(selectOpen).WithArgs("cv_1", "pending").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO pending_auto_replies`).WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	// second attempt appends to the winner's row
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "player_id", "phone_number", "accumulated_message_ids",
		"message_count", "scheduled_reply_time", "status", "retry_count", "error_message", "claimed_at", "created_at", "updated_at"}).
		AddRow("par_9", "cv_1", nil, conv.PhoneNumber, []byte(`["m0"]`), 1, now, "pending", 0, nil, nil, now, now)
	mock.ExpectQuery(selectOpen).WithArgs("cv_1", "pending").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE pending_auto_replies\s+SET accumulated_message_ids = \$1`).
		WithArgs(`["m0","m1"]`, 2, sqlmock.AnyArg(), sqlmock.AnyArg(), "par_9", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reply, err := s.UpsertPendingReply(ctx, conv, "m1", now.Add(time.Minute), now)
	if err != nil {
		t.Fatalf("UpsertPendingReply failed: %v", err)
	}
	if reply.ID != "par_9" || reply.MessageCount != 2 {
		t.Errorf("expected append to par_9, got %+v", reply)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_MarkOutreachSentIsConditional(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cost := 0.0083
	mock.ExpectExec(`(?s)UPDATE scheduled_outreach_messages\s+SET status = \$1.+WHERE id = \$7 AND status = \$8 AND sent_at IS NULL`).
		WithArgs("sent", sqlmock.AnyArg(), "sent", cost, "SM1", sqlmock.AnyArg(), "om_1", "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := s.MarkOutreachSent(context.Background(), "om_1", models.OutreachDelivery{SentAt: time.Now(), Cost: &cost, ProviderMessageID: "SM1"})
	if err != nil {
		t.Fatalf("MarkOutreachSent failed: %v", err)
	}
	if updated {
		t.Error("no affected rows must report not updated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_QueryErrorsAreWrapped(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT 1 FROM opt_outs`).WillReturnError(boom)

	_, err := s.IsOptedOut(context.Background(), "+15550001234")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}
}

func TestPostgresDialectUniqueViolation(t *testing.T) {
	if !postgresDialect.uniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if postgresDialect.uniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if postgresDialect.uniqueViolation(errors.New("plain")) {
		t.Error("plain errors are not unique violations")
	}
}
