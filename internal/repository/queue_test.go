package repository

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/textric/textric-server/internal/models"
)

func setupQueueMock(t *testing.T) (*PostgresQueueRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresQueueRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func sampleEntry(id string) models.QueueEntry {
	return models.QueueEntry{
		ID:      id,
		Account: "CleverHeron#00002",
		Addresses: []models.Address{
			{Handle: "CleverHeron#00002", DeviceID: "dev1"},
			{Handle: "CleverHeron#00002", DeviceID: "dev2"},
		},
		Message: models.Envelope{
			Src:     models.Address{Handle: "BraveOtter#00001", DeviceID: "dev1"},
			Dst:     models.Destination{Handle: "CleverHeron#00002"},
			Payload: "cGF5bG9hZA==",
		},
	}
}

func TestQueueInsertOne(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	e := sampleEntry("entry-1")
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO queue_entries (id, account_handle, addrs, msg)`)).
		WithArgs(e.ID, e.Account, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.InsertOne(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueueInsertMany_Transactional(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	entries := []models.QueueEntry{sampleEntry("entry-1"), sampleEntry("entry-2")}
	mock.ExpectBegin()
	for _, e := range entries {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO queue_entries (id, account_handle, addrs, msg)`)).
			WithArgs(e.ID, e.Account, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	if err := repo.InsertMany(context.Background(), entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueueListByAccount(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	e := sampleEntry("entry-1")
	addrs, _ := json.Marshal(e.Addresses)
	msg, _ := json.Marshal(e.Message)
	rows := sqlmock.NewRows([]string{"id", "account_handle", "addrs", "msg"}).
		AddRow(e.ID, e.Account, addrs, msg)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, account_handle, addrs, msg FROM queue_entries WHERE account_handle = $1 ORDER BY seq`)).
		WithArgs(e.Account).
		WillReturnRows(rows)

	got, err := repo.ListByAccount(context.Background(), e.Account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries; want 1", len(got))
	}
	if len(got[0].Addresses) != 2 {
		t.Errorf("got %d addresses; want 2", len(got[0].Addresses))
	}
	if got[0].Message.Src != e.Message.Src {
		t.Errorf("message src = %+v; want %+v", got[0].Message.Src, e.Message.Src)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueuePullAddress(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	addr := models.Address{Handle: "CleverHeron#00002", DeviceID: "dev1"}
	encoded, _ := json.Marshal(addr)

	mock.ExpectExec(`UPDATE queue_entries`).
		WithArgs("entry-1", encoded).
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := repo.PullAddress(context.Background(), "entry-1", addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !removed {
		t.Error("expected address to be pulled")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueuePullAddress_AlreadyGone(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	addr := models.Address{Handle: "CleverHeron#00002", DeviceID: "dev1"}
	encoded, _ := json.Marshal(addr)

	mock.ExpectExec(`UPDATE queue_entries`).
		WithArgs("entry-1", encoded).
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := repo.PullAddress(context.Background(), "entry-1", addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("expected no pull for an absent address")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueueDeleteIfEmpty(t *testing.T) {
	repo, mock, cleanup := setupQueueMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM queue_entries WHERE id = $1 AND jsonb_array_length(addrs) = 0`)).
		WithArgs("entry-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := repo.DeleteIfEmpty(context.Background(), "entry-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Error("expected entry to be deleted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
