package webhookinfra_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/webhook"
	"github.com/truxeio/truxe/pkg/iam/webhook/webhookinfra"
	"github.com/truxeio/truxe/pkg/kernel"
)

func newMockRepo(t *testing.T) (webhook.EndpointRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return webhookinfra.NewPostgresEndpointRepository(sqlx.NewDb(db, "sqlmock")), mock
}

var endpointColumns = []string{
	"id", "tenant_id", "url", "secret_enc", "events", "allowed_ips",
	"description", "active", "created_at", "updated_at",
}

func TestFindSubscribedQueriesEventAndWildcard(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(endpointColumns).
		AddRow("ep-1", "t-1", "https://a.example.com", "enc", "{tenant.created}", "{}", "", true, now, now).
		AddRow("ep-2", "t-1", "https://b.example.com", "enc", "{*}", "{10.0.0.0/8}", "all events", true, now, now)

	mock.ExpectQuery(`SELECT \* FROM webhook_endpoints`).
		WithArgs("t-1", "tenant.created").
		WillReturnRows(rows)

	endpoints, err := repo.FindSubscribed(context.Background(), kernel.NewTenantID("t-1"), "tenant.created")
	if err != nil {
		t.Fatalf("FindSubscribed: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(endpoints))
	}
	if endpoints[1].Events[0] != "*" {
		t.Errorf("events array not decoded, got %v", endpoints[1].Events)
	}
	if endpoints[1].AllowedIPs[0] != "10.0.0.0/8" {
		t.Errorf("allowed_ips array not decoded, got %v", endpoints[1].AllowedIPs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFindByIDMissingEndpoint(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM webhook_endpoints WHERE id`).
		WithArgs("ep-missing").
		WillReturnRows(sqlmock.NewRows(endpointColumns))

	_, err := repo.FindByID(context.Background(), "ep-missing")
	if !errx.IsCode(err, webhook.CodeEndpointNotFound) {
		t.Fatalf("expected ENDPOINT_NOT_FOUND, got %v", err)
	}
}

func TestUpdateMissingEndpoint(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE webhook_endpoints SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &webhook.Endpoint{
		ID:       "ep-missing",
		TenantID: kernel.NewTenantID("t-1"),
		URL:      "https://a.example.com",
	})
	if !errx.IsCode(err, webhook.CodeEndpointNotFound) {
		t.Fatalf("expected ENDPOINT_NOT_FOUND, got %v", err)
	}
}

func TestDeleteRemovesEndpoint(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`DELETE FROM webhook_endpoints WHERE id`).
		WithArgs("ep-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), "ep-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
