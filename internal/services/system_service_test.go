package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"firestore": {Status: domain.HealthStatusOK},
			"stripe":    {Status: domain.HealthStatusDegraded},
		},
	}}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.4.0", Environment: "prod", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Version != "1.4.0" || report.Environment != "prod" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 5*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("uptime=%v generatedAt=%v", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceHealthReportPropagatesErrors(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: errors.New("boom")}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{nil, domain.HealthStatusOK},
		{map[string]domain.SystemHealthCheck{"a": {Status: domain.HealthStatusOK}}, domain.HealthStatusOK},
		{map[string]domain.SystemHealthCheck{"a": {Status: domain.HealthStatusDegraded}}, domain.HealthStatusDegraded},
		{map[string]domain.SystemHealthCheck{"a": {Status: domain.HealthStatusDegraded}, "b": {Status: domain.HealthStatusError}}, domain.HealthStatusError},
	}
	for _, tc := range cases {
		if got := deriveStatus(tc.checks); got != tc.want {
			t.Fatalf("deriveStatus(%v) = %s, want %s", tc.checks, got, tc.want)
		}
	}
}

type fixedQueue struct{ stats QueueStats }

func (q fixedQueue) Stats() QueueStats { return q.stats }

func TestSystemServiceReportsNotificationBacklog(t *testing.T) {
	cases := []struct {
		name   string
		stats  QueueStats
		check  string
		status string
	}{
		{"idle", QueueStats{Depth: 0, Capacity: 10}, domain.HealthStatusOK, domain.HealthStatusOK},
		{"saturated", QueueStats{Depth: 9, Capacity: 10}, domain.HealthStatusDegraded, domain.HealthStatusDegraded},
		{"closed", QueueStats{Capacity: 10, Closed: true}, domain.HealthStatusError, domain.HealthStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubHealthRepository{report: domain.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
			}}
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Notifications: fixedQueue{tc.stats}})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			check, ok := report.Checks["notificationQueue"]
			if !ok {
				t.Fatalf("missing notificationQueue check in %v", report.Checks)
			}
			if check.Status != tc.check || report.Status != tc.status {
				t.Fatalf("check=%s report=%s, want %s/%s", check.Status, report.Status, tc.check, tc.status)
			}
		})
	}
}
