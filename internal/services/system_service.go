package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meditationastro/medinow-orders/internal/domain"
	"github.com/meditationastro/medinow-orders/internal/repositories"
)

const notificationQueueCheck = "notificationQueue"

// queueSaturation is the backlog fraction at which readiness degrades.
const queueSaturation = 0.9

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// QueueInspector exposes the notification backlog to readiness.
type QueueInspector interface {
	Stats() QueueStats
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Notifications adds a backlog check to the report when set.
	Notifications QueueInspector
	Clock         func() time.Time
	Build         BuildInfo
}

type systemService struct {
	build  BuildInfo
	health repositories.HealthRepository
	queue  QueueInspector
	now    func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	info := deps.Build
	if info.StartedAt.IsZero() {
		info.StartedAt = clock()
	}
	return &systemService{
		build:  info,
		health: deps.HealthRepository,
		queue:  deps.Notifications,
		now:    func() time.Time { return clock().UTC() },
	}, nil
}

// HealthReport collects dependency probes, adds the notification backlog and stamps build metadata.
func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	now := s.now()

	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.queue != nil {
		report.Checks[notificationQueueCheck] = queueCheck(s.queue.Stats(), now)
	}
	report.Status = worstStatus(report.Status, deriveStatus(report.Checks))

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if strings.TrimSpace(report.Environment) == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	return report, nil
}

func queueCheck(stats QueueStats, now time.Time) domain.SystemHealthCheck {
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    fmt.Sprintf("%d/%d queued", stats.Depth, stats.Capacity),
		CheckedAt: now,
	}
	switch {
	case stats.Closed:
		check.Status, check.Error = domain.HealthStatusError, "dispatcher closed"
	case stats.Capacity > 0 && float64(stats.Depth) >= queueSaturation*float64(stats.Capacity):
		check.Status, check.Error = domain.HealthStatusDegraded, "queue near capacity"
	}
	return check
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		status = worstStatus(status, check.Status)
	}
	return status
}

func worstStatus(a, b string) string {
	if statusRank(b) > statusRank(a) {
		return b
	}
	if a == "" {
		return domain.HealthStatusOK
	}
	return a
}

func statusRank(status string) int {
	switch status {
	case "", domain.HealthStatusOK:
		return 0
	case domain.HealthStatusError:
		return 2
	default:
		return 1
	}
}
