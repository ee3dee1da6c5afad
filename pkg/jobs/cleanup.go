package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/ha"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// cleanupEvery is how stale the last run may get before the scheduler
// submits another one.
const cleanupEvery = 24 * time.Hour

// runCleanup ages out raw logs and events for syslog-only firewalls.
// A manual trigger runs even while the retention policy is disabled;
// only the scheduler honors the enabled flag.
func (m *Manager) runCleanup(job *model.IngestJob) (*string, error) {
	start := time.Now()

	retention, err := m.store.RetentionSettings(m.ctx)
	if err != nil {
		return nil, err
	}

	keys, err := m.store.SyslogOnlyFirewalls(m.ctx)
	if err != nil {
		return nil, err
	}
	devices := m.expandCleanupDevices(keys)
	cutoff := time.Now().UTC().Add(-time.Duration(retention.KeepDays) * 24 * time.Hour)

	if m.cancelProbe(job.ID)() {
		return nil, errCanceled
	}

	deletedEvents, err := m.store.DeleteEventsBefore(m.ctx, devices, cutoff)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateJobProgress(m.ctx, job.ID, store.JobProgress{Progress: 0.4}); err != nil {
		return nil, err
	}
	if m.cancelProbe(job.ID)() {
		return nil, errCanceled
	}

	deletedRawLogs, err := m.store.DeleteRawLogsBefore(m.ctx, devices, cutoff)
	if err != nil {
		return nil, err
	}
	if m.cancelProbe(job.ID)() {
		return nil, errCanceled
	}

	err = m.store.UpdateJobProgress(m.ctx, job.ID, store.JobProgress{
		Phase:    model.JobPhaseVacuum,
		Progress: 0.9,
	})
	if err != nil {
		return nil, err
	}

	// The deletions stand whether or not the vacuum works out.
	vacuumRan := true
	if err := m.store.Vacuum(m.ctx); err != nil {
		if m.ctx.Err() != nil {
			return nil, err
		}
		vacuumRan = false
		logger.Warn("vacuum failed after cleanup", "error", err)
	}

	summary := model.CleanupSummary{
		LastRun:        time.Now().UTC(),
		DurationMs:     time.Since(start).Milliseconds(),
		DeletedEvents:  deletedEvents,
		DeletedRawLogs: deletedRawLogs,
		VacuumRan:      vacuumRan,
		KeepDays:       retention.KeepDays,
		Cutoff:         cutoff,
	}
	if err := m.store.PutSetting(m.ctx, model.SettingLastCleanup, summary); err != nil {
		return nil, err
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cleanup result: %w", err)
	}

	logger.Info("cleanup complete",
		"deleted_events", deletedEvents,
		"deleted_raw_logs", deletedRawLogs,
		"keep_days", retention.KeepDays,
		"took", time.Since(start),
	)
	result := string(out)
	return &result, nil
}

// expandCleanupDevices maps retention-eligible firewall keys to the
// physical device names whose rows age out. HA groups contribute their
// members; the group row itself carries no events.
func (m *Manager) expandCleanupDevices(keys []string) []string {
	seen := make(map[string]struct{})
	for _, key := range keys {
		if !ha.IsGroupKey(key) {
			seen[key] = struct{}{}
			continue
		}
		for _, member := range m.memberKeys(key) {
			seen[member] = struct{}{}
		}
	}

	devices := make([]string, 0, len(seen))
	for d := range seen {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// scheduler triggers the daily retention cleanup. Due-ness comes from
// the persisted last-run stamp, so restarts don't reset the clock.
func (m *Manager) scheduler() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.maybeScheduleCleanup()
		}
	}
}

func (m *Manager) maybeScheduleCleanup() {
	retention, err := m.store.RetentionSettings(m.ctx)
	if err != nil {
		if m.ctx.Err() == nil {
			logger.Error("failed to read retention settings", "error", err)
		}
		return
	}
	if !retention.Enabled {
		return
	}

	last, err := m.store.LastCleanup(m.ctx)
	if err != nil {
		if m.ctx.Err() == nil {
			logger.Error("failed to read last cleanup stamp", "error", err)
		}
		return
	}
	if last != nil && time.Since(last.LastRun) < cleanupEvery {
		return
	}

	if _, err := m.SubmitCleanup(m.ctx); err != nil {
		if errors.Is(err, model.ErrConflict) {
			logger.Debug("scheduled cleanup skipped, another job is active")
			return
		}
		if m.ctx.Err() == nil {
			logger.Error("failed to schedule cleanup", "error", err)
		}
	}
}
