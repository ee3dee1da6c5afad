package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/ha"
	"github.com/netwall-io/netwall/pkg/model"
)

// PurgeResult is stored as the purge job result. Counts are keyed
// "<table>_deleted".
type PurgeResult struct {
	DeviceKey    string           `json:"device_key"`
	ResultCounts map[string]int64 `json:"result_counts"`
}

// runPurge erases one firewall. The deletion itself is a single
// transaction, so the cancel flag only matters before it starts.
func (m *Manager) runPurge(job *model.IngestJob) (*string, error) {
	if job.Device == nil || *job.Device == "" {
		return nil, errors.New("purge job names no device")
	}
	key := *job.Device

	if m.cancelProbe(job.ID)() {
		return nil, errCanceled
	}

	counts, err := m.store.PurgeDevice(m.ctx, key, m.memberKeys(key))
	if err != nil {
		return nil, err
	}

	// The purge took classification rules with it.
	m.class.Invalidate()

	out, err := json.Marshal(PurgeResult{DeviceKey: key, ResultCounts: counts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode purge result: %w", err)
	}

	logger.Info("purge complete", "job_id", job.ID, "device_key", key)
	result := string(out)
	return &result, nil
}

// memberKeys expands an HA group key to the physical device names that
// actually carry rows. Plain keys map to themselves. A group with no
// recorded members, or one already deleted, falls back to the
// conventional pair names so the purge still sweeps what the group
// would have claimed.
func (m *Manager) memberKeys(key string) []string {
	if !ha.IsGroupKey(key) {
		return []string{key}
	}
	if fw, err := m.store.GetFirewall(m.ctx, key); err == nil && len(fw.Members) > 0 {
		return fw.Members
	}
	return ha.DefaultMembers(ha.Base(key))
}
