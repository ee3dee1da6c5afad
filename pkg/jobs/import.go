package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/ha"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// runImport streams the spooled upload into the store and attributes
// the file to the firewall it came from. The spool is removed on every
// outcome; a canceled or failed import keeps the batches it committed.
func (m *Manager) runImport(job *model.IngestJob) (*string, error) {
	path := m.SpoolPath(job.ID)
	defer m.removeSpool(job.ID)

	var preferred string
	if job.Device != nil {
		preferred = *job.Device
	}

	rep, err := ingest.ImportFile(m.ctx, m.store, m.class, path, ingest.ImportOptions{
		YearMode:        m.opts.YearMode,
		BatchSize:       m.opts.BatchSize,
		PreferredDevice: preferred,
		Progress:        m.importProgress(job.ID),
		CancelRequested: m.cancelProbe(job.ID),
	})
	if err != nil {
		return nil, err
	}

	// Everything is written; what remains is attribution and the
	// result row.
	err = m.store.UpdateJobProgress(m.ctx, job.ID, store.JobProgress{
		Phase:           model.JobPhaseIndexing,
		TotalLines:      rep.LinesProcessed,
		ProcessedLines:  rep.LinesProcessed,
		OKRecords:       rep.ParseOK,
		ErrRecords:      rep.ParseErrors,
		FilteredRecords: rep.FilteredID,
		Progress:        storeSpanEnd,
	})
	if err != nil {
		return nil, err
	}

	if err := m.attributeImport(job, rep); err != nil {
		return nil, err
	}

	out, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("failed to encode import result: %w", err)
	}

	logger.Info("import complete",
		"job_id", job.ID,
		"device", rep.DeviceDetected,
		"lines", rep.LinesProcessed,
		"events", rep.EventsInserted,
		"parse_err", rep.ParseErrors,
	)
	result := string(out)
	return &result, nil
}

// importProgress writes one progress sample per committed batch. Total
// lines stay at zero mid-run: the total is only known at the end, and a
// fake one would make processed/total lie.
func (m *Manager) importProgress(id string) func(ingest.ImportProgress) {
	return func(p ingest.ImportProgress) {
		err := m.store.UpdateJobProgress(m.ctx, id, store.JobProgress{
			Phase:           model.JobPhaseStoring,
			ProcessedLines:  p.Lines,
			OKRecords:       p.OK,
			ErrRecords:      p.Errors,
			FilteredRecords: p.Filtered,
			Progress:        uploadSpan + (storeSpanEnd-uploadSpan)*p.Fraction,
		})
		if err != nil && m.ctx.Err() == nil {
			logger.Warn("failed to record import progress", "job_id", id, "error", err)
		}
	}
}

// attributeImport records which firewall the file belonged to: the job
// row gets the canonical device key and the firewall inventory row is
// flagged as an import source. HA member names collapse to their group
// key, so both halves of a cluster's exports land on one row.
func (m *Manager) attributeImport(job *model.IngestJob, rep *ingest.ImportReport) error {
	if rep.DeviceDetected == "" {
		// Nothing parsed cleanly enough to name a device.
		return nil
	}
	key := ha.CanonicalKey(rep.DeviceDetected)

	if err := m.store.SetJobDevice(m.ctx, job.ID, key); err != nil {
		return err
	}

	ts := time.Now().UTC()
	if rep.TimeMax != nil {
		ts = *rep.TimeMax
	}

	batch := &store.Batch{
		Firewalls: []store.FirewallObservation{{
			DeviceKey: key,
			Source:    model.FirewallSourceImport,
			Ts:        ts,
		}},
	}
	if err := m.store.WriteBatch(m.ctx, batch); err != nil {
		return fmt.Errorf("failed to record import source: %w", err)
	}
	return nil
}
