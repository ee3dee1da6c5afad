package ingest

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/model"
)

// sampleRawLineMax bounds the stored sample line. The sample exists so
// an operator staring at zero records can see what the wire actually
// carries.
const sampleRawLineMax = 600

// Stats tracks the live ingest counters shared by the UDP intake, the
// file importer, and the API. All counters are lock-free; only the
// sample line and the start instant take a mutex.
type Stats struct {
	udpPackets    atomic.Int64
	udpBytes      atomic.Int64
	linesReceived atomic.Int64
	queueDropped  atomic.Int64
	oversizeLines atomic.Int64

	recordsProcessed  atomic.Int64
	recordsParseOK    atomic.Int64
	recordsParseError atomic.Int64
	recordsFilteredID atomic.Int64

	rawLogsSaved atomic.Int64
	eventsSaved  atomic.Int64
	batchErrors  atomic.Int64

	// Unix milliseconds of the last datagram or batch write; 0 means
	// nothing has happened yet.
	lastUpdated atomic.Int64

	mu        sync.Mutex
	sample    string
	startedAt time.Time
}

// NewStats returns zeroed counters with the uptime clock started.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// AddDatagram counts one received UDP datagram of the given payload
// size.
func (s *Stats) AddDatagram(bytes int) {
	s.udpPackets.Add(1)
	s.udpBytes.Add(int64(bytes))
	s.touch()
}

// AddLine counts one extracted syslog line and keeps it as the current
// sample, truncated to sampleRawLineMax.
func (s *Stats) AddLine(raw string) {
	s.linesReceived.Add(1)

	if len(raw) > sampleRawLineMax {
		raw = raw[:sampleRawLineMax] + "..."
	}
	s.mu.Lock()
	s.sample = raw
	s.mu.Unlock()
}

// AddQueueDrop counts lines dropped because the intake queue was full.
func (s *Stats) AddQueueDrop(n int) {
	s.queueDropped.Add(int64(n))
}

// AddOversize counts one line truncated for exceeding the line cap.
func (s *Stats) AddOversize() {
	s.oversizeLines.Add(1)
}

// AddRecord counts one reconstructed record by its parse status.
func (s *Stats) AddRecord(parseStatus string) {
	s.recordsProcessed.Add(1)
	switch parseStatus {
	case model.ParseStatusOK:
		s.recordsParseOK.Add(1)
	case model.ParseStatusError:
		s.recordsParseError.Add(1)
	case model.ParseStatusFiltered:
		s.recordsFilteredID.Add(1)
	}
}

// AddSaved counts rows confirmed written by a batch commit.
func (s *Stats) AddSaved(rawLogs, events int) {
	s.rawLogsSaved.Add(int64(rawLogs))
	s.eventsSaved.Add(int64(events))
	s.touch()
}

// AddBatchError counts one failed batch write.
func (s *Stats) AddBatchError() {
	s.batchErrors.Add(1)
}

func (s *Stats) touch() {
	s.lastUpdated.Store(time.Now().UnixMilli())
}

// SampleLine returns the most recent (truncated) raw line, or "".
func (s *Stats) SampleLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample
}

// Reset zeroes every counter and restarts the uptime clock.
func (s *Stats) Reset() {
	s.udpPackets.Store(0)
	s.udpBytes.Store(0)
	s.linesReceived.Store(0)
	s.queueDropped.Store(0)
	s.oversizeLines.Store(0)
	s.recordsProcessed.Store(0)
	s.recordsParseOK.Store(0)
	s.recordsParseError.Store(0)
	s.recordsFilteredID.Store(0)
	s.rawLogsSaved.Store(0)
	s.eventsSaved.Store(0)
	s.batchErrors.Store(0)
	s.lastUpdated.Store(0)

	s.mu.Lock()
	s.sample = ""
	s.startedAt = time.Now()
	s.mu.Unlock()
}

// Snapshot is the compact wire shape served at /api/stats. Field names
// are stable; dashboards key on them.
type Snapshot struct {
	UDPPackets   int64      `json:"udp_packets"`
	UDPBytes     int64      `json:"udp_bytes"`
	Lines        int64      `json:"lines"`
	QueueDropped int64      `json:"queue_dropped"`
	RecordsTotal int64      `json:"records_total"`
	RecordsOK    int64      `json:"records_ok"`
	ParseErr     int64      `json:"parse_err"`
	FilteredID   int64      `json:"filtered_id"`
	DBRawLogs    int64      `json:"db_raw_logs"`
	DBEvents     int64      `json:"db_events"`
	LastUpdated  *time.Time `json:"last_updated"`
}

// Snapshot returns the compact counter view.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UDPPackets:   s.udpPackets.Load(),
		UDPBytes:     s.udpBytes.Load(),
		Lines:        s.linesReceived.Load(),
		QueueDropped: s.queueDropped.Load(),
		RecordsTotal: s.recordsProcessed.Load(),
		RecordsOK:    s.recordsParseOK.Load(),
		ParseErr:     s.recordsParseError.Load(),
		FilteredID:   s.recordsFilteredID.Load(),
		DBRawLogs:    s.rawLogsSaved.Load(),
		DBEvents:     s.eventsSaved.Load(),
		LastUpdated:  s.lastUpdatedTime(),
	}
}

// Detail is the verbose view served at /api/ingest/stats.
type Detail struct {
	UDPPackets        int64      `json:"udp_packets"`
	UDPBytes          int64      `json:"udp_bytes"`
	LinesReceived     int64      `json:"lines_received"`
	QueueDropped      int64      `json:"queue_dropped"`
	OversizeLines     int64      `json:"oversize_lines"`
	RecordsProcessed  int64      `json:"records_processed"`
	RecordsParseOK    int64      `json:"records_parse_ok"`
	RecordsParseError int64      `json:"records_parse_error"`
	RecordsFilteredID int64      `json:"records_filtered_id"`
	RawLogsSaved      int64      `json:"raw_logs_saved"`
	EventsSaved       int64      `json:"events_saved"`
	BatchErrors       int64      `json:"batch_errors"`
	UptimeSeconds     float64    `json:"uptime_seconds"`
	SampleRawLine     *string    `json:"sample_raw_line,omitempty"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

// Detail returns the verbose counter view, uptime included.
func (s *Stats) Detail() Detail {
	s.mu.Lock()
	started := s.startedAt
	sample := s.sample
	s.mu.Unlock()

	d := Detail{
		UDPPackets:        s.udpPackets.Load(),
		UDPBytes:          s.udpBytes.Load(),
		LinesReceived:     s.linesReceived.Load(),
		QueueDropped:      s.queueDropped.Load(),
		OversizeLines:     s.oversizeLines.Load(),
		RecordsProcessed:  s.recordsProcessed.Load(),
		RecordsParseOK:    s.recordsParseOK.Load(),
		RecordsParseError: s.recordsParseError.Load(),
		RecordsFilteredID: s.recordsFilteredID.Load(),
		RawLogsSaved:      s.rawLogsSaved.Load(),
		EventsSaved:       s.eventsSaved.Load(),
		BatchErrors:       s.batchErrors.Load(),
		UptimeSeconds:     math.Round(time.Since(started).Seconds()*10) / 10,
		LastUpdated:       s.lastUpdatedTime(),
	}
	if sample != "" {
		d.SampleRawLine = &sample
	}
	return d
}

func (s *Stats) lastUpdatedTime() *time.Time {
	ms := s.lastUpdated.Load()
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// LogSummary writes the counters to the log. Lines arriving without a
// single record parsing is the classic misconfigured-sender symptom,
// so that case warns and includes the sample line.
func (s *Stats) LogSummary() {
	lines := s.linesReceived.Load()
	records := s.recordsProcessed.Load()

	if lines > 0 && records == 0 {
		logger.Warn("syslog lines are arriving but none match a NetWall framing",
			"lines", lines,
			"sample", s.SampleLine())
		return
	}

	logger.Info("ingest counters",
		"udp_packets", s.udpPackets.Load(),
		"lines", lines,
		"records_ok", s.recordsParseOK.Load(),
		"parse_err", s.recordsParseError.Load(),
		"filtered_id", s.recordsFilteredID.Load(),
		"queue_dropped", s.queueDropped.Load(),
		"raw_logs_saved", s.rawLogsSaved.Load(),
		"events_saved", s.eventsSaved.Load(),
		"batch_errors", s.batchErrors.Load())
}
