package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// ErrCanceled is returned by ImportFile when the caller's cancel probe
// reports a cancellation request. Rows already committed stay.
var ErrCanceled = errors.New("import canceled")

const (
	// Cancel probes run at whichever of these comes first, so a cancel
	// request takes effect within half a second even on slow batches.
	cancelCheckRecords  = 1000
	cancelCheckInterval = 500 * time.Millisecond

	// Lines beyond this are a corrupt file, not a log record.
	maxImportLine = 1 << 20

	gzipMagic0 = 0x1f
	gzipMagic1 = 0x8b
)

// ImportReport is the outcome of one file import. It is stored as the
// job result, so field names are part of the API.
type ImportReport struct {
	LinesProcessed  int64      `json:"lines_processed"`
	RawLogsInserted int64      `json:"raw_logs_inserted"`
	EventsInserted  int64      `json:"events_inserted"`
	ParseOK         int64      `json:"parse_ok"`
	ParseErrors     int64      `json:"parse_err"`
	FilteredID      int64      `json:"filtered_id"`
	TimeMin         *time.Time `json:"time_min,omitempty"`
	TimeMax         *time.Time `json:"time_max,omitempty"`
	DeviceDetected  string     `json:"device_detected,omitempty"`
}

// ImportProgress is one progress sample, emitted after every committed
// batch. Fraction tracks bytes consumed from the file, so it measures
// the compressed stream for gzip uploads.
type ImportProgress struct {
	Lines    int64
	Fraction float64
	OK       int64
	Errors   int64
	Filtered int64
}

// ImportOptions tune one ImportFile run.
type ImportOptions struct {
	// YearMode is the parser's year inference mode for BSD timestamps.
	YearMode string

	// BatchSize is the maximum rows per write. Zero means 500.
	BatchSize int

	// PreferredDevice overrides device detection: the report attributes
	// the file to this device regardless of what the records say.
	PreferredDevice string

	// Progress, when set, is called after every committed batch.
	Progress func(p ImportProgress)

	// CancelRequested, when set, is polled during the run; returning
	// true stops the import with ErrCanceled.
	CancelRequested func() bool
}

// ImportFile streams one uploaded log file into the store: gzip is
// detected by magic bytes, lines are reassembled into records, and
// records run through the same classification and flow derivation as
// live syslog. Writes are committed in batches; an error or cancel
// keeps the batches already written.
//
// The report always attributes the file to a single device: the
// preferred one when given, otherwise the device most records named.
func ImportFile(ctx context.Context, st *store.Store, class *classify.Classifier, path string, opts ImportOptions) (*ImportReport, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat upload: %w", err)
	}

	// Counting sits below the gzip layer, so the fraction measures the
	// file regardless of compression.
	cr := &countingReader{r: f}
	r, err := sniffGzip(cr)
	if err != nil {
		return nil, err
	}

	p, err := parser.New(parser.Options{YearMode: opts.YearMode})
	if err != nil {
		return nil, err
	}

	run := &importRun{
		store:     st,
		builder:   newBuilder(class, "", nil),
		parser:    p,
		batchSize: batchSize,
		progress:  opts.Progress,
		cancel:    opts.CancelRequested,
		col:       newCollector(),
		read:      cr,
		size:      info.Size(),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxImportLine)
	scanner.Split(splitAnyNewline)

	var rec parser.RecordReconstructor
	for scanner.Scan() {
		run.col.LinesProcessed++

		line := strings.ToValidUTF8(scanner.Text(), "�")
		if strings.TrimSpace(line) == "" {
			continue
		}

		for _, record := range rec.FeedLine(line) {
			if err := run.handle(ctx, record); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	for _, record := range rec.Flush() {
		if err := run.handle(ctx, record); err != nil {
			return nil, err
		}
	}

	if err := run.flush(ctx); err != nil {
		return nil, err
	}

	return run.col.report(opts.PreferredDevice), nil
}

// countingReader tracks how many bytes passed through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// sniffGzip wraps r in a gzip reader when the stream starts with the
// gzip magic, and returns it unwrapped otherwise.
func sniffGzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	magic, err := br.Peek(2)
	if err != nil {
		// Shorter than two bytes: nothing to decompress.
		return br, nil
	}
	if magic[0] != gzipMagic0 || magic[1] != gzipMagic1 {
		return br, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return gz, nil
}

// splitAnyNewline is a bufio.SplitFunc accepting \n, \r\n and \r line
// endings, so exports from any platform import cleanly.
func splitAnyNewline(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	i := bytes.IndexAny(data, "\r\n")
	if i < 0 {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}

	if data[i] == '\n' {
		return i + 1, data[:i], nil
	}
	// \r: swallow a following \n when we can see it.
	if i+1 < len(data) {
		if data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

// importRun carries the per-file state shared by the scan loop.
type importRun struct {
	store     *store.Store
	builder   *builder
	parser    *parser.Parser
	batchSize int
	progress  func(ImportProgress)
	cancel    func() bool
	col       *collector

	read *countingReader
	size int64

	sinceCheck  int
	lastCheckAt time.Time
}

// fraction reports how much of the file has been consumed. The scanner
// reads ahead of the parse position, so this slightly leads; good
// enough for a progress bar.
func (r *importRun) fraction() float64 {
	if r.size <= 0 {
		return 1
	}
	f := float64(r.read.n) / float64(r.size)
	if f > 1 {
		f = 1
	}
	return f
}

func (r *importRun) handle(ctx context.Context, record string) error {
	if err := r.checkCancel(ctx); err != nil {
		return err
	}

	res := r.parser.Parse(record)
	r.col.countRecord(&res)
	r.builder.add(ctx, &res)

	if r.builder.rows >= r.batchSize {
		return r.flush(ctx)
	}
	return nil
}

func (r *importRun) flush(ctx context.Context) error {
	if r.builder.empty() {
		return nil
	}

	batch := r.builder.take()
	if err := r.store.WriteBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to write import batch: %w", err)
	}

	r.col.RawLogsInserted += int64(len(batch.RawLogs))
	r.col.EventsInserted += int64(len(batch.Events))
	if r.progress != nil {
		r.progress(ImportProgress{
			Lines:    r.col.LinesProcessed,
			Fraction: r.fraction(),
			OK:       r.col.ParseOK,
			Errors:   r.col.ParseErrors,
			Filtered: r.col.FilteredID,
		})
	}
	return nil
}

func (r *importRun) checkCancel(ctx context.Context) error {
	r.sinceCheck++
	if r.sinceCheck < cancelCheckRecords && time.Since(r.lastCheckAt) < cancelCheckInterval {
		return nil
	}
	r.sinceCheck = 0
	r.lastCheckAt = time.Now()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cancel != nil && r.cancel() {
		return ErrCanceled
	}
	return nil
}

// collector tallies what one import run saw.
type collector struct {
	LinesProcessed  int64
	RawLogsInserted int64
	EventsInserted  int64
	ParseOK         int64
	ParseErrors     int64
	FilteredID      int64

	timeMin time.Time
	timeMax time.Time
	devices map[string]int64
}

func newCollector() *collector {
	return &collector{devices: make(map[string]int64)}
}

// countRecord tallies one parse result. Device attribution and the
// data time range come from records that parsed cleanly; broken and
// filtered lines only bump their counters.
func (c *collector) countRecord(res *parser.Result) {
	switch res.Raw.ParseStatus {
	case model.ParseStatusOK:
		c.ParseOK++
		if res.Raw.Device != "" {
			c.devices[res.Raw.Device]++
		}
		ts := res.Raw.TsUTC
		if c.timeMin.IsZero() || ts.Before(c.timeMin) {
			c.timeMin = ts
		}
		if c.timeMax.IsZero() || ts.After(c.timeMax) {
			c.timeMax = ts
		}
	case model.ParseStatusFiltered:
		c.FilteredID++
	default:
		c.ParseErrors++
	}
}

// primaryDevice picks the device the file belongs to: the most common
// one, ties broken by name so reruns agree.
func (c *collector) primaryDevice() string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	var best string
	var bestCount int64
	for _, name := range names {
		if c.devices[name] > bestCount {
			best = name
			bestCount = c.devices[name]
		}
	}
	return best
}

func (c *collector) report(preferred string) *ImportReport {
	rep := &ImportReport{
		LinesProcessed:  c.LinesProcessed,
		RawLogsInserted: c.RawLogsInserted,
		EventsInserted:  c.EventsInserted,
		ParseOK:         c.ParseOK,
		ParseErrors:     c.ParseErrors,
		FilteredID:      c.FilteredID,
		DeviceDetected:  preferred,
	}
	if rep.DeviceDetected == "" {
		rep.DeviceDetected = c.primaryDevice()
	}
	if !c.timeMin.IsZero() {
		tmin, tmax := c.timeMin, c.timeMax
		rep.TimeMin = &tmin
		rep.TimeMax = &tmax
	}
	return rep
}
