// Package syslog is the UDP intake for live NetWall logs.
//
// One receiver goroutine drains the socket and fans lines out to a
// fixed set of consumers, sharded by sender address so one firewall's
// lines stay in order on a single consumer — wrapped records can only
// be reassembled from consecutive lines. The line queue is bounded:
// when a shard falls behind, new lines are dropped and counted rather
// than blocking the socket read.
package syslog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/metrics"
)

const (
	// maxDatagram is the largest UDP payload worth reading.
	maxDatagram = 64 * 1024

	// maxLine caps a single line; anything longer is truncated and
	// flagged oversize.
	maxLine = 16 * 1024

	// Consumers gulp up to gulpLines from their queue or whatever
	// arrived within gulpWait, then parse the lot. A gulp that ends on
	// the timer also flushes the record reassembler, so a record never
	// sits unparsed while the source is quiet.
	gulpLines = 256
	gulpWait  = 50 * time.Millisecond

	defaultQueueSize = 8192
	defaultConsumers = 4

	summaryInterval = time.Minute
	depthInterval   = 5 * time.Second
)

// Options configure the intake.
type Options struct {
	// Host is the bind address; empty means all interfaces.
	Host string

	// Port is the UDP port. Port 0 binds an ephemeral port, readable
	// from Addr after Start.
	Port int

	// QueueSize is the total buffered-line capacity across consumers.
	// Zero means 8192.
	QueueSize int

	// Consumers is the number of parser workers. Zero means 4.
	Consumers int

	// YearMode is the parser's year inference mode for BSD timestamps.
	YearMode string
}

// Server receives syslog datagrams and feeds parsed records into the
// pipeline.
type Server struct {
	pipe  *ingest.Pipeline
	stats *ingest.Stats
	m     metrics.IngestMetrics
	opts  Options

	conn     *net.UDPConn
	queues   []chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an intake server. stats must not be nil; m may be nil.
func New(pipe *ingest.Pipeline, stats *ingest.Stats, m metrics.IngestMetrics, opts Options) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Consumers <= 0 {
		opts.Consumers = defaultConsumers
	}

	return &Server{
		pipe:  pipe,
		stats: stats,
		m:     m,
		opts:  opts,
		done:  make(chan struct{}),
	}
}

// Start binds the socket and launches the receiver and consumers.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve syslog bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind syslog socket: %w", err)
	}
	s.conn = conn

	// Bursts from many firewalls land faster than consumers wake up;
	// a large socket buffer absorbs them. The kernel may clamp this.
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	perQueue := s.opts.QueueSize / s.opts.Consumers
	if perQueue < 1 {
		perQueue = 1
	}

	s.queues = make([]chan string, s.opts.Consumers)
	for i := range s.queues {
		s.queues[i] = make(chan string, perQueue)
	}

	for i := range s.queues {
		p, err := parser.New(parser.Options{YearMode: s.opts.YearMode})
		if err != nil {
			conn.Close()
			return err
		}
		s.wg.Add(1)
		go s.consume(s.queues[i], p)
	}

	s.wg.Add(2)
	go s.receive()
	go s.watch()

	logger.Info("syslog intake listening",
		"addr", conn.LocalAddr().String(),
		"consumers", s.opts.Consumers,
		"queue_size", perQueue*s.opts.Consumers,
	)
	return nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop closes the socket, lets the consumers drain their queues into
// the pipeline, and waits for them or for ctx to expire. The pipeline
// itself is stopped by the caller afterwards.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		logger.Info("syslog intake stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive drains the socket until it is closed, splitting datagrams
// into lines and handing each to its sender's consumer.
func (s *Server) receive() {
	defer s.wg.Done()
	defer func() {
		for _, q := range s.queues {
			close(q)
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, sender, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("syslog read failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		s.stats.AddDatagram(n)
		metrics.RecordDatagram(s.m, n)

		q := s.queues[shardFor(sender, len(s.queues))]
		lines := 0
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if len(line) > maxLine {
				line = line[:maxLine]
				s.stats.AddOversize()
				metrics.RecordOversizeLine(s.m)
			}

			lines++
			s.stats.AddLine(line)

			select {
			case q <- line:
			default:
				s.stats.AddQueueDrop(1)
				metrics.RecordQueueDrop(s.m, 1)
			}
		}
		metrics.RecordLines(s.m, lines)
	}
}

// consume parses one shard's lines. Lines are taken in gulps; a gulp
// that ended on the timer means the sender went quiet, so the record
// reassembler is flushed rather than holding its last record open.
func (s *Server) consume(q <-chan string, p *parser.Parser) {
	defer s.wg.Done()

	var rec parser.RecordReconstructor
	lines := make([]string, 0, gulpLines)

	for {
		line, ok := <-q
		if !ok {
			s.submitAll(rec.Flush(), p)
			return
		}

		lines = append(lines[:0], line)
		quiet := false
		timer := time.NewTimer(gulpWait)
	collect:
		for len(lines) < gulpLines {
			select {
			case l, open := <-q:
				if !open {
					quiet = true
					break collect
				}
				lines = append(lines, l)
			case <-timer.C:
				quiet = true
				break collect
			}
		}
		timer.Stop()

		for _, l := range lines {
			s.submitAll(rec.FeedLine(l), p)
		}
		if quiet {
			s.submitAll(rec.Flush(), p)
		}
	}
}

func (s *Server) submitAll(records []string, p *parser.Parser) {
	for _, record := range records {
		// The background context never expires, so Submit can only
		// block, which is the backpressure we want here.
		_ = s.pipe.Submit(context.Background(), p.Parse(record))
	}
}

// watch reports queue depth and periodically logs an intake summary.
func (s *Server) watch() {
	defer s.wg.Done()

	summary := time.NewTicker(summaryInterval)
	defer summary.Stop()
	depth := time.NewTicker(depthInterval)
	defer depth.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-depth.C:
			metrics.SetQueueDepth(s.m, s.queued())
		case <-summary.C:
			s.stats.LogSummary()
		}
	}
}

func (s *Server) queued() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// shardFor maps a sender address onto a consumer. The same sender
// always lands on the same consumer, keeping its lines ordered.
func shardFor(sender *net.UDPAddr, n int) int {
	h := fnv.New32a()
	h.Write(sender.IP)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(sender.Port))
	h.Write(port[:])
	return int(h.Sum32() % uint32(n))
}
