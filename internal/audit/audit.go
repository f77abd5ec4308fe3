package audit

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one request record in the audit log. Credentials appear only in
// masked form; the writer never sees a full secret.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	UserTag    string    `json:"user_tag,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	CostUSD    float64   `json:"cost_usd"`
	Cached     bool      `json:"cached,omitempty"`
	Streamed   bool      `json:"streamed,omitempty"`
	MaskedKey  string    `json:"masked_key,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
}

// Config holds audit log configuration.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	LogFile       string        `yaml:"log_file"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Logger writes one JSON line per request to the audit file. Events are
// buffered on a channel and flushed by a background worker, so emitting an
// event never blocks the request path; a full buffer drops the event and
// counts the drop.
type Logger struct {
	config  Config
	logger  *logrus.Logger
	buffer  chan *Event
	dropped atomic.Int64

	file *os.File
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewLogger creates an audit logger. A disabled config yields a no-op sink.
func NewLogger(config Config, logger *logrus.Logger) (*Logger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &Logger{
		config: config,
		logger: logger,
		buffer: make(chan *Event, config.BufferSize),
	}

	if !config.Enabled {
		return a, nil
	}

	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	a.file = file

	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Emit queues an event for the background writer.
func (a *Logger) Emit(event Event) {
	if !a.config.Enabled {
		return
	}
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return
	}

	event.Timestamp = time.Now()
	select {
	case a.buffer <- &event:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.WithField("dropped", a.dropped.Load()).Warn("Audit buffer full, dropping events")
		}
	}
}

// Dropped returns the number of events lost to a full buffer.
func (a *Logger) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the buffer and closes the audit file.
func (a *Logger) Close() error {
	a.mu.Lock()
	if a.stopped || !a.config.Enabled {
		a.stopped = true
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.buffer)
	a.wg.Wait()
	return a.file.Close()
}

func (a *Logger) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-a.buffer:
			if !ok {
				a.file.Sync()
				return
			}
			a.write(event)
		case <-ticker.C:
			a.file.Sync()
		}
	}
}

func (a *Logger) write(event *Event) {
	line, err := json.Marshal(event)
	if err != nil {
		a.logger.WithError(err).Error("Failed to marshal audit event")
		return
	}
	line = append(line, '\n')
	if _, err := a.file.Write(line); err != nil {
		a.logger.WithError(err).Error("Failed to write audit event")
	}
}
