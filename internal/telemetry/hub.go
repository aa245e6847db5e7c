package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/gouhd/internal/logging"
)

// Config is the runtime configuration exposed by the hub. Capture loops
// read it between blocks, so updates apply from the next block on.
type Config struct {
	SampleRateHz int `json:"sampleRateHz"`
	BlockSize    int `json:"blockSize"`
	HistoryLimit int `json:"historyLimit"`
}

const (
	minSampleRateHz = 1_000
	maxSampleRateHz = 61_440_000
	minBlockSize    = 16
	maxBlockSize    = 1 << 20
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{
		SampleRateHz: 2_000_000,
		BlockSize:    4096,
		HistoryLimit: 500,
	}
}

// validateConfig fills zero fields of cfg from base and checks ranges.
func validateConfig(cfg Config, base Config) (Config, error) {
	if base.SampleRateHz == 0 || base.BlockSize == 0 || base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = base.SampleRateHz
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = base.BlockSize
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}

	if cfg.SampleRateHz < minSampleRateHz || cfg.SampleRateHz > maxSampleRateHz {
		return Config{}, fmt.Errorf("sample rate must be between %d and %d Hz", minSampleRateHz, maxSampleRateHz)
	}
	if cfg.BlockSize < minBlockSize || cfg.BlockSize > maxBlockSize {
		return Config{}, fmt.Errorf("block size must be between %d and %d", minBlockSize, maxBlockSize)
	}
	if cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return Config{}, errors.New("block size must be a power of two")
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Sample is one telemetry point: a block moved on one channel, or a stream
// event when Event is set.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	Dir          string    `json:"dir"`
	Channel      int       `json:"channel"`
	Samples      int       `json:"samples"`
	PowerDBFS    float64   `json:"powerDbfs"`
	PeakDBFS     float64   `json:"peakDbfs"`
	PeakOffsetHz float64   `json:"peakOffsetHz"`
	Event        string    `json:"event,omitempty"`
}

// Reporter receives telemetry samples.
type Reporter interface {
	Report(Sample)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards s to each configured reporter.
func (m MultiReporter) Report(s Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}

// Hub keeps a bounded history and fans out live samples to subscribers.
// Slow subscribers miss samples rather than block the capture loop.
type Hub struct {
	log logging.Logger

	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
}

// NewHub builds a hub. A non-positive historyLimit keeps the default.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = min(historyLimit, maxHistoryLimit)
	}
	return &Hub{
		log:          logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
	}
}

// FloorDBFS replaces levels that JSON cannot carry, such as the -Inf of a
// silent block.
const FloorDBFS = -200.0

func floor(v float64) float64 {
	if math.IsNaN(v) || v < FloorDBFS {
		return FloorDBFS
	}
	return v
}

// Report records s and forwards it to live subscribers.
func (h *Hub) Report(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	s.PowerDBFS = floor(s.PowerDBFS)
	s.PeakDBFS = floor(s.PeakDBFS)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, s)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

// History returns a copy of the stored samples, oldest first.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the current configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates cfg against the current configuration and applies
// it.
func (h *Hub) UpdateConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, err := validateConfig(cfg, h.config)
	if err != nil {
		return Config{}, err
	}
	h.config = next
	h.historyLimit = next.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	return next, nil
}

// Subscribe registers a listener for live samples. The returned function
// unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Handler serves the hub API:
//
//	GET  /api/history  stored samples as JSON
//	GET  /api/live     server-sent events, history first
//	GET  /api/config   current configuration
//	POST /api/config   partial configuration update
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleConfig)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.ConfigSnapshot())
	case http.MethodPost:
		var incoming Config
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
			return
		}
		cfg, err := h.UpdateConfig(incoming)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Info("telemetry config updated",
			logging.Field{Key: "sample_rate_hz", Value: cfg.SampleRateHz},
			logging.Field{Key: "block_size", Value: cfg.BlockSize},
			logging.Field{Key: "history_limit", Value: cfg.HistoryLimit},
		)
		writeJSON(w, cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeEvent(w http.ResponseWriter, s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, s := range h.History() {
		if err := writeEvent(w, s); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, s); err != nil {
				h.log.Debug("live subscriber gone", logging.Field{Key: "error", Value: err})
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
