package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

type cliConfig struct {
	driver       string
	args         string
	mode         string
	format       string
	otw          string
	channels     []int
	blockSize    int
	numSamples   uint64
	timeout      time.Duration
	onePacket    bool
	warmupBlocks int
	maxEvents    int
	sampleRate   float64
	toneOffset   float64
	historyLimit int
	webAddr      string
	logLevel     string
	logFormat    string
}

type persistentConfig struct {
	Driver       string  `json:"driver"`
	Args         string  `json:"args"`
	Mode         string  `json:"mode"`
	Format       string  `json:"format"`
	OTWFormat    string  `json:"otw_format"`
	Channels     []int   `json:"channels"`
	BlockSize    int     `json:"block_size"`
	NumSamples   uint64  `json:"num_samples"`
	TimeoutMS    int     `json:"timeout_ms"`
	OnePacket    bool    `json:"one_packet"`
	WarmupBlocks int     `json:"warmup_blocks"`
	MaxEvents    int     `json:"max_events"`
	SampleRate   float64 `json:"sample_rate"`
	ToneOffset   float64 `json:"tone_offset"`
	HistoryLimit int     `json:"history_limit"`
	WebAddr      string  `json:"web_addr"`
	LogLevel     string  `json:"log_level"`
	LogFormat    string  `json:"log_format"`
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Driver:       "sim",
		Args:         "",
		Mode:         "rx",
		Format:       "fc32",
		OTWFormat:    "sc16",
		Channels:     []int{0},
		BlockSize:    4096,
		NumSamples:   0,
		TimeoutMS:    1000,
		WarmupBlocks: 3,
		MaxEvents:    100,
		SampleRate:   1e6,
		ToneOffset:   100e3,
		HistoryLimit: 500,
		WebAddr:      ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("uhdstream", flag.ContinueOnError)
	fs.StringVarP(&cfg.driver, "driver", "d", envString(lookup, "UHD_DRIVER", defaults.Driver), "Device driver (sim|iiod)")
	fs.StringVarP(&cfg.args, "args", "a", envString(lookup, "UHD_ARGS", defaults.Args), "Device arguments, e.g. addr=192.168.2.1")
	fs.StringVarP(&cfg.mode, "mode", "m", envString(lookup, "UHD_MODE", defaults.Mode), "Stream direction (rx|tx)")
	fs.StringVarP(&cfg.format, "format", "f", envString(lookup, "UHD_FORMAT", defaults.Format), "Host sample format (fc64|fc32|sc16|sc8)")
	fs.StringVar(&cfg.otw, "otw", envString(lookup, "UHD_OTW_FORMAT", defaults.OTWFormat), "Over-the-wire sample format")
	fs.IntSliceVarP(&cfg.channels, "channels", "c", envInts(lookup, "UHD_CHANNELS", defaults.Channels), "Channels to stream")
	fs.IntVarP(&cfg.blockSize, "block-size", "b", envInt(lookup, "UHD_BLOCK_SIZE", defaults.BlockSize), "Samples per channel per call")
	fs.Uint64VarP(&cfg.numSamples, "num-samples", "n", envUint(lookup, "UHD_NUM_SAMPLES", defaults.NumSamples), "Samples to capture or transmit (0 streams until interrupted)")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "UHD_TIMEOUT", time.Duration(defaults.TimeoutMS)*time.Millisecond), "Per-call timeout")
	fs.BoolVar(&cfg.onePacket, "one-packet", envBool(lookup, "UHD_ONE_PACKET", defaults.OnePacket), "Return after at most one packet per receive call")
	fs.IntVar(&cfg.warmupBlocks, "warmup-blocks", envInt(lookup, "UHD_WARMUP_BLOCKS", defaults.WarmupBlocks), "Blocks to discard before reporting")
	fs.IntVar(&cfg.maxEvents, "max-events", envInt(lookup, "UHD_MAX_EVENTS", defaults.MaxEvents), "Stream events tolerated before giving up (0 = unlimited)")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "UHD_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz, for telemetry and tone generation")
	fs.Float64Var(&cfg.toneOffset, "tone-offset", envFloat(lookup, "UHD_TONE_OFFSET", defaults.ToneOffset), "Transmitted tone offset in Hz")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "UHD_HISTORY_LIMIT", defaults.HistoryLimit), "Telemetry samples kept in history")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "UHD_WEB_ADDR", defaults.WebAddr), "Telemetry and metrics listen address (empty logs to stderr)")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "UHD_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "UHD_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func (c cliConfig) validate() error {
	switch c.mode {
	case "rx", "tx":
	default:
		return fmt.Errorf("mode must be rx or tx, not %q", c.mode)
	}
	switch c.format {
	case "fc64", "fc32", "sc16", "sc8":
	default:
		return fmt.Errorf("unsupported format %q", c.format)
	}
	if c.blockSize <= 0 {
		return fmt.Errorf("block size must be positive")
	}
	if len(c.channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	return nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Driver:       cfg.driver,
		Args:         cfg.args,
		Mode:         cfg.mode,
		Format:       cfg.format,
		OTWFormat:    cfg.otw,
		Channels:     append([]int(nil), cfg.channels...),
		BlockSize:    cfg.blockSize,
		NumSamples:   cfg.numSamples,
		TimeoutMS:    int(cfg.timeout / time.Millisecond),
		OnePacket:    cfg.onePacket,
		WarmupBlocks: cfg.warmupBlocks,
		MaxEvents:    cfg.maxEvents,
		SampleRate:   cfg.sampleRate,
		ToneOffset:   cfg.toneOffset,
		HistoryLimit: cfg.historyLimit,
		WebAddr:      cfg.webAddr,
		LogLevel:     cfg.logLevel,
		LogFormat:    cfg.logFormat,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

// envInts parses a comma separated list such as "0,1". Any malformed entry
// keeps the default.
func envInts(lookup func(string) (string, bool), key string, def []int) []int {
	val, ok := lookup(key)
	if !ok {
		return def
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	return out
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
