// Package config loads receiver settings through viper: built-in
// defaults, an optional config file, then BSINK_-prefixed environment
// variables (BSINK_SYNC_SCANTIMEOUT=10s overrides sync.scantimeout).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/broadcastsink/internal/base"
	"github.com/zsiec/broadcastsink/internal/media"
	"github.com/zsiec/broadcastsink/internal/session"
)

// Bridge transports.
const (
	TransportSRTListen = "srt-listen"
	TransportSRTCall   = "srt-call"
	TransportQUIC      = "quic"
)

// Output devices.
const (
	OutputDiscard = "discard"
	OutputWAV     = "wav"
)

// Config is the complete receiver configuration.
type Config struct {
	LogLevel string
	LogFile  string

	BridgeTransport string
	BridgeAddr      string
	BridgeStreamID  string
	CertHosts       []string

	HTTPAddr string

	OutputMode       string
	OutputPath       string
	OutputSampleRate int
	OutputPeriod     time.Duration

	PoolSize     int
	SlotSize     int
	RingBytes    int
	JitterMicros uint32
	EventQueue   int

	Session session.Config
}

func setDefaults(v *viper.Viper) {
	def := session.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("bridge.transport", TransportSRTListen)
	v.SetDefault("bridge.addr", ":6010")
	v.SetDefault("bridge.streamid", "")
	v.SetDefault("bridge.certhosts", []string{})

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("output.mode", OutputDiscard)
	v.SetDefault("output.path", "bsink.wav")
	v.SetDefault("output.samplerate", 48000)
	v.SetDefault("output.period", 10*time.Millisecond)

	v.SetDefault("pipeline.poolsize", media.DefaultPoolSize)
	v.SetDefault("pipeline.slotsize", media.DefaultSlotSize)
	v.SetDefault("pipeline.ringbytes", media.DefaultRingCapacity)
	v.SetDefault("pipeline.jitter", 100)
	v.SetDefault("pipeline.eventqueue", def.QueueSize)

	v.SetDefault("sync.scantimeout", def.ScanTimeout)
	v.SetDefault("sync.pasynctimeout", def.PASyncTimeout)
	v.SetDefault("sync.metadatatimeout", def.MetadataTimeout)
	v.SetDefault("sync.syncabletimeout", def.SyncableTimeout)
	v.SetDefault("sync.codetimeout", def.CodeTimeout)
	v.SetDefault("sync.requesttimeout", def.RequestTimeout)
	v.SetDefault("sync.streamingtimeout", def.StreamingTimeout)
	v.SetDefault("sync.stoptimeout", def.StopTimeout)
	v.SetDefault("sync.retrydelay", def.RetryDelay)
	v.SetDefault("sync.broadcastid", "")
	v.SetDefault("sync.requirerequest", false)
	v.SetDefault("sync.preference", "none")
	v.SetDefault("sync.maxstreams", def.MaxStreams)
}

// Load reads configuration from configFile (optional; empty or missing is
// not an error) and the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
			slog.Info("no config file found", "configFilePath", configFile)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	pref, err := base.ParsePreference(v.GetString("sync.preference"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: v.GetString("log.level"),
		LogFile:  v.GetString("log.file"),

		BridgeTransport: v.GetString("bridge.transport"),
		BridgeAddr:      v.GetString("bridge.addr"),
		BridgeStreamID:  v.GetString("bridge.streamid"),
		CertHosts:       v.GetStringSlice("bridge.certhosts"),

		HTTPAddr: v.GetString("http.addr"),

		OutputMode:       v.GetString("output.mode"),
		OutputPath:       v.GetString("output.path"),
		OutputSampleRate: v.GetInt("output.samplerate"),
		OutputPeriod:     v.GetDuration("output.period"),

		PoolSize:     v.GetInt("pipeline.poolsize"),
		SlotSize:     v.GetInt("pipeline.slotsize"),
		RingBytes:    v.GetInt("pipeline.ringbytes"),
		JitterMicros: v.GetUint32("pipeline.jitter"),
		EventQueue:   v.GetInt("pipeline.eventqueue"),

		Session: session.Config{
			ScanTimeout:        v.GetDuration("sync.scantimeout"),
			PASyncTimeout:      v.GetDuration("sync.pasynctimeout"),
			MetadataTimeout:    v.GetDuration("sync.metadatatimeout"),
			SyncableTimeout:    v.GetDuration("sync.syncabletimeout"),
			CodeTimeout:        v.GetDuration("sync.codetimeout"),
			RequestTimeout:     v.GetDuration("sync.requesttimeout"),
			StreamingTimeout:   v.GetDuration("sync.streamingtimeout"),
			StopTimeout:        v.GetDuration("sync.stoptimeout"),
			RetryDelay:         v.GetDuration("sync.retrydelay"),
			RequireSyncRequest: v.GetBool("sync.requirerequest"),
			Preference:         pref,
			MaxStreams:         v.GetInt("sync.maxstreams"),
			QueueSize:          v.GetInt("pipeline.eventqueue"),
		},
	}

	if id := v.GetString("sync.broadcastid"); id != "" {
		n, err := strconv.ParseUint(id, 0, 32)
		if err != nil || n > 0xFFFFFF {
			return nil, fmt.Errorf("sync.broadcastid %q: not a 24-bit broadcast ID", id)
		}
		cfg.Session.FilterBroadcastID = true
		cfg.Session.TargetBroadcastID = uint32(n)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.BridgeTransport {
	case TransportSRTListen, TransportSRTCall, TransportQUIC:
	default:
		return fmt.Errorf("bridge.transport %q: want %s, %s or %s",
			c.BridgeTransport, TransportSRTListen, TransportSRTCall, TransportQUIC)
	}
	switch c.OutputMode {
	case OutputDiscard, OutputWAV:
	default:
		return fmt.Errorf("output.mode %q: want %s or %s", c.OutputMode, OutputDiscard, OutputWAV)
	}
	if c.PoolSize <= 0 || c.SlotSize <= 0 || c.RingBytes <= 0 {
		return fmt.Errorf("pipeline sizes must be positive (pool %d, slot %d, ring %d)",
			c.PoolSize, c.SlotSize, c.RingBytes)
	}
	if c.Session.MaxStreams <= 0 || c.Session.MaxStreams > base.MaxBISIndex {
		return fmt.Errorf("sync.maxstreams %d out of range", c.Session.MaxStreams)
	}
	return nil
}
