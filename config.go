package goco

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the file/env/flag configuration surface of a Runtime
type Config struct {
	ThreadCount        int
	TaskSchedulerCount int
	AcceptBacklog      int
	ReadBufferSize     int
	IOWaitTimeout      time.Duration // negative: block
	TLSCertPath        string
	TLSKeyPath         string
	TLSMinVersion      string
	TLSMaxVersion      string
	LogDir             string
	LogLevel           string
	LockOSThread       bool
}

const (
	keyThreadCount        = "thread_count"
	keyTaskSchedulerCount = "task_scheduler_count"
	keyAcceptBacklog      = "accept_backlog"
	keyReadBufferSize     = "read_buffer_size"
	keyIOWaitTimeoutMs    = "io_wait_timeout_ms"
	keyTLSCertPath        = "tls_cert_path"
	keyTLSKeyPath         = "tls_key_path"
	keyTLSMinVersion      = "tls_min_version"
	keyTLSMaxVersion      = "tls_max_version"
	keyLogDir             = "log_dir"
	keyLogLevel           = "log_level"
	keyLockOSThread       = "lock_os_thread"
)

var configKeys = []string{
	keyThreadCount, keyTaskSchedulerCount, keyAcceptBacklog, keyReadBufferSize,
	keyIOWaitTimeoutMs, keyTLSCertPath, keyTLSKeyPath, keyTLSMinVersion,
	keyTLSMaxVersion, keyLogDir, keyLogLevel, keyLockOSThread,
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// ConfigFlags declares one flag per key, e.g. --thread-count for thread_count
func ConfigFlags(fs *pflag.FlagSet) {
	fs.Int(flagName(keyThreadCount), 0, "number of event scheduler shards (0: from CPU count)")
	fs.Int(flagName(keyTaskSchedulerCount), 0, "number of task schedulers (0: same as thread count)")
	fs.Int(flagName(keyAcceptBacklog), 1024, "listen backlog")
	fs.String(flagName(keyReadBufferSize), "4KiB", "bytes per read attempt (e.g. 64KiB)")
	fs.Int(flagName(keyIOWaitTimeoutMs), -1, "reactor wait timeout in ms (-1: block)")
	fs.String(flagName(keyTLSCertPath), "", "PEM certificate")
	fs.String(flagName(keyTLSKeyPath), "", "PEM private key")
	fs.String(flagName(keyTLSMinVersion), "tls1.2", "minimum TLS version")
	fs.String(flagName(keyTLSMaxVersion), "", "maximum TLS version (empty: library max)")
	fs.String(flagName(keyLogDir), "", "log directory (empty: stdout)")
	fs.String(flagName(keyLogLevel), "info", "debug, info, warn, error, fatal, off")
	fs.Bool(flagName(keyLockOSThread), false, "bind every event scheduler to an OS thread")
}

// NewConfigViper returns a viper instance with the defaults, GOCO_* env
// variables and, when fs is not nil, the flags from ConfigFlags bound.
func NewConfigViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(keyThreadCount, 0)
	v.SetDefault(keyTaskSchedulerCount, 0)
	v.SetDefault(keyAcceptBacklog, 1024)
	v.SetDefault(keyReadBufferSize, "4KiB")
	v.SetDefault(keyIOWaitTimeoutMs, -1)
	v.SetDefault(keyTLSMinVersion, "tls1.2")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLockOSThread, false)

	v.SetEnvPrefix("GOCO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, key := range configKeys {
			flag := fs.Lookup(flagName(key))
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, errors.New("bind flag " + flag.Name + ": " + err.Error())
			}
		}
	}
	return v, nil
}

// LoadConfig reads path (any format viper knows, by extension) when not
// empty, then resolves every key through v.
func LoadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.New("read config " + path + ": " + err.Error())
		}
	}
	cfg := Config{
		ThreadCount:        v.GetInt(keyThreadCount),
		TaskSchedulerCount: v.GetInt(keyTaskSchedulerCount),
		AcceptBacklog:      v.GetInt(keyAcceptBacklog),
		TLSCertPath:        strings.TrimSpace(v.GetString(keyTLSCertPath)),
		TLSKeyPath:         strings.TrimSpace(v.GetString(keyTLSKeyPath)),
		TLSMinVersion:      v.GetString(keyTLSMinVersion),
		TLSMaxVersion:      v.GetString(keyTLSMaxVersion),
		LogDir:             strings.TrimSpace(v.GetString(keyLogDir)),
		LogLevel:           v.GetString(keyLogLevel),
		LockOSThread:       v.GetBool(keyLockOSThread),
	}
	if ms := v.GetInt(keyIOWaitTimeoutMs); ms < 0 {
		cfg.IOWaitTimeout = -1
	} else {
		cfg.IOWaitTimeout = time.Duration(ms) * time.Millisecond
	}
	if s := strings.TrimSpace(v.GetString(keyReadBufferSize)); s != "" {
		size, err := humanize.ParseBytes(s)
		if err != nil {
			return Config{}, errors.New("parse " + keyReadBufferSize + ": " + err.Error())
		}
		cfg.ReadBufferSize = int(size)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (c Config) Validate() error {
	if c.ThreadCount < 0 || c.TaskSchedulerCount < 0 {
		return errors.New("thread_count and task_scheduler_count must be >= 0")
	}
	if c.AcceptBacklog < 0 {
		return errors.New("accept_backlog must be >= 0")
	}
	if c.ReadBufferSize < 0 || c.ReadBufferSize > 64<<20 {
		return errors.New("read_buffer_size out of range: " + humanize.IBytes(uint64(c.ReadBufferSize)))
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("tls_cert_path and tls_key_path go together")
	}
	if _, err := ParseTLSVersion(c.TLSMinVersion); err != nil {
		return err
	}
	if _, err := ParseTLSVersion(c.TLSMaxVersion); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// TLSEnabled reports whether a key pair is configured
func (c Config) TLSEnabled() bool { return c.TLSCertPath != "" }

// NewLog opens the configured Log
func (c Config) NewLog() (*Log, error) {
	lv, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	l, err := NewLog(c.LogDir)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lv)
	return l, nil
}

// Options converts the configuration, zero values keep the Option defaults
func (c Config) Options() []Option {
	opts := []Option{
		EvPollNum(c.ThreadCount),
		ListenBacklog(c.AcceptBacklog),
		ReadBufferSize(c.ReadBufferSize),
		IOWaitTimeout(c.IOWaitTimeout),
		EvPollLockOSThread(c.LockOSThread),
	}
	if c.TaskSchedulerCount > 0 {
		opts = append(opts, TaskSchedulerNum(c.TaskSchedulerCount))
	} else if c.ThreadCount > 0 {
		opts = append(opts, TaskSchedulerNum(c.ThreadCount))
	}
	return opts
}

// String is a one-line summary for startup logs
func (c Config) String() string {
	var b strings.Builder
	b.WriteString("threads=")
	b.WriteString(strconv.Itoa(c.ThreadCount))
	b.WriteString(" task_schedulers=")
	b.WriteString(strconv.Itoa(c.TaskSchedulerCount))
	b.WriteString(" backlog=")
	b.WriteString(strconv.Itoa(c.AcceptBacklog))
	b.WriteString(" read_buffer=")
	b.WriteString(humanize.IBytes(uint64(c.ReadBufferSize)))
	b.WriteString(" io_wait=")
	b.WriteString(c.IOWaitTimeout.String())
	if c.TLSEnabled() {
		b.WriteString(" tls=")
		b.WriteString(c.TLSCertPath)
	}
	return b.String()
}
