package goco

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v, err := NewConfigViper(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(v, "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ReadBufferSize != 4096 || cfg.AcceptBacklog != 1024 || cfg.IOWaitTimeout != -1 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.TLSEnabled() {
		t.Fatalf("tls enabled without a key pair")
	}
	o := setOptions(cfg.Options()...)
	if o.readBufferSize != 4096 || o.listenBacklog != 1024 || o.evPollNum < 1 || o.taskSchedNum < 1 {
		t.Fatalf("options from defaults: %+v", o)
	}
}

func TestLoadConfig_FileEnvFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goco.yaml")
	yaml := strings.Join([]string{
		"thread_count: 3",
		"accept_backlog: 64",
		"read_buffer_size: 64KiB",
		"io_wait_timeout_ms: 250",
		"log_level: warn",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOCO_ACCEPT_BACKLOG", "512")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ConfigFlags(fs)
	if err := fs.Parse([]string{"--task-scheduler-count", "2"}); err != nil {
		t.Fatal(err)
	}
	v, err := NewConfigViper(fs)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(v, path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ThreadCount != 3 {
		t.Errorf("thread_count = %d", cfg.ThreadCount)
	}
	if cfg.AcceptBacklog != 512 {
		t.Errorf("env did not override the file: accept_backlog = %d", cfg.AcceptBacklog)
	}
	if cfg.TaskSchedulerCount != 2 {
		t.Errorf("flag: task_scheduler_count = %d", cfg.TaskSchedulerCount)
	}
	if cfg.ReadBufferSize != 64<<10 {
		t.Errorf("read_buffer_size = %d", cfg.ReadBufferSize)
	}
	if cfg.IOWaitTimeout != 250*time.Millisecond {
		t.Errorf("io_wait_timeout = %s", cfg.IOWaitTimeout)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}

	o := setOptions(cfg.Options()...)
	if o.evPollNum != 3 || o.taskSchedNum != 2 || o.readBufferSize != 64<<10 || o.ioWaitTimeout != 250*time.Millisecond {
		t.Fatalf("options: %+v", o)
	}
	if s := cfg.String(); !strings.Contains(s, "threads=3") || !strings.Contains(s, "read_buffer=64 KiB") {
		t.Fatalf("String = %q", s)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cases := map[string]string{
		"bad size":      write("size.yaml", "read_buffer_size: lots\n"),
		"huge size":     write("huge.yaml", "read_buffer_size: 1GiB\n"),
		"half tls pair": write("tls.yaml", "tls_cert_path: /tmp/cert.pem\n"),
		"tls version":   write("ver.yaml", "tls_min_version: ssl3\n"),
		"log level":     write("lv.yaml", "log_level: chatty\n"),
		"negative":      write("neg.yaml", "thread_count: -1\n"),
		"missing file":  filepath.Join(dir, "absent.yaml"),
	}
	for name, path := range cases {
		v, err := NewConfigViper(nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(v, path); err == nil {
			t.Errorf("%s: LoadConfig accepted %s", name, path)
		}
	}
}

func TestConfig_NewLog(t *testing.T) {
	cfg := Config{LogDir: filepath.Join(t.TempDir(), "log"), LogLevel: "error"}
	l, err := cfg.NewLog()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if l.Level() != LevelError {
		t.Fatalf("level = %d", l.Level())
	}
	cfg.LogLevel = "loud"
	if _, err = cfg.NewLog(); err == nil {
		t.Fatalf("unknown level accepted")
	}
}
