package instance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	// MarkerFile proves a directory holds an instance.
	MarkerFile = "report.nexdb"
	// StatusFile is written by a running server and removed as its last
	// shutdown action.
	StatusFile = "report.status"
	// ShutdownFile asks the server to stop; its body is the reason.
	ShutdownFile = "report.shutdown"

	// SchemaVersion is written by create.
	SchemaVersion = 3
	// MinSchemaVersion is the oldest schema a launch accepts.
	MinSchemaVersion = 2

	statusSection = "system"
)

// Status is the [system] section of a status file.
type Status struct {
	Hostname string
	PID      int
	Port     int
	Version  string
	Started  time.Time
}

// ReadStatus parses the status file in dir.
func ReadStatus(dir string) (*Status, error) {
	cfg, err := ini.Load(filepath.Join(dir, StatusFile))
	if err != nil {
		return nil, err
	}
	sec := cfg.Section(statusSection)
	st := &Status{
		Hostname: strings.TrimSpace(sec.Key("hostname").String()),
		PID:      sec.Key("pid").MustInt(0),
		Port:     sec.Key("port").MustInt(0),
		Version:  sec.Key("version").String(),
	}
	if raw := sec.Key("started").String(); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			st.Started = ts
		}
	}
	if st.Hostname == "" {
		return nil, fmt.Errorf("instance: status file in %s has no hostname", dir)
	}
	return st, nil
}

// WriteStatus atomically replaces the status file in dir.
func WriteStatus(dir string, st Status) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection(statusSection)
	if err != nil {
		return err
	}
	values := [][2]string{
		{"hostname", st.Hostname},
		{"pid", strconv.Itoa(st.PID)},
		{"port", strconv.Itoa(st.Port)},
		{"version", st.Version},
	}
	if !st.Started.IsZero() {
		values = append(values, [2]string{"started", st.Started.UTC().Format(time.RFC3339)})
	}
	for _, kv := range values {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}
	tmp := filepath.Join(dir, StatusFile+".tmp")
	if err := cfg.SaveTo(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, StatusFile))
}

// Alive reports whether the status names a live process on this host.
func (s *Status) Alive(ctx context.Context) bool {
	if s == nil || s.PID <= 0 {
		return false
	}
	local, err := LocalHostname(ctx)
	if err != nil || !strings.EqualFold(local, s.Hostname) {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(s.PID))
	return err == nil && ok
}

// LocalHostname returns the name recorded in status files written on this host.
func LocalHostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Hostname != "" {
		return info.Hostname, nil
	}
	return os.Hostname()
}

// WriteMarker records schema as the instance marker in dir.
func WriteMarker(dir string, schema int) error {
	return os.WriteFile(filepath.Join(dir, MarkerFile), []byte(fmt.Sprintf("schema=%d\n", schema)), 0o644)
}

// readMarker returns the schema recorded in dir's marker.
func readMarker(dir string) (int, error) {
	f, err := os.Open(filepath.Join(dir, MarkerFile))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || strings.TrimSpace(key) != "schema" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("schema %q: %w", value, err)
		}
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("no schema entry")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
