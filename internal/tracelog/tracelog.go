// Package tracelog implements the daily-rotated CSV packet trace: a
// directory is configured once, the current day's file name is derived
// from the date via github.com/lestrrat-go/strftime, the file is opened
// for append and kept open across writes, and is closed and reopened
// only when the date rolls over.
package tracelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/fwaudio/amdtp-xmit/amdtp"
)

// FilenamePattern is the strftime pattern daily trace files are named
// with, rooted at the configured directory.
const FilenamePattern = "%Y-%m-%d.amdtp.csv"

var header = []string{"utime", "isotime", "descriptor", "is_no_data", "dbc", "syt", "fdf"}

// Tracer writes one CSV row per transmitted packet to a daily-rotated
// file under dir. A zero-value Tracer (or one built with an empty dir)
// is a no-op.
type Tracer struct {
	mu       sync.Mutex
	dir      string
	openName string
	f        *os.File
	w        *csv.Writer
}

// New builds a Tracer rooted at dir. If dir is empty, the returned Tracer
// is inert and Write is a no-op.
func New(dir string) (*Tracer, error) {
	if dir == "" {
		return &Tracer{}, nil
	}
	if stat, err := os.Stat(dir); err != nil {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("tracelog: create %s: %w", dir, mkErr)
		}
	} else if !stat.IsDir() {
		return nil, fmt.Errorf("tracelog: %s is not a directory", dir)
	}

	return &Tracer{dir: dir}, nil
}

func (t *Tracer) rollIfNeeded(now time.Time) error {
	name, err := strftime.Format(FilenamePattern, now)
	if err != nil {
		return fmt.Errorf("tracelog: format filename: %w", err)
	}
	if t.f != nil && name == t.openName {
		return nil
	}
	if t.f != nil {
		t.w.Flush()
		t.f.Close()
		t.f = nil
	}

	full := filepath.Join(t.dir, name)
	_, statErr := os.Stat(full)
	alreadyThere := statErr == nil

	f, err := os.OpenFile(full, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("tracelog: open %s: %w", full, err)
	}
	t.f = f
	t.openName = name
	t.w = csv.NewWriter(f)

	if !alreadyThere {
		if err := t.w.Write(header); err != nil {
			return err
		}
	}
	return nil
}

// Write appends one row describing a transmitted packet. A no-op Tracer
// (empty dir) silently discards the call.
func (t *Tracer) Write(now time.Time, descriptorIndex int, pkt amdtp.PrecalculatedPacket) error {
	if t.dir == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rollIfNeeded(now); err != nil {
		return err
	}

	row := []string{
		strconv.FormatInt(now.Unix(), 10),
		now.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(descriptorIndex),
		strconv.FormatBool(pkt.IsNoData),
		strconv.Itoa(int(pkt.Header.DBC)),
		strconv.Itoa(int(pkt.Header.SYT)),
		strconv.Itoa(int(pkt.Header.FDF)),
	}
	if err := t.w.Write(row); err != nil {
		return err
	}
	t.w.Flush()
	return t.w.Error()
}

// Close flushes and closes the currently open file, if any.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	t.w.Flush()
	err := t.f.Close()
	t.f = nil
	return err
}
