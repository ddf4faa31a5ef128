package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDRecord is persisted for every launched service so that a later run can
// find children left behind by a supervisor that died without shutting down.
//
// File layout: the first line is the PID, the second line is this record as JSON.
type PIDRecord struct {
	PID       int    `json:"pid"`
	StartUnix int64  `json:"start_unix"`
	Name      string `json:"name"`
	Command   string `json:"command"`
}

func WritePIDFile(path string, rec PIDRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile parses a file written by WritePIDFile. Files holding only a PID
// are accepted; StartUnix is then zero.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDRecord{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	rec := PIDRecord{PID: pid}
	if rest = strings.TrimSpace(rest); rest != "" {
		var meta PIDRecord
		if json.Unmarshal([]byte(rest), &meta) == nil {
			rec.StartUnix = meta.StartUnix
			rec.Name = meta.Name
			rec.Command = meta.Command
		}
	}
	return rec, nil
}

// Alive reports whether the recorded process still runs. A recorded start time
// that differs from the live process means the pid was reused.
func (r PIDRecord) Alive() bool {
	if !pidAlive(r.PID) {
		return false
	}
	if r.StartUnix > 0 {
		if cur := getProcStartUnix(r.PID); cur > 0 && cur != r.StartUnix {
			return false
		}
	}
	return true
}

// ReapStale terminates the process recorded in path if it is still alive and
// removes the file. It reports whether a live process was found. A missing
// file is not an error. A live pid whose start time cannot be matched against
// the record is never signalled: the file is removed and ErrUnverifiedPID is
// returned with found false.
func ReapStale(path string, grace time.Duration) (bool, error) {
	rec, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		_ = os.Remove(path)
		return false, err
	}
	if rec.PID == os.Getpid() || !rec.Alive() {
		_ = os.Remove(path)
		return false, nil
	}
	// without both start times the pid may belong to an unrelated process
	if rec.StartUnix == 0 || getProcStartUnix(rec.PID) == 0 {
		_ = os.Remove(path)
		return false, fmt.Errorf("%w: pid %d in %s", ErrUnverifiedPID, rec.PID, path)
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	name := rec.Name
	if name == "" {
		name = filepath.Base(path)
	}
	if err := signalStale(rec.PID, false); err != nil {
		return true, &TerminateError{Name: name, PID: rec.PID, Err: err}
	}
	if waitGone(rec, grace) {
		_ = os.Remove(path)
		return true, nil
	}
	if err := signalStale(rec.PID, true); err != nil {
		return true, &TerminateError{Name: name, PID: rec.PID, Err: err}
	}
	if waitGone(rec, KillWait) {
		_ = os.Remove(path)
		return true, nil
	}
	return true, &TerminateError{Name: name, PID: rec.PID, Err: ErrStillRunning}
}

// waitGone polls until the foreign process disappears; it is not our child,
// so there is nothing to Wait on.
func waitGone(rec PIDRecord, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !rec.Alive() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !rec.Alive()
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
