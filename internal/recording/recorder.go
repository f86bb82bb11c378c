// Package recording writes instrumented sessions as asciicast v2
// transcripts. See: https://docs.asciinema.org/manual/asciicast/v2/
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acolita/shell-instrumentation/internal/ports"
)

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Options describes a new transcript.
type Options struct {
	Dir       string
	SessionID string
	Width     int
	Height    int
	Shell     string
	Term      string
	Title     string

	// LineTerminator is appended to recorded input lines (default "\n").
	LineTerminator string
}

// Recorder appends terminal output ("o") and submitted lines ("i") to one
// transcript file. Its Output and Input methods match the instrumentation
// observer signatures.
type Recorder struct {
	mu       sync.Mutex
	file     ports.FileHandle
	clock    ports.Clock
	start    time.Time
	term     string
	closed   bool
	maskNext bool
	err      error
}

// NewRecorder creates <dir>/<session>_<timestamp>.cast and writes the
// header. Existing transcripts are never overwritten: a session reopened
// within the same second gets a numbered name.
func NewRecorder(opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	start := clock.Now()
	file, err := createCast(fs, opts.Dir, opts.SessionID+"_"+start.UTC().Format("20060102_150405"))
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	env := map[string]string{}
	if opts.Shell != "" {
		env["SHELL"] = opts.Shell
	}
	if opts.Term != "" {
		env["TERM"] = opts.Term
	}
	header := Header{
		Version:   2,
		Width:     opts.Width,
		Height:    opts.Height,
		Timestamp: start.Unix(),
		Title:     opts.Title,
		Env:       env,
	}
	data, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	term := opts.LineTerminator
	if term == "" {
		term = "\n"
	}
	return &Recorder{file: file, clock: clock, start: start, term: term}, nil
}

const maxCastSuffix = 100

func createCast(fsys ports.FileSystem, dir, base string) (ports.FileHandle, error) {
	name := base + ".cast"
	for n := 2; ; n++ {
		file, err := fsys.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
		if !errors.Is(err, os.ErrExist) || n > maxCastSuffix {
			return file, err
		}
		name = fmt.Sprintf("%s-%d.cast", base, n)
	}
}

// Output records text received from the shell.
func (r *Recorder) Output(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked("o", text)
}

// Input records a line submitted to the shell. After MaskNext the line is
// replaced by asterisks of the same length.
func (r *Recorder) Input(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maskNext {
		line = strings.Repeat("*", len(line))
		r.maskNext = false
	}
	r.writeLocked("i", line+r.term)
}

// MaskNext masks the next recorded input, for answers to password prompts.
func (r *Recorder) MaskNext() {
	r.mu.Lock()
	r.maskNext = true
	r.mu.Unlock()
}

func (r *Recorder) writeLocked(kind, data string) {
	if r.closed || r.err != nil {
		return
	}
	event := Event{
		Time: r.clock.Now().Sub(r.start).Seconds(),
		Type: kind,
		Data: data,
	}
	line, err := json.Marshal(event)
	if err == nil {
		_, err = r.file.Write(append(line, '\n'))
	}
	if err != nil {
		r.err = fmt.Errorf("write event: %w", err)
	}
}

// Err returns the first write error. Recording stops after it.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the transcript and reports any earlier write error.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.err, r.file.Close())
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	return r.file.Name()
}
