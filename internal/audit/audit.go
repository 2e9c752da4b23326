// Package audit keeps the per-lab record of what each user's session printed.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Writer appends session entries to <dir>/<lab>_logs_UTC.txt.
// Files are only ever appended to.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Path returns the audit file of a lab.
func (w *Writer) Path(resourceKey string) string {
	return filepath.Join(w.dir, resourceKey+"_logs_UTC.txt")
}

// Append writes one entry for a finished session. complete is false when
// the output could not be trimmed to the session part and is logged whole.
func (w *Writer) Append(resourceKey, user, output string, complete bool) error {
	entry := FormatEntry(user, output, complete)

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.Path(resourceKey), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.WriteString(entry); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	return f.Close()
}

// FormatEntry renders an entry: "USER: <user>" followed by the output.
func FormatEntry(user, output string, complete bool) string {
	var b strings.Builder
	b.WriteString("USER: ")
	b.WriteString(user)
	if !complete {
		b.WriteString(" [ready banner not found, full output follows]\n")
	}
	b.WriteString(output)
	if !strings.HasSuffix(output, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// ExtractSessionOutput returns the part of output printed after the lab's
// ready banner, i.e. what the user's session produced. When the banner
// never appeared it returns the whole output and false.
func ExtractSessionOutput(output, banner string) (string, bool) {
	if banner == "" {
		return output, false
	}
	_, after, found := strings.Cut(output, banner)
	if !found {
		return output, false
	}
	return after, true
}
