package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	operationsLog  = "operations.log"
	performanceLog = "performance.log"
	errorsLog      = "errors.log"

	// Files larger than this are rotated to <name>.1 on the next write.
	maxLogFileSize = 10 << 20
)

var sensitiveFieldPattern = regexp.MustCompile(`(?i)password|token|key|secret|api`)

// OperationRecord is one structured per-call log entry.
type OperationRecord struct {
	RequestID string
	Client    string
	Function  string
	Duration  time.Duration
	Success   bool
	Fields    map[string]any
}

// OperationLog writes structured per-call records to rotating text
// files under <root>/baml/. Every operation lands in operations.log
// and performance.log; failures additionally land in errors.log.
// Privacy mode redacts field values whose names look sensitive.
type OperationLog struct {
	mu      sync.Mutex
	dir     string
	privacy bool
}

// NewOperationLog creates the log directory under root and returns the
// operation log. Privacy redaction is on by default.
func NewOperationLog(root string) (*OperationLog, error) {
	dir := filepath.Join(root, "baml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create operation log directory: %w", err)
	}
	return &OperationLog{dir: dir, privacy: true}, nil
}

// SetPrivacy toggles redaction of sensitive field values.
func (l *OperationLog) SetPrivacy(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.privacy = on
}

// Record appends the operation to the log files.
func (l *OperationLog) Record(rec OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.formatLine(rec)
	if err := l.append(operationsLog, line); err != nil {
		return err
	}
	perfLine := fmt.Sprintf("%s request_id=%s function=%s duration_ms=%d\n",
		time.Now().UTC().Format(time.RFC3339), rec.RequestID, rec.Function, rec.Duration.Milliseconds())
	if err := l.append(performanceLog, perfLine); err != nil {
		return err
	}
	if !rec.Success {
		if err := l.append(errorsLog, line); err != nil {
			return err
		}
	}
	return nil
}

func (l *OperationLog) formatLine(rec OperationRecord) string {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, " request_id=%s client=%s function=%s duration_ms=%d success=%t",
		rec.RequestID, rec.Client, rec.Function, rec.Duration.Milliseconds(), rec.Success)

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := rec.Fields[k]
		if l.privacy && sensitiveFieldPattern.MatchString(k) {
			v = "[REDACTED]"
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteString("\n")
	return b.String()
}

func (l *OperationLog) append(name, line string) error {
	path := filepath.Join(l.dir, name)
	if info, err := os.Stat(path); err == nil && info.Size() >= maxLogFileSize {
		if err := os.Rename(path, path+".1"); err != nil {
			return fmt.Errorf("failed to rotate %s: %w", name, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
