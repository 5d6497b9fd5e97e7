package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quellaria/voxline/pkg/metrics"
	"github.com/quellaria/voxline/pkg/redact"
)

// TimelineObserver writes a per-session timeline JSONL trace into a
// directory, one file per session.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		SessionID: sessionID,
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := o.fileLocked(sessionID)
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == "session_stop" {
		_ = f.Close()
		delete(o.files, sessionID)
	}
}

// Close flushes and closes every open timeline file.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, f := range o.files {
		_ = f.Close()
		delete(o.files, id)
	}
	return nil
}

func (o *TimelineObserver) fileLocked(sessionID string) (*os.File, error) {
	if f, ok := o.files[sessionID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(o.dir, "session_"+sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	o.files[sessionID] = f
	return f, nil
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// sanitizeFields redacts transcript text so artifact files follow the same
// privacy setting as logs.
func sanitizeFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && k == "text" {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}
