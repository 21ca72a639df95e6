package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FixtureSource serves events from memory. It backs tests and hosts where
// reading the real logs is not wanted.
type FixtureSource struct {
	mu     sync.RWMutex
	events []Event
}

// NewFixtureSource returns a source holding events.
func NewFixtureSource(events ...Event) *FixtureSource {
	return &FixtureSource{events: slices.Clone(events)}
}

// LoadFixture reads a JSON array of events from path.
func LoadFixture(path string) (*FixtureSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("eventlog: fixture %s: %w", path, err)
	}
	return NewFixtureSource(events...), nil
}

// Add appends events.
func (s *FixtureSource) Add(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *FixtureSource) Logs(context.Context) ([]string, error) { return slices.Clone(Logs), nil }

func (s *FixtureSource) Events(_ context.Context, q Query) ([]Event, error) {
	if !slices.Contains(Logs, q.LogName) {
		return nil, ErrUnknownLog
	}
	s.mu.RLock()
	var out []Event
	for _, e := range s.events {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b Event) int { return b.TimeCreated.Compare(a.TimeCreated) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (q Query) matches(e Event) bool {
	if !strings.EqualFold(e.LogName, q.LogName) {
		return false
	}
	if q.Level != "" && !strings.EqualFold(e.Level, q.Level) {
		return false
	}
	if q.Source != "" && !strings.EqualFold(e.Source, q.Source) {
		return false
	}
	if !q.Since.IsZero() && e.TimeCreated.Before(q.Since) {
		return false
	}
	return true
}

// RunFunc runs a command and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// CommandSource reads the host logs through wevtutil on Windows and
// journalctl elsewhere. Output parsing is best-effort.
type CommandSource struct {
	GOOS string
	Run  RunFunc
}

// NewCommandSource returns a source for the running OS.
func NewCommandSource() *CommandSource {
	return &CommandSource{GOOS: runtime.GOOS, Run: execRun}
}

func (s *CommandSource) Logs(context.Context) ([]string, error) {
	if s.GOOS == "windows" {
		return slices.Clone(Logs), nil
	}
	// journald has no Setup log
	return []string{"Application", "System", "Security"}, nil
}

func (s *CommandSource) Events(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	// filters are applied after reading, so read more than asked
	fetch := min(limit*4, MaxLimit*4)
	var (
		events []Event
		err    error
	)
	if s.GOOS == "windows" {
		events, err = s.wevtutil(ctx, q.LogName, fetch)
	} else {
		events, err = s.journal(ctx, q, fetch)
	}
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, e := range events {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CommandSource) wevtutil(ctx context.Context, logName string, n int) ([]Event, error) {
	if !slices.Contains(Logs, logName) {
		return nil, ErrUnknownLog
	}
	out, err := s.Run(ctx, "wevtutil", "qe", logName, "/c:"+strconv.Itoa(n), "/rd:true", "/f:xml")
	if err != nil {
		return nil, err
	}
	return parseWevtutil(logName, out), nil
}

var journalArgs = map[string][]string{
	"System":      {"--system"},
	"Application": {"--user"},
	"Security":    {"SYSLOG_FACILITY=4", "SYSLOG_FACILITY=10"},
}

func (s *CommandSource) journal(ctx context.Context, q Query, n int) ([]Event, error) {
	sel, ok := journalArgs[q.LogName]
	if !ok {
		return nil, ErrUnknownLog
	}
	args := []string{"--no-pager", "--reverse", "-o", "json", "-n", strconv.Itoa(n)}
	if !q.Since.IsZero() {
		args = append(args, "--since", q.Since.Local().Format("2006-01-02 15:04:05"))
	}
	args = append(args, sel...)
	out, err := s.Run(ctx, "journalctl", args...)
	if err != nil {
		return nil, err
	}
	return parseJournal(q.LogName, out), nil
}

type journalEntry struct {
	Message    any    `json:"MESSAGE"`
	Priority   string `json:"PRIORITY"`
	Identifier string `json:"SYSLOG_IDENTIFIER"`
	Comm       string `json:"_COMM"`
	Hostname   string `json:"_HOSTNAME"`
	UID        string `json:"_UID"`
	Realtime   string `json:"__REALTIME_TIMESTAMP"`
}

// parseJournal decodes journalctl -o json output. Lines that do not
// decode are skipped.
func parseJournal(logName string, out []byte) []Event {
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var je journalEntry
		if err := json.Unmarshal(sc.Bytes(), &je); err != nil {
			continue
		}
		e := Event{
			LogName:  logName,
			RecordID: int64(len(events) + 1),
			Level:    journalLevel(je.Priority),
			Source:   firstNonEmpty(je.Identifier, je.Comm),
			Computer: je.Hostname,
			Message:  journalMessage(je.Message),
		}
		if je.UID != "" {
			e.User = "uid:" + je.UID
		}
		if us, err := strconv.ParseInt(je.Realtime, 10, 64); err == nil {
			e.TimeCreated = time.UnixMicro(us).UTC()
		}
		events = append(events, e)
	}
	return events
}

// journalMessage handles MESSAGE given as a string or as a byte array.
func journalMessage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		b := make([]byte, 0, len(t))
		for _, x := range t {
			if f, ok := x.(float64); ok {
				b = append(b, byte(f))
			}
		}
		return string(b)
	default:
		return ""
	}
}

func journalLevel(priority string) string {
	switch priority {
	case "0", "1", "2":
		return "critical"
	case "3":
		return "error"
	case "4":
		return "warning"
	case "7":
		return "verbose"
	default:
		return "information"
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type wevtEvent struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID       int   `xml:"EventID"`
		Level         int   `xml:"Level"`
		EventRecordID int64 `xml:"EventRecordID"`
		TimeCreated   struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
		Computer string `xml:"Computer"`
		Security struct {
			UserID string `xml:"UserID,attr"`
		} `xml:"Security"`
	} `xml:"System"`
	Data []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:",chardata"`
	} `xml:"EventData>Data"`
}

// parseWevtutil decodes the concatenated <Event> elements wevtutil prints.
// Decoding stops at the first malformed element.
func parseWevtutil(logName string, out []byte) []Event {
	var events []Event
	dec := xml.NewDecoder(bytes.NewReader(out))
	for {
		tok, err := dec.Token()
		if err != nil {
			return events
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Event" {
			continue
		}
		var we wevtEvent
		if err := dec.DecodeElement(&we, &start); err != nil {
			return events
		}
		e := Event{
			LogName:  logName,
			RecordID: we.System.EventRecordID,
			EventID:  we.System.EventID,
			Level:    wevtLevel(we.System.Level),
			Source:   we.System.Provider.Name,
			Computer: we.System.Computer,
			User:     we.System.Security.UserID,
		}
		if t, err := time.Parse(time.RFC3339Nano, we.System.TimeCreated.SystemTime); err == nil {
			e.TimeCreated = t
		}
		var msg []string
		for _, d := range we.Data {
			switch {
			case strings.EqualFold(d.Name, "TargetUserName") || strings.EqualFold(d.Name, "SubjectUserName"):
				if e.User == "" {
					e.User = d.Value
				}
			case d.Value != "":
				if d.Name != "" {
					msg = append(msg, d.Name+"="+d.Value)
				} else {
					msg = append(msg, d.Value)
				}
			}
		}
		e.Message = strings.Join(msg, "; ")
		events = append(events, e)
	}
}

func wevtLevel(level int) string {
	switch level {
	case 1:
		return "critical"
	case 2:
		return "error"
	case 3:
		return "warning"
	case 5:
		return "verbose"
	default:
		return "information"
	}
}
