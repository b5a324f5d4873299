package logx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

// journalWriter is a zerolog LevelWriter that forwards JSON records to journald.
//
// The message becomes MESSAGE, the level maps to PRIORITY, and the remaining
// fields are sent as upper-cased journal fields (FLEETRUN_<KEY>).
type journalWriter struct{}

func newJournalWriter() (*journalWriter, bool) {
	if !journal.Enabled() {
		return nil, false
	}
	return &journalWriter{}, true
}

func (w *journalWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	msg, vars := journalFields(p)
	if msg == "" {
		return len(p), nil
	}
	// Never fail the log call because journald went away.
	_ = journal.Send(msg, journalPriority(level), vars)
	return len(p), nil
}

func journalFields(p []byte) (string, map[string]string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return strings.TrimSpace(string(p)), nil
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	vars := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		vars["FLEETRUN_"+journalKey(k)] = fmt.Sprint(v)
	}
	return msg, vars
}

// journalKey upper-cases k and replaces characters journald rejects.
func journalKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.InfoLevel:
		return journal.PriInfo
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel:
		return journal.PriCrit
	case zerolog.PanicLevel:
		return journal.PriEmerg
	default:
		return journal.PriNotice
	}
}
