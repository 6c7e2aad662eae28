package logging

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/charmbracelet/log"
)

// consoleTee receives JSON records, appends those at or above fileLevel to the
// log file and replays every record through the console logger, which applies
// its own level and text formatting.
type consoleTee struct {
	file      io.Writer
	fileLevel log.Level
	console   *log.Logger
}

var consoleSkipKeys = map[string]struct{}{
	"time":     {},
	"level":    {},
	"msg":      {},
	"run_id":   {},
	"trace_id": {},
	"span_id":  {},
}

func (t *consoleTee) Write(p []byte) (int, error) {
	var record map[string]any
	if err := json.Unmarshal(p, &record); err != nil {
		return t.file.Write(p)
	}

	level, err := log.ParseLevel(stringField(record, "level"))
	if err != nil {
		level = log.InfoLevel
	}
	if level >= t.fileLevel {
		if _, err := t.file.Write(p); err != nil {
			return 0, err
		}
	}

	keys := make([]string, 0, len(record))
	for key := range record {
		if _, skip := consoleSkipKeys[key]; !skip {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	keyvals := make([]any, 0, 2*len(keys))
	for _, key := range keys {
		keyvals = append(keyvals, key, record[key])
	}
	t.console.Log(level, stringField(record, "msg"), keyvals...)
	return len(p), nil
}

func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return value
}
