package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// LogInfra emits an infrastructure event (registry outage, DB errors) so
// operators can tell an outage apart from an authentication attack.
func LogInfra(component, msg string, fields map[string]any) {
	entry := map[string]any{
		"type":      "infra",
		"component": component,
		"msg":       msg,
	}
	for k, v := range fields {
		entry[k] = v
	}
	LogRequest(entry)
}
