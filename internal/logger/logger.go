package logger

import (
	log "github.com/sirupsen/logrus"
	"os"
)

// Init configures the process-wide logrus logger. Unknown levels fall
// back to info.
func Init(level string) {
	log.SetFormatter(&log.JSONFormatter{
		PrettyPrint: true,
	})

	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	log.SetOutput(os.Stdout)
}
