package logger

import (
	"os"

	"github.com/meepleai/meeple-backend/internal/models"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus to provide structured logging with the fields the
// rest of the service expects (service name, trace id, user, document).
type Logger struct {
	entry *logrus.Entry
}

// Init configures the global logrus instance. Output is JSON on stdout so
// the log shipper can index entries without extra parsing.
func Init(level logrus.Level) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(level)
}

// New creates a Logger pre-populated with the identifying fields.
func New(serviceName, traceID, userID string) *Logger {
	return &Logger{
		entry: logrus.WithFields(logrus.Fields{
			"service_name": serviceName,
			"trace_id":     traceID,
			"user_id":      userID,
		}),
	}
}

// WithDocument returns a logger carrying the document id, used by the
// ingestion pipeline so every stage log line is attributable to one upload.
func (l *Logger) WithDocument(documentID string) *Logger {
	return &Logger{entry: l.entry.WithField("document_id", documentID)}
}

// WithGame returns a logger carrying the game id.
func (l *Logger) WithGame(gameID string) *Logger {
	return &Logger{entry: l.entry.WithField("game_id", gameID)}
}

// WithRequest attaches HTTP request information to the entry.
func (l *Logger) WithRequest(req models.RequestInfo) *Logger {
	return &Logger{entry: l.entry.WithField("request_info", req)}
}

// WithError attaches structured error information to the entry.
func (l *Logger) WithError(err models.ErrorInfo) *Logger {
	return &Logger{entry: l.entry.WithField("error", err)}
}

// WithPayload attaches arbitrary business data to the entry.
func (l *Logger) WithPayload(payload map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithField("payload", payload)}
}

func (l *Logger) Info(message string)  { l.entry.Info(message) }
func (l *Logger) Warn(message string)  { l.entry.Warn(message) }
func (l *Logger) Error(message string) { l.entry.Error(message) }
func (l *Logger) Debug(message string) { l.entry.Debug(message) }

// Fatal logs the message and terminates the process.
func (l *Logger) Fatal(message string) { l.entry.Fatal(message) }
