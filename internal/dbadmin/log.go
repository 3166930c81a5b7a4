package dbadmin

import (
	"io"
	"log/slog"
	"os"
)

// auditLogger records every mutating administrative statement. It is
// separate from the reconciler logs so the audit trail survives log level
// changes. Statements carrying passwords are logged by action, never as
// raw SQL.
var (
	auditLogger *slog.Logger
	auditWriter swappableWriter = swappableWriter{os.Stderr}
)

type swappableWriter struct {
	io.Writer
}

func init() {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	auditLogger = slog.New(slog.NewJSONHandler(&auditWriter, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "logged_at"
			case slog.LevelKey:
				a.Key = "severity"
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})).With(slog.String("utsname", hostname))
}

func setAuditWriter(w io.Writer) {
	auditWriter.Writer = w
}
