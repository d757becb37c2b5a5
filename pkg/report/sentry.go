package report

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Setup initializes Sentry. Without a DSN, reporting stays disabled and Setup returns false.
func Setup(dsn, release string) (bool, error) {
	if dsn == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush waits for queued events to be sent.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err with the given tags.
func CaptureError(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}
