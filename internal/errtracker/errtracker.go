// Package errtracker reports failures that need attention to Sentry.
package errtracker

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("errtracker")

// Init configures the Sentry client. Without a DSN, captured errors are only
// logged.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		log.Info("No Sentry DSN configured, error reporting disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return fmt.Errorf("initializing sentry: %w", err)
	}
	return nil
}

// Capture reports err with the given tags.
func Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	log.Debugf("Reporting error: %v", err)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func Flush(timeout time.Duration) {
	if !sentry.Flush(timeout) {
		log.Warn("Timed out flushing error reports")
	}
}
