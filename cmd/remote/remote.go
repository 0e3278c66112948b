// Package remote holds what the client-side subcommands share: the control
// API client and table output.
package remote

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sentinel-av/sentinel/internal/api"
	"github.com/sentinel-av/sentinel/internal/conf"
)

// RequestTimeout bounds one CLI request to the agent.
const RequestTimeout = 30 * time.Second

// Client connects to the agent configured in settings.
func Client(settings *conf.Settings) (*api.Client, error) {
	return api.NewClient(settings.API.Listen, settings.API.Token, RequestTimeout)
}

// Table returns a writer that aligns tab separated columns. Call Flush when
// done.
func Table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// Timestamp formats t for tables, "-" when unset.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// Bytes formats a size for humans.
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
