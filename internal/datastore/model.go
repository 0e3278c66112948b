// model.go defines the scan history tables
package datastore

import (
	"strings"
	"time"

	"github.com/sentinel-av/sentinel/internal/detector"
)

// Severity levels stored with threat events.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ScanVerdict is one classification result that ended in a finding.
type ScanVerdict struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time     `gorm:"index:idx_verdicts_timestamp" json:"timestamp"`
	FilePath       string        `gorm:"index:idx_verdicts_path" json:"filePath"`
	PID            int32         `json:"pid"`
	TargetKind     string        `json:"targetKind"`
	ContentHash    string        `gorm:"index:idx_verdicts_hash" json:"contentHash"`
	Classification string        `gorm:"index:idx_verdicts_classification" json:"classification"`
	Method         string        `json:"method"`
	Score          float64       `json:"score"`
	SignatureID    string        `json:"signatureId,omitempty"`
	ThreatName     string        `json:"threatName"`
	Rules          string        `json:"rules,omitempty"`
	DBVersion      uint64        `json:"dbVersion"`
	TimedOut       bool          `json:"timedOut"`
	Warning        string        `json:"warning,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// ThreatEvent records what the agent did about a finding.
type ThreatEvent struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time    `gorm:"index:idx_events_timestamp" json:"timestamp"`
	FilePath     string       `gorm:"index:idx_events_path" json:"filePath"`
	PID          int32        `json:"pid"`
	ThreatName   string       `gorm:"index:idx_events_threat" json:"threatName"`
	Severity     string       `json:"severity"`
	Method       string       `json:"method"`
	Score        float64      `json:"score"`
	Action       string       `gorm:"index:idx_events_action" json:"action"`
	QuarantineID string       `json:"quarantineId,omitempty"`
	ScanType     string       `json:"scanType"`
	SessionID    string       `gorm:"index:idx_events_session" json:"sessionId"`
	DBVersion    uint64       `json:"dbVersion"`
	Error        string       `json:"error,omitempty"`
	VerdictID    uint         `gorm:"index" json:"verdictId"`
	Verdict      *ScanVerdict `gorm:"foreignKey:VerdictID;constraint:OnDelete:CASCADE" json:"verdict,omitempty"`
}

// Filter narrows ThreatEvents. Zero fields match everything.
type Filter struct {
	Since      time.Time
	Until      time.Time
	ThreatName string
	Action     string
	PathPrefix string
	SessionID  string
	Limit      int
}

// Statistics summarizes the threat history.
type Statistics struct {
	TotalEvents int64            `json:"totalEvents"`
	ByAction    map[string]int64 `json:"byAction"`
	BySeverity  map[string]int64 `json:"bySeverity"`
	TopThreats  []ThreatCount    `json:"topThreats"`
	FirstEvent  time.Time        `json:"firstEvent,omitzero"`
	LastEvent   time.Time        `json:"lastEvent,omitzero"`
}

// ThreatCount is one row of the most frequent threats.
type ThreatCount struct {
	ThreatName string `json:"threatName"`
	Count      int64  `json:"count"`
}

func newScanVerdict(v detector.Verdict, at time.Time) ScanVerdict {
	return ScanVerdict{
		Timestamp:      at,
		FilePath:       v.Target.Path,
		PID:            v.Target.PID,
		TargetKind:     v.Target.Kind.String(),
		ContentHash:    v.ContentHash,
		Classification: v.Classification.String(),
		Method:         v.Method.String(),
		Score:          v.Score,
		SignatureID:    v.MatchedSignatureID,
		ThreatName:     v.ThreatName,
		Rules:          strings.Join(v.Rules, ","),
		DBVersion:      v.DBVersion,
		TimedOut:       v.TimedOut,
		Warning:        v.Warning,
		Duration:       v.Duration,
	}
}

func severityOf(c detector.Classification) string {
	if c == detector.Malicious {
		return SeverityHigh
	}
	return SeverityMedium
}
