package detector

import (
	"fmt"
	"time"
)

// Classification is the outcome of classifying one target.
type Classification int

const (
	Clean Classification = iota
	Suspicious
	Malicious
)

var classificationNames = [...]string{"clean", "suspicious", "malicious"}

func (c Classification) String() string {
	if c < 0 || int(c) >= len(classificationNames) {
		return fmt.Sprintf("classification(%d)", int(c))
	}
	return classificationNames[c]
}

// MarshalText encodes the classification by name.
func (c Classification) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(classificationNames) {
		return nil, fmt.Errorf("invalid classification %d", int(c))
	}
	return []byte(classificationNames[c]), nil
}

// UnmarshalText decodes a classification name.
func (c *Classification) UnmarshalText(text []byte) error {
	for i, name := range classificationNames {
		if name == string(text) {
			*c = Classification(i)
			return nil
		}
	}
	return fmt.Errorf("unknown classification %q", text)
}

// Method names the pipeline stage that decided a verdict.
type Method int

const (
	MethodNone Method = iota
	MethodHashMatch
	MethodHeuristic
	MethodBehavioral
)

var methodNames = [...]string{"none", "hash_match", "heuristic", "behavioral"}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("method(%d)", int(m))
	}
	return methodNames[m]
}

// MarshalText encodes the method by name.
func (m Method) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(methodNames) {
		return nil, fmt.Errorf("invalid method %d", int(m))
	}
	return []byte(methodNames[m]), nil
}

// UnmarshalText decodes a method name.
func (m *Method) UnmarshalText(text []byte) error {
	for i, name := range methodNames {
		if name == string(text) {
			*m = Method(i)
			return nil
		}
	}
	return fmt.Errorf("unknown method %q", text)
}

// TargetKind distinguishes static files from running processes.
type TargetKind int

const (
	KindFile TargetKind = iota
	KindProcess
)

func (k TargetKind) String() string {
	if k == KindProcess {
		return "process"
	}
	return "file"
}

// MarshalText encodes the kind by name.
func (k TargetKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *TargetKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = KindFile
	case "process":
		*k = KindProcess
	default:
		return fmt.Errorf("unknown target kind %q", text)
	}
	return nil
}

// Mode selects which pipeline stages run.
type Mode int32

const (
	// ModeFull runs hash lookup, heuristics and behavioral scoring.
	ModeFull Mode = iota
	// ModeHashOnly runs hash lookup only, against a pinned snapshot.
	ModeHashOnly
)

func (m Mode) String() string {
	if m == ModeHashOnly {
		return "hash_only"
	}
	return "full"
}

// ScanTarget is one file or process to classify.
type ScanTarget struct {
	Path      string     `json:"path"`
	PID       int32      `json:"pid,omitempty"`
	SizeBytes int64      `json:"size_bytes"`
	MimeHint  string     `json:"mime_hint,omitempty"`
	Kind      TargetKind `json:"kind"`

	// Content, when set, is classified instead of reading Path.
	Content []byte `json:"-"`
	// HashOnly skips heuristics for this target, e.g. oversized files.
	HashOnly bool `json:"hash_only,omitempty"`
}

// Verdict is the classification result for one target.
type Verdict struct {
	Target             ScanTarget     `json:"target"`
	Classification     Classification `json:"classification"`
	Method             Method         `json:"method"`
	Score              float64        `json:"score"`
	MatchedSignatureID string         `json:"matched_signature_id,omitempty"`
	ThreatName         string         `json:"threat_name,omitempty"`
	Rules              []string       `json:"rules,omitempty"`
	ContentHash        string         `json:"content_hash,omitempty"`
	DBVersion          uint64         `json:"db_version"`
	TimedOut           bool           `json:"timed_out,omitempty"`
	Warning            string         `json:"warning,omitempty"`
	Duration           time.Duration  `json:"duration"`
}

// IsMalicious reports whether the verdict requires containment.
func (v Verdict) IsMalicious() bool { return v.Classification == Malicious }
