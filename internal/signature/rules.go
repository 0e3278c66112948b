package signature

import (
	"bytes"
	"cmp"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// PatternType selects how a heuristic rule's pattern is evaluated.
type PatternType string

const (
	PatternRegex     PatternType = "regex"     // regular expression over file content
	PatternLiteral   PatternType = "literal"   // all '|' separated byte strings must appear
	PatternExtension PatternType = "extension" // '|' separated file extensions
	PatternBehavior  PatternType = "behavior"  // ordered '>' separated process operations
)

// Rule is one heuristic pattern. A match contributes Weight to the target's score.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	PatternType PatternType `json:"pattern_type" yaml:"pattern_type"`
	Pattern     string      `json:"pattern" yaml:"pattern"`
	Weight      float64     `json:"weight" yaml:"weight"`
	Severity    Severity    `json:"severity" yaml:"severity"`

	re         *regexp.Regexp
	literals   [][]byte
	extensions []string
	sequence   []string
}

// compile prepares the matcher for the rule's pattern type.
func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule without id")
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("rule %s: weight %v outside [0,1]", r.ID, r.Weight)
	}

	switch r.PatternType {
	case PatternRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.re = re
	case PatternLiteral:
		r.literals = nil
		for part := range strings.SplitSeq(r.Pattern, "|") {
			if part != "" {
				r.literals = append(r.literals, []byte(part))
			}
		}
		if len(r.literals) == 0 {
			return fmt.Errorf("rule %s: empty literal pattern", r.ID)
		}
	case PatternExtension:
		r.extensions = nil
		for ext := range strings.SplitSeq(r.Pattern, "|") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			r.extensions = append(r.extensions, ext)
		}
		if len(r.extensions) == 0 {
			return fmt.Errorf("rule %s: empty extension list", r.ID)
		}
	case PatternBehavior:
		r.sequence = nil
		for op := range strings.SplitSeq(r.Pattern, ">") {
			if op = strings.TrimSpace(op); op != "" {
				r.sequence = append(r.sequence, op)
			}
		}
		if len(r.sequence) == 0 {
			return fmt.Errorf("rule %s: empty behavior sequence", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown pattern type %q", r.ID, r.PatternType)
	}
	return nil
}

// MatchContent reports whether a content rule (regex or literal) matches data.
func (r *Rule) MatchContent(data []byte) bool {
	switch r.PatternType {
	case PatternRegex:
		return r.re != nil && r.re.Match(data)
	case PatternLiteral:
		if len(r.literals) == 0 {
			return false
		}
		for _, lit := range r.literals {
			if !bytes.Contains(data, lit) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MatchPath reports whether an extension rule matches the file name in path.
func (r *Rule) MatchPath(path string) bool {
	if r.PatternType != PatternExtension {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ext != "" && slices.Contains(r.extensions, ext)
}

// MatchSequence reports whether a behavior rule's operations occur in order
// (not necessarily adjacent) within ops.
func (r *Rule) MatchSequence(ops []string) bool {
	if r.PatternType != PatternBehavior || len(r.sequence) == 0 {
		return false
	}
	next := 0
	for _, op := range ops {
		if op == r.sequence[next] {
			next++
			if next == len(r.sequence) {
				return true
			}
		}
	}
	return false
}

// RuleSet is the compiled heuristic rule-set, keyed by pattern type.
type RuleSet struct {
	byType map[PatternType][]*Rule
	all    []*Rule
}

func newRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{byType: make(map[PatternType][]*Rule)}
	seen := make(map[string]bool, len(rules))

	for i := range rules {
		r := rules[i]
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := r.compile(); err != nil {
			return nil, err
		}
		rs.all = append(rs.all, &r)
	}

	slices.SortFunc(rs.all, func(a, b *Rule) int { return cmp.Compare(a.ID, b.ID) })
	for _, r := range rs.all {
		rs.byType[r.PatternType] = append(rs.byType[r.PatternType], r)
	}
	return rs, nil
}

// ByType returns the rules of one pattern type, sorted by id. Callers must not
// modify the returned rules.
func (rs *RuleSet) ByType(pt PatternType) []*Rule {
	if rs == nil {
		return nil
	}
	return rs.byType[pt]
}

// ContentRules returns regex and literal rules.
func (rs *RuleSet) ContentRules() []*Rule {
	if rs == nil {
		return nil
	}
	return slices.Concat(rs.byType[PatternRegex], rs.byType[PatternLiteral])
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.all)
}

// list returns plain copies of the rules, sorted by id.
func (rs *RuleSet) list() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, 0, len(rs.all))
	for _, r := range rs.all {
		out = append(out, Rule{
			ID:          r.ID,
			Name:        r.Name,
			PatternType: r.PatternType,
			Pattern:     r.Pattern,
			Weight:      r.Weight,
			Severity:    r.Severity,
		})
	}
	return out
}

// DefaultRules is the seed heuristic rule-set shipped with a fresh database.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "HEUR-ENC-EXEC", Name: "Encoded payload execution", PatternType: PatternRegex,
			Pattern: `(?i)(eval|exec)\s*\(\s*(base64\.b64decode|atob|frombase64string)`, Weight: 0.6, Severity: SeverityHigh,
		},
		{
			ID: "HEUR-SHELL-EXEC", Name: "Shell command execution", PatternType: PatternRegex,
			Pattern: `(?i)(os\.system|subprocess\.(popen|call|run)|wscript\.shell|cmd\.exe\s+/c)`, Weight: 0.2, Severity: SeverityMedium,
		},
		{
			ID: "HEUR-PS-ENCODED", Name: "Encoded PowerShell command", PatternType: PatternRegex,
			Pattern: `(?i)powershell(\.exe)?\s+.*-e(nc(odedcommand)?)?\s+[A-Za-z0-9+/=]{20,}`, Weight: 0.5, Severity: SeverityHigh,
		},
		{
			ID: "HEUR-REG-RUN", Name: "Autorun registry modification", PatternType: PatternRegex,
			Pattern: `(?i)(reg(\.exe)?\s+add|winreg\.setvalue(ex)?).{0,200}currentversion\\run`, Weight: 0.4, Severity: SeverityMedium,
		},
		{
			ID: "HEUR-PROC-INJECT", Name: "Process injection API triple", PatternType: PatternLiteral,
			Pattern: "VirtualAllocEx|WriteProcessMemory|CreateRemoteThread", Weight: 0.7, Severity: SeverityHigh,
		},
		{
			ID: "HEUR-RANSOM-NOTE", Name: "Ransom note", PatternType: PatternRegex,
			Pattern: `(?is)(your files (have been|are) encrypted).{0,400}(bitcoin|btc|monero|decrypt)`, Weight: 0.5, Severity: SeverityHigh,
		},
		{
			ID: "HEUR-SUSP-EXT", Name: "Executable or script extension", PatternType: PatternExtension,
			Pattern: ".exe|.scr|.bat|.cmd|.vbs|.js|.ps1|.jar|.dll|.hta", Weight: 0.1, Severity: SeverityLow,
		},
		{
			ID: "BEHAV-INJECT", Name: "Remote thread injection", PatternType: PatternBehavior,
			Pattern: "open_process > write_memory > create_remote_thread", Weight: 0.9, Severity: SeverityCritical,
		},
		{
			ID: "BEHAV-MASS-ENCRYPT", Name: "Mass file rewrite", PatternType: PatternBehavior,
			Pattern: "file_write > file_rename > file_write > file_rename > file_write > file_rename", Weight: 0.6, Severity: SeverityHigh,
		},
		{
			ID: "BEHAV-SHADOW-DELETE", Name: "Shadow copy deletion", PatternType: PatternBehavior,
			Pattern: "delete_shadow_copies", Weight: 0.8, Severity: SeverityCritical,
		},
		{
			ID: "BEHAV-PERSIST", Name: "Autorun persistence", PatternType: PatternBehavior,
			Pattern: "registry_write_run_key", Weight: 0.3, Severity: SeverityMedium,
		},
	}
}
