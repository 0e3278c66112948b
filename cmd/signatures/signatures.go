// Package signatures provides commands that author signed signature
// databases from a YAML source file.
package signatures

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/signature"
)

// Source is the authoring format for a signature database.
//
//	version: 4
//	records:
//	  - id: SIG-EICAR
//	    sha256: 275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f
//	    threat: EICAR-TEST
//	    severity: high
//	rules: []   # omitted: the built-in heuristic rule-set
type Source struct {
	Version uint64           `yaml:"version"`
	Records []SourceRecord   `yaml:"records"`
	Rules   []signature.Rule `yaml:"rules"`
}

// SourceRecord is one exact-hash signature in a Source.
type SourceRecord struct {
	ID       string    `yaml:"id"`
	SHA256   string    `yaml:"sha256"`
	Threat   string    `yaml:"threat"`
	Severity string    `yaml:"severity"`
	Added    time.Time `yaml:"added,omitempty"`
}

// Command creates the signatures command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "Author signature databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("please specify a subcommand: build or hash")
		},
	}
	cmd.AddCommand(buildCommand(settings), hashCommand())
	return cmd
}

func buildCommand(settings *conf.Settings) *cobra.Command {
	var keyPath, outDir string

	cmd := &cobra.Command{
		Use:   "build [source.yaml]",
		Short: "Build and sign a signature database",
		Long: "Compile a YAML source into signatures.json and its signed manifest. " +
			"Point --output at the agent's signature directory to install it directly " +
			"while the agent is stopped, or feed the payload to 'update build'.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signature.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			src, err := ReadSource(args[0])
			if err != nil {
				return err
			}
			db, err := src.Database()
			if err != nil {
				return err
			}
			m, err := signature.NewManifest(key, db)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = settings.Signatures.Path
			}
			path := filepath.Join(outDir, signature.PayloadFile)
			if err := signature.WriteFiles(path, db, m); err != nil {
				return fmt.Errorf("failed to write database: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote signature database v%d (%d records, digest %s) to %s\n",
				db.Version(), db.Len(), db.DigestHex(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "PEM encoded RSA private key used to sign")
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "Output directory (default: signatures.path)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func hashCommand() *cobra.Command {
	var threat, severity, id string

	cmd := &cobra.Command{
		Use:   "hash [file]",
		Short: "Print a source record for a sample file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := HashFile(args[0])
			if err != nil {
				return err
			}
			rec.ID = id
			if rec.ID == "" {
				rec.ID = "SIG-" + rec.SHA256[:12]
			}
			rec.Threat = threat
			rec.Severity = severity
			out, err := yaml.Marshal([]SourceRecord{rec})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&threat, "threat", "", "Threat name to record")
	cmd.Flags().StringVar(&severity, "severity", "high", "Severity: low, medium, high or critical")
	cmd.Flags().StringVar(&id, "id", "", "Record id (default: SIG-<hash prefix>)")
	_ = cmd.MarkFlagRequired("threat")
	return cmd
}

// ReadSource parses a YAML source file.
func ReadSource(path string) (*Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	var src Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("failed to parse source %s: %w", path, err)
	}
	return &src, nil
}

// Database compiles the source. Records without an added date are stamped
// with the current time; a source without rules gets the built-in rule-set.
func (s *Source) Database() (*signature.Database, error) {
	if s.Version == 0 {
		return nil, fmt.Errorf("source version must be at least 1")
	}
	now := time.Now().UTC()
	records := make([]signature.Record, 0, len(s.Records))
	for _, r := range s.Records {
		sev, err := signature.ParseSeverity(r.Severity)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		added := r.Added
		if added.IsZero() {
			added = now
		}
		records = append(records, signature.Record{
			ID:            r.ID,
			ContentHash:   r.SHA256,
			HashAlgorithm: signature.SHA256,
			ThreatName:    r.Threat,
			Severity:      sev,
			RuleType:      signature.RuleExactHash,
			AddedAt:       added,
		})
	}
	rules := s.Rules
	if rules == nil {
		rules = signature.DefaultRules()
	}
	return signature.NewDatabase(s.Version, records, rules)
}

// HashFile computes the source record fields derived from a file's content.
func HashFile(path string) (SourceRecord, error) {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return SourceRecord{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return SourceRecord{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return SourceRecord{SHA256: hex.EncodeToString(h.Sum(nil)), Added: time.Now().UTC().Truncate(time.Second)}, nil
}
