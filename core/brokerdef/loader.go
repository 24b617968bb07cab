package brokerdef

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrubline/scrubline/core/model"
)

// allowedTopLevelKeys mirrors bundleFile's yaml tags; any key outside this
// set fails strict decoding rather than being silently ignored, per
// spec.md §6 "parser rejects unknown top-level keys".
var allowedTopLevelKeys = map[string]bool{
	"id": true, "category": true, "region": true, "scan_priority_tier": true,
	"scan_method": true, "url_template": true, "removal_method": true,
	"removal_email": true, "confirmation": true, "requires_captcha": true,
	"required_fields": true, "typical_sla_days": true, "last_verified": true,
	"origin": true, "regulation_subject": true,
}

// LoadError pairs a broker definition file with the reason it was
// rejected. Loader.LoadDir collects every LoadError rather than stopping at
// the first, per spec.md §4.5 "definitions that fail validation are
// rejected with the id logged".
type LoadError struct {
	Path string
	ID   string
	Err  error
}

func (e LoadError) Error() string {
	id := e.ID
	if id == "" {
		id = e.Path
	}
	return fmt.Sprintf("broker definition %q: %v", id, e.Err)
}

// Loader reads a directory of *.broker.yaml bundles, strict-decodes and
// validates each one, optionally verifies its trust bundle, and exposes
// a read-only view of the accepted definitions. A Loader's view is
// immutable once LoadDir returns: definitions are loaded once at process
// start, not re-fetched (spec.md §4.5, §6).
type Loader struct {
	verifier *Verifier // nil disables trust verification entirely
	logger   *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithVerifier enables trust verification for every loaded bundle.
func WithVerifier(v *Verifier) Option {
	return func(l *Loader) { l.verifier = v }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader. Without WithVerifier, trust verification is
// skipped and every syntactically valid definition is accepted at
// TrustUnverified.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LoadResult is the outcome of loading a definitions directory.
type LoadResult struct {
	Definitions []model.BrokerDefinition
	TrustLevels map[string]TrustLevel // keyed by broker ID
	Errors      []LoadError
}

// LoadDir reads every *.broker.yaml file in dir, in lexical order for
// reproducibility, and returns every definition that parsed and verified
// successfully alongside a LoadError for each one that did not.
func (l *Loader) LoadDir(dir string) (LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return LoadResult{}, fmt.Errorf("reading broker definitions directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".broker.yaml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	res := LoadResult{TrustLevels: make(map[string]TrustLevel)}
	seen := make(map[string]string) // id -> path, to reject duplicate IDs

	for _, path := range paths {
		def, trust, err := l.loadOne(path)
		if err != nil {
			res.Errors = append(res.Errors, LoadError{Path: path, Err: err})
			l.logger.Warn("rejected broker definition", "path", path, "error", err)
			continue
		}
		if prior, dup := seen[def.ID]; dup {
			res.Errors = append(res.Errors, LoadError{Path: path, ID: def.ID, Err: fmt.Errorf("duplicate broker id, already defined in %s", prior)})
			continue
		}
		seen[def.ID] = path
		res.Definitions = append(res.Definitions, def)
		res.TrustLevels[def.ID] = trust
	}

	return res, nil
}

func (l *Loader) loadOne(path string) (model.BrokerDefinition, TrustLevel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.BrokerDefinition{}, TrustUnverified, fmt.Errorf("reading file: %w", err)
	}

	if err := rejectUnknownKeys(raw); err != nil {
		return model.BrokerDefinition{}, TrustUnverified, err
	}

	var bf bundleFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return model.BrokerDefinition{}, TrustUnverified, fmt.Errorf("parsing yaml: %w", err)
	}

	def, err := bf.toDefinition()
	if err != nil {
		return model.BrokerDefinition{}, TrustUnverified, err
	}

	trust := TrustUnverified
	if l.verifier != nil {
		trust, err = l.verifier.VerifyBundle(path, raw)
		if err != nil {
			return model.BrokerDefinition{}, TrustUnverified, fmt.Errorf("trust verification: %w", err)
		}
	}

	return def, trust, nil
}

// rejectUnknownKeys decodes raw into a yaml.Node and fails if any mapping
// key at the top level is outside allowedTopLevelKeys, giving a strict
// decode without hand-maintaining a second struct shape.
func rejectUnknownKeys(raw []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing yaml structure: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("broker definition must be a YAML mapping")
	}
	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !allowedTopLevelKeys[key] {
			return fmt.Errorf("unknown top-level key %q", key)
		}
	}
	return nil
}

// CheckRequiredFields reports whether every field name in def.RequiredFields
// is present in populatedFields, the set of field names a Profile actually
// carries. A missing field is how spec.md §4.5 "requires_fields is checked
// against the profile" produces a Skipped{MissingFields} status.
func CheckRequiredFields(def model.BrokerDefinition, populatedFields map[string]bool) (ok bool, missing []string) {
	for _, f := range def.RequiredFields {
		if !populatedFields[f] {
			missing = append(missing, f)
		}
	}
	return len(missing) == 0, missing
}
