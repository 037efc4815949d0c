// Package flowrepo reads flow definitions from a directory of YAML files.
// Each file holds one or more flows as separate YAML documents.
package flowrepo

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/djlord-it/flowsched/internal/domain"
)

// FileError is a flow file that could not be loaded.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

type Dir struct {
	path   string
	logger *zap.Logger
}

func NewDir(path string, logger *zap.Logger) *Dir {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dir{path: path, logger: logger.Named("flowrepo")}
}

func (d *Dir) Path() string { return d.path }

// ListEnabledFlows returns the valid, enabled flows. Broken files and
// invalid flows are logged and left out so one bad file cannot hide the
// rest; a missing or unreadable directory is an error.
func (d *Dir) ListEnabledFlows(ctx context.Context) ([]domain.Flow, error) {
	flows, problems, err := d.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		d.logger.Warn("skipping flow file", zap.String("path", p.Path), zap.Error(p.Err))
	}

	out := flows[:0]
	for _, f := range flows {
		if !f.Disabled {
			out = append(out, f)
		}
	}
	return out, nil
}

// Load parses every *.yaml and *.yml file, enabled or not. Per-file
// problems, including validation failures and duplicate flow keys, are
// returned separately from the flows that loaded cleanly.
func (d *Dir) Load(ctx context.Context) ([]domain.Flow, []FileError, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read flows dir %s", d.path)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isFlowFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(d.path, e.Name()))
	}
	sort.Strings(paths)

	var (
		flows    []domain.Flow
		problems []FileError
		seen     = make(map[string]string)
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		parsed, err := parseFile(p)
		if err != nil {
			problems = append(problems, FileError{Path: p, Err: err})
			continue
		}
		for _, f := range parsed {
			if err := f.Validate(); err != nil {
				problems = append(problems, FileError{Path: p, Err: err})
				continue
			}
			if prev, dup := seen[f.Key()]; dup {
				problems = append(problems, FileError{Path: p, Err: errors.Newf("flow %s already defined in %s", f.Key(), prev)})
				continue
			}
			seen[f.Key()] = p
			flows = append(flows, f)
		}
	}
	return flows, problems, nil
}

func parseFile(path string) ([]domain.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes one or more YAML documents into flows. Unknown fields are
// rejected so that typos in condition or trigger keys surface early.
func Parse(raw []byte) ([]domain.Flow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var flows []domain.Flow
	for {
		var f domain.Flow
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		if f.Namespace == "" && f.ID == "" && len(f.Triggers) == 0 {
			continue
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func isFlowFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func baseName(path string) string { return filepath.Base(path) }
