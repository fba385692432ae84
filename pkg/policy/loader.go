package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// LoaderConfig configures the file loader.
type LoaderConfig struct {
	// MaxFileSize caps a single policy file. Default: 1 MiB.
	MaxFileSize int64

	// Extensions are the file extensions loaded from directories.
	// Default: .yaml, .yml.
	Extensions []string

	// SkipHidden skips dotfiles when walking directories. Default on.
	SkipHidden bool
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		MaxFileSize: 1 << 20,
		Extensions:  []string{".yaml", ".yml"},
		SkipHidden:  true,
	}
}

// LoadError describes a file that could not be loaded.
type LoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loading %q: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("loading %q: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// policyFile is the on-disk document shape: one file holds one or more
// policies.
type policyFile struct {
	Policies []*Policy `yaml:"policies"`
}

// Loader reads policy documents from YAML files.
type Loader struct {
	config LoaderConfig
}

// NewLoader creates a loader.
func NewLoader(config LoaderConfig) *Loader {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 1 << 20
	}
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".yaml", ".yml"}
	}
	return &Loader{config: config}
}

// LoadFile parses one policy file. The file holds a `policies` list;
// every entry is validated before any is returned.
func (l *Loader) LoadFile(path string) ([]*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Path: path, Message: "file not found", Cause: err}
		}
		return nil, &LoadError{Path: path, Message: "failed to access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{Path: path, Message: "not a regular file"}
	}
	if info.Size() > l.config.MaxFileSize {
		return nil, &LoadError{Path: path, Message: fmt.Sprintf(
			"file size %d bytes exceeds maximum %d bytes", info.Size(), l.config.MaxFileSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "failed to read file", Cause: err}
	}
	if !utf8.Valid(data) {
		return nil, &LoadError{Path: path, Message: "file contains invalid UTF-8 encoding"}
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Path: path, Message: "YAML parsing failed", Cause: err}
	}
	if len(doc.Policies) == 0 {
		return nil, &LoadError{Path: path, Message: "no policies in file"}
	}

	for _, p := range doc.Policies {
		if p.Priority == 0 {
			p.Priority = p.Scope.DefaultPriority()
		}
		if err := p.Validate(); err != nil {
			return nil, &LoadError{Path: path, Message: err.Error(), Cause: err}
		}
	}
	return doc.Policies, nil
}

// LoadDir walks a directory and loads every policy file in it. Files
// that fail to load are collected; the loaded policies are returned
// alongside the joined error so a single bad file does not discard the
// rest.
func (l *Loader) LoadDir(dir string) ([]*Policy, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Message: "failed to access directory", Cause: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Path: dir, Message: "not a directory"}
	}

	var policies []*Policy
	var errs []error
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if l.config.SkipHidden && strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !l.hasValidExtension(path) {
			return nil
		}
		loaded, lerr := l.LoadFile(path)
		if lerr != nil {
			errs = append(errs, lerr)
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: dir, Message: "failed to walk directory", Cause: err}
	}

	if len(errs) > 0 {
		return policies, joinErrors(errs)
	}
	return policies, nil
}

func (l *Loader) hasValidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range l.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

func joinErrors(errs []error) error {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%d policy files failed to load: %s", len(errs), strings.Join(msgs, "; "))
}
