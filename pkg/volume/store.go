package volume

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store resolves patient identifiers to backing files in one directory.
// It holds no loaded volumes; every Load re-reads the file.
type Store struct {
	dir     string
	loaders []Loader
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLoaders replaces the default loader resolution order.
func WithLoaders(loaders ...Loader) Option {
	return func(s *Store) { s.loaders = loaders }
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:     dir,
		loaders: DefaultLoaders(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory the store reads from.
func (s *Store) Dir() string {
	return s.dir
}

func validPatientID(id string) bool {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Path returns the backing file and loader for a patient, or a NotFoundError.
func (s *Store) Path(patientID string) (string, Loader, error) {
	if !validPatientID(patientID) {
		return "", nil, &NotFoundError{PatientID: patientID}
	}
	for _, l := range s.loaders {
		p := filepath.Join(s.dir, patientID+l.Extension())
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, l, nil
		}
	}
	return "", nil, &NotFoundError{PatientID: patientID}
}

// Load reads the patient's volume into memory and returns a new handle.
// It returns a NotFoundError when no backing file exists and a FormatError
// when the file is not a well-formed 3D numeric array.
func (s *Store) Load(ctx context.Context, patientID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, loader, err := s.Path(patientID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vol, err := loader.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{PatientID: patientID}
		}
		var fe *FormatError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read volume %s: %w", path, err)
	}

	h, err := NewHandle(patientID, vol)
	if err != nil {
		return nil, formatErrorf(path, err, "invalid volume")
	}

	s.logger.Debug("loaded volume",
		"patient", patientID,
		"path", path,
		"shape", fmt.Sprintf("%dx%dx%d", vol.Depth, vol.Height, vol.Width),
		"dtype", vol.DType,
		"elapsed", time.Since(start))
	return h, nil
}

// Patients lists the identifiers of every backing file in the store, sorted.
// A missing directory yields an empty list.
func (s *Store) Patients(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	seen := make(map[string]bool)
	ids := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		for _, l := range s.loaders {
			stem, ok := strings.CutSuffix(e.Name(), l.Extension())
			if !ok || stem == "" || seen[stem] {
				continue
			}
			seen[stem] = true
			ids = append(ids, stem)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
