package tracks

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnsupportedType is returned for files whose extension is not an audio type we serve.
	ErrUnsupportedType = errors.New("invalid file type")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("file too large")
	// ErrInvalidName is returned for track names that are empty or escape the store directory.
	ErrInvalidName = errors.New("invalid track name")
)

var allowedExtensions = map[string]struct{}{
	"mp3":  {},
	"wav":  {},
	"ogg":  {},
	"m4a":  {},
	"flac": {},
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AllowedExtension reports whether name has a supported audio extension.
func AllowedExtension(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return false
	}
	_, ok := allowedExtensions[strings.ToLower(name[i+1:])]
	return ok
}

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.TrimLeft(name, "._")
}

// Store keeps uploaded tracks on local disk. It is the track releaser of the room engine:
// a track file is deleted when its room is torn down.
type Store struct {
	dir      string
	maxBytes int64
	clock    clockwork.Clock
}

// NewStore creates dir if needed. maxBytes <= 0 disables the size limit.
func NewStore(dir string, maxBytes int64, clock clockwork.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{dir: dir, maxBytes: maxBytes, clock: clock}, nil
}

// Dir returns the directory tracks are stored in.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes r under a unique name derived from original and returns that name.
func (s *Store) Save(original string, r io.Reader) (string, error) {
	if !AllowedExtension(original) {
		return "", ErrUnsupportedType
	}
	clean := SanitizeName(original)
	if clean == "" || !AllowedExtension(clean) {
		return "", ErrUnsupportedType
	}
	name := fmt.Sprintf("%d_%s", s.clock.Now().Unix(), clean)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", ErrTooLarge
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	log.Info().Str("track", name).Int64("bytes", n).Msg("track stored")
	return name, nil
}

// Path resolves a stored track name to its file path.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Release deletes a stored track. A track that is already gone is not an error.
func (s *Store) Release(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}
