package stimulus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kimlab/isi-acquire/internal/h5io"
)

// libraryMetadata is the sibling JSON for library_metadata.json: per-
// direction frame counts plus the fingerprint used for reuse validation.
type libraryMetadata struct {
	Fingerprint string                     `json:"fingerprint"`
	SavedAt     time.Time                  `json:"saved_at"`
	Geometry    Geometry                   `json:"geometry"`
	Params      StimulusParams             `json:"stimulus_params"`
	Directions  map[Direction]directionMeta `json:"directions"`
}

type directionMeta struct {
	FrameCount int `json:"frame_count"`
	FrameSize  int `json:"frame_size"`
}

func directionFilePath(dir string, d Direction) string {
	return filepath.Join(dir, fmt.Sprintf("%s_frames.h5", d))
}

// Save persists the currently-ready library to dir: one HDF5 file per
// direction plus library_metadata.json. A save failure never fails
// pre-generation — callers should log and continue, not propagate.
func (l *Library) Save(dir string, log *zap.SugaredLogger) error {
	l.mu.RLock()
	if l.status != StatusReady {
		l.mu.RUnlock()
		return fmt.Errorf("stimulus: cannot save, library not ready")
	}
	sets := l.sets
	fp := l.fp
	geo := l.geo
	params := l.params
	l.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stimulus: creating %s: %w", dir, err)
	}

	meta := libraryMetadata{
		Fingerprint: fp,
		SavedAt:     time.Now(),
		Geometry:    geo,
		Params:      params,
		Directions:  make(map[Direction]directionMeta, 4),
	}

	for _, d := range Directions {
		set := sets[d]
		if err := saveDirectionH5(directionFilePath(dir, d), set, fp); err != nil {
			if log != nil {
				log.Warnw("stimulus: save failed", "direction", d, "error", err)
			}
			return err
		}
		frameSize := 0
		if len(set.Frames) > 0 {
			frameSize = len(set.Frames[0])
		}
		meta.Directions[d] = directionMeta{FrameCount: len(set.Frames), FrameSize: frameSize}
	}

	metaPath := filepath.Join(dir, "library_metadata.json")
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("stimulus: marshaling metadata: %w", err)
	}
	if err := writeAtomic(metaPath, raw); err != nil {
		if log != nil {
			log.Warnw("stimulus: metadata save failed", "error", err)
		}
		return err
	}
	return nil
}

func saveDirectionH5(path string, set DirectionSet, fingerprint string) error {
	f, err := h5io.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	frameSize := 0
	if len(set.Frames) > 0 {
		frameSize = len(set.Frames[0])
	}
	flat := make([]byte, len(set.Frames)*frameSize)
	for i, frame := range set.Frames {
		copy(flat[i*frameSize:], frame)
	}

	if err := f.WriteFixedUint8("frames", len(set.Frames), frameSize, flat); err != nil {
		return err
	}
	if err := f.WriteFloat64("angles", set.Angles); err != nil {
		return err
	}
	if err := f.WriteAttr("fingerprint", fingerprint); err != nil {
		return err
	}
	return nil
}

// Load reads dir's on-disk library and validates its fingerprint against
// the parameters currently in effect. On mismatch, returns
// LibraryFingerprintMismatchError and leaves the in-memory library
// untouched (absent stays absent; ready stays ready).
func (l *Library) Load(dir string) error {
	metaPath := filepath.Join(dir, "library_metadata.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("stimulus: reading metadata: %w", err)
	}
	var meta libraryMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("stimulus: parsing metadata: %w", err)
	}

	geo, sp, err := l.readParameters()
	if err != nil {
		return err
	}
	want := Fingerprint(geo, sp)
	if want != meta.Fingerprint {
		return &LibraryFingerprintMismatchError{Want: want, Got: meta.Fingerprint}
	}

	loaded := make(map[Direction]DirectionSet, 4)
	for _, d := range Directions {
		set, err := loadDirectionH5(directionFilePath(dir, d))
		if err != nil {
			return fmt.Errorf("stimulus: loading %s: %w", d, err)
		}
		loaded[d] = set
	}

	l.mu.Lock()
	l.sets = loaded
	l.geo = geo
	l.params = sp
	l.fp = meta.Fingerprint
	l.status = StatusReady
	l.mu.Unlock()
	return nil
}

func loadDirectionH5(path string) (DirectionSet, error) {
	f, err := h5io.Open(path)
	if err != nil {
		return DirectionSet{}, err
	}
	defer f.Close()

	flat, frameCount, frameSize, err := f.ReadFixedUint8("frames")
	if err != nil {
		return DirectionSet{}, err
	}
	angles, err := f.ReadFloat64("angles")
	if err != nil {
		return DirectionSet{}, err
	}

	set := DirectionSet{
		Frames: make([][]byte, frameCount),
		Angles: angles,
	}
	for i := 0; i < frameCount; i++ {
		set.Frames[i] = flat[i*frameSize : (i+1)*frameSize]
	}
	return set, nil
}

// writeAtomic writes data to path via temp-file-then-rename in the same
// directory, matching the Parameter Store's persistence discipline.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
