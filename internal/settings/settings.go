// Package settings persists the runtime tuning and the last-job snapshot as
// one fixed-size little-endian record guarded by a magic number and version.
package settings

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cjeanneret/SlidePilot/internal/debug"
)

const (
	Magic   uint32 = 0x534C4950 // 'SLIP'
	Version uint16 = 1
)

// Defaults, also the fallback for out-of-range fields.
const (
	DefaultMicrostep     = 16
	DefaultCurrentMA     = 600
	DefaultStepsPerRev   = 200
	DefaultPulleyTeeth   = 20
	DefaultBeltPitchMM   = 2.0
	DefaultStops         = 3
	DefaultPauseMS       = 500
	DefaultJobDurationMS = 60000
	DefaultJobSpeedPct   = 50
)

var (
	ErrShort   = errors.New("settings: record too short")
	ErrMagic   = errors.New("settings: bad magic")
	ErrVersion = errors.New("settings: unsupported version")
)

// JobType identifies the kind of the last job.
type JobType uint8

const (
	JobNone JobType = iota
	JobSingle
	JobBounce
	JobMulti
	JobTimelapse
)

func (j JobType) String() string {
	switch j {
	case JobSingle:
		return "single"
	case JobBounce:
		return "bounce"
	case JobMulti:
		return "multi"
	case JobTimelapse:
		return "timelapse"
	}
	return "none"
}

// Runtime is the mechanical and driver tuning.
type Runtime struct {
	Microstep      uint16
	CurrentMA      uint16
	StepsPerRev    uint16
	PulleyTeeth    uint16
	BeltPitchMM    float32
	MotionProfile  uint8
	DefaultStops   uint8
	DefaultPauseMS uint32
	EndpointsSaved bool
	EndpointAMM    float32
	EndpointBMM    float32
}

// LastJob is the "previously set" snapshot, replayable from the menu or web.
type LastJob struct {
	Type     JobType
	ARaw     uint16
	BRaw     uint16
	UseTime  bool
	TotalMS  uint32
	SpeedPct int32
}

// Settings is the whole persisted record.
type Settings struct {
	Runtime Runtime
	LastJob LastJob
}

type header struct {
	Magic   uint32
	Version uint16
}

// LastJob bounds: raw sensor positions and the stepper speed range.
const (
	maxRaw      = 4095
	minSpeedPct = 5
	maxSpeedPct = 100
)

// RecordSize is the encoded size of a Settings record.
var RecordSize = binary.Size(header{}) + binary.Size(Settings{})

// Defaults returns factory settings.
func Defaults() Settings {
	return Settings{
		Runtime: Runtime{
			Microstep:      DefaultMicrostep,
			CurrentMA:      DefaultCurrentMA,
			StepsPerRev:    DefaultStepsPerRev,
			PulleyTeeth:    DefaultPulleyTeeth,
			BeltPitchMM:    DefaultBeltPitchMM,
			DefaultStops:   DefaultStops,
			DefaultPauseMS: DefaultPauseMS,
			EndpointBMM:    100,
		},
		LastJob: LastJob{
			Type:     JobNone,
			UseTime:  true,
			TotalMS:  DefaultJobDurationMS,
			SpeedPct: DefaultJobSpeedPct,
		},
	}
}

// Sanitize resets out-of-range fields to their defaults and reports
// whether anything changed.
func (r *Runtime) Sanitize() bool {
	changed := false
	if r.Microstep == 0 || r.Microstep > 256 {
		r.Microstep = DefaultMicrostep
		changed = true
	}
	if r.CurrentMA < 200 || r.CurrentMA > 2000 {
		r.CurrentMA = DefaultCurrentMA
		changed = true
	}
	if r.StepsPerRev == 0 || r.StepsPerRev > 2000 {
		r.StepsPerRev = DefaultStepsPerRev
		changed = true
	}
	if r.PulleyTeeth < 8 || r.PulleyTeeth > 120 {
		r.PulleyTeeth = DefaultPulleyTeeth
		changed = true
	}
	// Negated so NaN also falls back.
	if !(r.BeltPitchMM >= 1 && r.BeltPitchMM <= 10) {
		r.BeltPitchMM = DefaultBeltPitchMM
		changed = true
	}
	return changed
}

// Sanitize drops a job that cannot be replayed and clamps its speed.
// It reports whether anything changed.
func (j *LastJob) Sanitize() bool {
	if j.Type > JobTimelapse || j.ARaw > maxRaw || j.BRaw > maxRaw {
		*j = Defaults().LastJob
		return true
	}
	changed := false
	if j.SpeedPct < minSpeedPct {
		j.SpeedPct = minSpeedPct
		changed = true
	}
	if j.SpeedPct > maxSpeedPct {
		j.SpeedPct = maxSpeedPct
		changed = true
	}
	return changed
}

// Encode serializes s with the magic/version header.
func Encode(s Settings) []byte {
	var buf bytes.Buffer
	buf.Grow(RecordSize)
	_ = binary.Write(&buf, binary.LittleEndian, header{Magic: Magic, Version: Version})
	_ = binary.Write(&buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Decode parses a record. Fields are not sanitized.
func Decode(b []byte) (Settings, error) {
	var s Settings
	if len(b) < RecordSize {
		return s, ErrShort
	}
	r := bytes.NewReader(b)
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return s, fmt.Errorf("settings: header: %w", err)
	}
	if h.Magic != Magic {
		return s, ErrMagic
	}
	if h.Version != Version {
		return s, ErrVersion
	}
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return s, fmt.Errorf("settings: body: %w", err)
	}
	return s, nil
}

// Store keeps the current settings and writes them to a file.
type Store struct {
	path string
	mu   sync.Mutex
	cur  Settings
}

// Open loads path. A missing, short or corrupt record is replaced by
// defaults and rewritten; out-of-range fields fall back individually.
func Open(path string) (*Store, error) {
	st := &Store{path: path}

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	s, derr := Decode(b)
	if err != nil || derr != nil {
		if derr != nil && err == nil {
			debug.Info("Settings %s unusable (%v), restoring defaults", path, derr)
		}
		st.cur = Defaults()
		if err := st.write(); err != nil {
			return nil, err
		}
		return st, nil
	}
	rtChanged := s.Runtime.Sanitize()
	if jobChanged := s.LastJob.Sanitize(); rtChanged || jobChanged {
		debug.Info("Settings %s had out-of-range fields, defaults applied", path)
	}
	st.cur = s
	debug.PrintStruct("Settings", s)
	return st, nil
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cur
}

// Save replaces and persists the settings.
func (st *Store) Save(s Settings) error {
	s.Runtime.Sanitize()
	s.LastJob.Sanitize()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur = s
	return st.write()
}

// SaveSingle records a single-slide job as the last job.
func (st *Store) SaveSingle(aRaw, bRaw uint16, useTime bool, totalMS uint32, speedPct int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur.LastJob = LastJob{
		Type:     JobSingle,
		ARaw:     aRaw,
		BRaw:     bRaw,
		UseTime:  useTime,
		TotalMS:  totalMS,
		SpeedPct: int32(speedPct),
	}
	st.cur.LastJob.Sanitize()
	debug.Verbose("Saving last job: %+v", st.cur.LastJob)
	return st.write()
}

// write replaces the file atomically. Caller holds mu (or owns st).
func (st *Store) write() error {
	if st.path == "" {
		return nil
	}
	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(Encode(st.cur)); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), st.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
