// Package storage maps a torrent's pieces onto one or more on-disk files
// (the File map, SPEC_FULL.md §4.2) and performs the piece-aligned reads and
// writes needed both for persisting newly verified pieces and for
// re-verifying an existing download at startup.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-leech/leech/internal/metainfo"
)

// ErrDisk wraps every file setup failure in New and every WritePiece
// failure; ReadPiece and Close return their errors unwrapped. Per
// SPEC_FULL.md §7, a DiskError is always fatal to the controller.
var ErrDisk = errors.New("storage: disk error")

// Config configures where a torrent's files are laid out on disk.
type Config struct {
	DownloadDir string
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store owns the open file handles for one torrent's content and knows how
// to translate absolute byte ranges into the right file(s).
type Store struct {
	log       *slog.Logger
	files     []*datafile
	pieceLen  int64
	totalSize int64
}

// New lays out (creating if necessary) every file named by the metainfo
// under cfg.DownloadDir, pre-sized to its final length.
func New(mi *metainfo.Metainfo, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	files, err := setupFiles(mi, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup files: %w", err)
	}

	return &Store{
		log:       log,
		files:     files,
		pieceLen:  int64(mi.Info.PieceLength),
		totalSize: mi.Size(),
	}, nil
}

// Close closes every underlying file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritePiece persists a fully verified piece's bytes at its absolute offset,
// spanning as many files as the piece happens to overlap.
func (s *Store) WritePiece(index uint32, data []byte) error {
	return s.spanPiece(int64(index), data, func(file *datafile, fileOff, dataOff, length int64) error {
		n, err := file.f.WriteAt(data[dataOff:dataOff+length], fileOff)
		if err != nil {
			return fmt.Errorf("%w: write to %s: %w", ErrDisk, file.path, err)
		}
		if int64(n) != length {
			return fmt.Errorf("%w: short write to %s: wrote %d want %d", ErrDisk, file.path, n, length)
		}
		return nil
	})
}

// ReadPiece reads exactly len(buf) bytes at the piece's absolute offset, used
// by resume verification. It returns an error (not necessarily fatal to the
// caller) if any spanned file is shorter than expected.
func (s *Store) ReadPiece(index uint32, buf []byte) error {
	return s.spanPiece(int64(index), buf, func(file *datafile, fileOff, dataOff, length int64) error {
		n, err := file.f.ReadAt(buf[dataOff:dataOff+length], fileOff)
		if err != nil {
			return fmt.Errorf("storage: read from %s: %w", file.path, err)
		}
		if int64(n) != length {
			return fmt.Errorf("storage: short read from %s: read %d want %d", file.path, n, length)
		}
		return nil
	})
}

// spanPiece iterates the files overlapping the absolute byte range of piece
// index (of length len(buf)), invoking apply for each overlapping span. This
// is the overlap computation shared by read and write: for each file,
// overlapStart = max(pieceStart, fileStart), overlapEnd = min(pieceEnd, fileEnd).
func (s *Store) spanPiece(index int64, buf []byte, apply func(file *datafile, fileOff, dataOff, length int64) error) error {
	pieceAbsStart := index * s.pieceLen
	pieceAbsEnd := pieceAbsStart + int64(len(buf))

	for _, file := range s.files {
		fileAbsStart := file.offset
		fileAbsEnd := fileAbsStart + file.length

		overlapStart := max(pieceAbsStart, fileAbsStart)
		overlapEnd := min(pieceAbsEnd, fileAbsEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		length := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - pieceAbsStart

		if err := apply(file, offsetInFile, offsetInData, length); err != nil {
			return err
		}
	}

	return nil
}

func setupFiles(mi *metainfo.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisk, err)
	}

	var (
		currentOffset int64
		datafiles     []*datafile
	)

	if mi.Info.Length > 0 {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		mapping, err := createFileMapping(fp, mi.Info.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		return append(datafiles, mapping), nil
	}

	for _, file := range mi.Info.Files {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}

		mapping, err := createFileMapping(fp, file.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		currentOffset += file.Length
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisk, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisk, err)
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %w", ErrDisk, err)
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}
