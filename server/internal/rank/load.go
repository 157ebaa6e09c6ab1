package rank

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Column names in the published CSV header.
const (
	EntityColumn = "Entity"
	RankColumn   = "QRank"
)

var (
	// ErrAbsent is returned by Load when no artifact exists yet.
	ErrAbsent = errors.New("rank: artifact absent")

	// ErrLoad is wrapped by every structural failure reported by Load.
	ErrLoad = errors.New("rank: malformed artifact")

	// ErrEmpty is reported, wrapped together with ErrLoad, for an artifact
	// that holds a header but no records.
	ErrEmpty = errors.New("rank: artifact has no records")
)

// Load reads the gzip-compressed CSV artifact at path and returns a new
// Mapping tagged with token. Either the whole file is accepted or an error is
// returned; a partially decoded mapping is never handed out.
func Load(path, token string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAbsent
		}
		return nil, fmt.Errorf("rank: open %q: %w", path, err)
	}
	defer f.Close()

	start := time.Now()
	ranks, err := Decode(f)
	if err != nil {
		return nil, err
	}

	slog.Info("rank: artifact loaded",
		"path", path,
		"entries", len(ranks),
		"took", time.Since(start),
	)
	return NewMapping(ranks, token, time.Now().UTC()), nil
}

// Decode parses a gzip-compressed CSV stream into an entity-to-rank map.
func Decode(r io.Reader) (map[string]uint64, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", ErrLoad, err)
	}
	defer zr.Close()

	cr := csv.NewReader(zr)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header row", ErrLoad)
		}
		return nil, fmt.Errorf("%w: header: %v", ErrLoad, err)
	}
	entityIdx, rankIdx := -1, -1
	for i, name := range header {
		// Some exports carry a UTF-8 BOM on the first column.
		switch strings.TrimPrefix(strings.TrimSpace(name), "\ufeff") {
		case EntityColumn:
			entityIdx = i
		case RankColumn:
			rankIdx = i
		}
	}
	if entityIdx < 0 || rankIdx < 0 {
		return nil, fmt.Errorf("%w: header %q lacks %q or %q column",
			ErrLoad, header, EntityColumn, RankColumn)
	}

	ranks := make(map[string]uint64)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}

		line, _ := cr.FieldPos(rankIdx)
		v, err := strconv.ParseUint(strings.TrimSpace(rec[rankIdx]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: rank %q is not a non-negative integer",
				ErrLoad, line, rec[rankIdx])
		}
		// rec is reused by the reader; copy the key out of its backing array.
		ranks[strings.Clone(rec[entityIdx])] = v
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrLoad, ErrEmpty)
	}
	return ranks, nil
}
