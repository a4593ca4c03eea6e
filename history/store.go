package history

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Series is the answer to a history query. Times are Unix milliseconds.
type Series struct {
	Interval string    `json:"interval"`
	From     int64     `json:"from"`
	To       int64     `json:"to"`
	Topic    string    `json:"topic"`
	Times    []int64   `json:"times"`
	Data     []float64 `json:"data"`
}

// Store appends rollups to one file per interval and day:
//
//	<dir>/<interval>-<Y>-<M>-<D>
//
// Each line is "<unix ms> <topic> <value>".
type Store struct {
	dir string
	log *logrus.Entry
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created on first write.
func NewStore(dir string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{dir: dir, log: logger.WithField("component", "history")}
}

// FileName is the day file for interval at t, e.g. "minute-2024-5-1".
func FileName(interval string, t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%s-%d-%d-%d", interval, t.Year(), int(t.Month()), t.Day())
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Append writes one rollup line.
func (s *Store) Append(interval, topic string, at time.Time, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(s.dir, FileName(interval, at))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_, err = fmt.Fprintf(f, "%d %s %s\n", at.UnixMilli(), topic, formatValue(value))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// Read collects the samples of topic between from and to, inclusive, across the day files.
func (s *Store) Read(interval, topic string, from, to time.Time) (Series, error) {
	series := Series{
		Interval: interval,
		From:     from.UnixMilli(),
		To:       to.UnixMilli(),
		Topic:    topic,
		Times:    []int64{},
		Data:     []float64{},
	}

	lf := from.Local()
	var paths []string
	day := time.Date(lf.Year(), lf.Month(), lf.Day(), 0, 0, 0, 0, time.Local)
	for !day.After(to) {
		paths = append(paths, filepath.Join(s.dir, FileName(interval, day)))
		day = day.AddDate(0, 0, 1)
	}

	// Files are scanned without the lock, up to the sizes seen under it,
	// so appends carry on during long queries and never show up half written.
	sizes := s.snapshot(paths)
	for i, path := range paths {
		if err := s.readFile(path, sizes[i], &series); err != nil {
			return series, err
		}
	}
	return series, nil
}

// snapshot returns the current size of each file, or -1 when it does not exist.
func (s *Store) snapshot(paths []string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sizes := make([]int64, len(paths))
	for i, path := range paths {
		sizes[i] = -1
		if fi, err := os.Stat(path); err == nil {
			sizes[i] = fi.Size()
		}
	}
	return sizes
}

func (s *Store) readFile(path string, size int64, series *Series) error {
	if size < 0 {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, size))
	for scanner.Scan() {
		line := scanner.Text()
		ts, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		lineTopic, value, ok := strings.Cut(rest, " ")
		if !ok || lineTopic != series.Topic {
			continue
		}
		t, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			s.log.WithField("file", path).WithError(err).Warn("Unable to parse log line")
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			s.log.WithField("file", path).WithError(err).Warn("Unable to parse log line")
			continue
		}
		if t >= series.From && t <= series.To {
			series.Times = append(series.Times, t)
			series.Data = append(series.Data, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
