package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
)

const (
	// DefaultMaxDepth 目录嵌套上限，超过后该子树视为无命中
	DefaultMaxDepth = 256

	readBufferSize = 64 * 1024

	// 每批并发读取的文件数 = workers * batchFactor
	batchFactor = 16
)

// Stats 单次扫描统计
type Stats struct {
	Files   int `json:"files"`
	Dirs    int `json:"dirs"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Dirs += o.Dirs
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Scanner 递归内容扫描器，可被多个样本并发复用
type Scanner struct {
	workers  int
	maxDepth int
	logger   *logrus.Logger
}

// Option 扫描器选项
type Option func(*Scanner)

// WithWorkers 设置并发读取文件的 goroutine 数量
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxDepth 设置最大目录深度
func WithMaxDepth(depth int) Option {
	return func(s *Scanner) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// New 创建扫描器
func New(logger *logrus.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scanner{
		workers:  runtime.NumCPU(),
		maxDepth: DefaultMaxDepth,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type fileResult struct {
	index *MatchIndex
	err   bool
}

// Scan 在 root 下递归搜索 pattern，每行只记录第一个命中
// 被排除的文件不会被打开，被排除的目录不会被进入；
// 不可读的文件或目录记录告警后跳过，不会中断整个扫描
func (s *Scanner) Scan(ctx context.Context, root string, pattern *regexp.Regexp, exclusions *ExclusionSet) (*MatchIndex, Stats) {
	var stats Stats
	index := NewMatchIndex()
	if pattern == nil {
		return index, stats
	}

	// 边遍历边分批扫描，内存只与批大小和命中数相关
	mapper := iter.Mapper[string, fileResult]{MaxGoroutines: s.workers}
	batch := make([]string, 0, s.workers*batchFactor)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		results := mapper.Map(batch, func(path *string) fileResult {
			if ctx.Err() != nil {
				return fileResult{}
			}
			idx, err := s.scanFile(*path, pattern)
			if err != nil {
				s.logger.WithError(err).WithField("file", *path).Warn("Failed to read file, skipped")
				return fileResult{err: true}
			}
			return fileResult{index: idx}
		})

		// 按遍历顺序合并，结果与串行扫描一致
		for _, r := range results {
			if r.err {
				stats.Errors++
				continue
			}
			if r.index != nil {
				stats.Files++
				index.Merge(r.index)
			}
		}
		batch = batch[:0]
	}

	s.walk(ctx, root, 0, exclusions, &stats, func(path string) {
		batch = append(batch, path)
		if len(batch) == cap(batch) {
			flush()
		}
	})
	flush()

	return index, stats
}

// walk 深度优先遍历待扫描文件，按名称排序保证顺序稳定
func (s *Scanner) walk(ctx context.Context, dir string, depth int, exclusions *ExclusionSet, stats *Stats, visit func(path string)) {
	if ctx.Err() != nil {
		return
	}
	if depth > s.maxDepth {
		s.logger.WithFields(logrus.Fields{"dir": dir, "depth": depth}).Warn("Directory too deep, treated as no matches")
		stats.Skipped++
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.WithError(err).WithField("dir", dir).Warn("Failed to list directory, skipped")
		stats.Errors++
		return
	}
	stats.Dirs++
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		isDir, isFile, ok := s.classify(path, entry)
		if !ok {
			stats.Skipped++
			continue
		}
		if exclusions.IsExcluded(path) {
			stats.Skipped++
			continue
		}

		switch {
		case isFile:
			visit(path)
		case isDir:
			s.walk(ctx, path, depth+1, exclusions, stats, visit)
		}
	}
}

// classify 判断条目类型；指向文件的符号链接会被扫描，指向目录的不跟随
func (s *Scanner) classify(path string, entry os.DirEntry) (isDir, isFile, ok bool) {
	mode := entry.Type()
	if mode&os.ModeSymlink == 0 {
		return mode.IsDir(), mode.IsRegular(), mode.IsDir() || mode.IsRegular()
	}

	info, err := os.Stat(path)
	if err != nil {
		s.logger.WithField("path", path).Debug("Dangling symlink skipped")
		return false, false, false
	}
	if info.IsDir() {
		s.logger.WithField("path", path).Debug("Symlinked directory not followed")
		return false, false, false
	}
	return false, info.Mode().IsRegular(), info.Mode().IsRegular()
}

// scanFile 逐行流式读取文件并记录每行的第一个命中
func (s *Scanner) scanFile(path string, pattern *regexp.Regexp) (*MatchIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	index := NewMatchIndex()
	reader := bufio.NewReaderSize(f, readBufferSize)
	lineno := 0

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineno++
			line = bytes.TrimSuffix(line, []byte{'\n'})
			if loc := pattern.FindIndex(line); loc != nil {
				stored := make([]byte, len(line))
				copy(stored, line)
				index.Add(toValidUTF8(line[loc[0]:loc[1]]), MatchRecord{
					File:       path,
					Line:       stored,
					LineNumber: lineno,
				})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return index, nil
			}
			return nil, err
		}
	}
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
