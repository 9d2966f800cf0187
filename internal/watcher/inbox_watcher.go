package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DirHandler 样本目录处理函数
type DirHandler func(ctx context.Context, dir string) error

// maxEmptyChecks 目录持续为空时放弃等待的检查次数
const maxEmptyChecks = 30

// InboxWatcher 收件目录监控器
// 只监听收件目录本身；新样本目录出现后轮询其内容，静止一个周期后提交一次
type InboxWatcher struct {
	watcher  *fsnotify.Watcher
	inboxDir string
	handler  DirHandler
	logger   *logrus.Logger
	settle   time.Duration

	mu        sync.Mutex
	pending   map[string]bool
	submitted map[string]bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInboxWatcher 创建收件目录监控器
func NewInboxWatcher(inboxDir string, settle time.Duration, handler DirHandler, logger *logrus.Logger) (*InboxWatcher, error) {
	if settle <= 0 {
		settle = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(inboxDir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	if err := watcher.Add(inboxDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	iw := &InboxWatcher{
		watcher:   watcher,
		inboxDir:  inboxDir,
		handler:   handler,
		logger:    logger,
		settle:    settle,
		pending:   make(map[string]bool),
		submitted: make(map[string]bool),
		stopChan:  make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"inbox_dir": inboxDir,
		"settle":    settle,
	}).Info("Inbox watcher created")

	return iw, nil
}

// Start 启动监控；scanExisting 为 true 时提交已存在的样本目录
func (iw *InboxWatcher) Start(ctx context.Context, scanExisting bool) error {
	if scanExisting {
		if err := iw.scanExisting(ctx); err != nil {
			iw.logger.WithError(err).Warn("Failed to scan existing samples")
		}
	}

	iw.wg.Add(1)
	go iw.eventLoop(ctx)

	iw.logger.Info("Inbox watcher started")
	return nil
}

func (iw *InboxWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(iw.inboxDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && !isHidden(entry.Name()) {
			iw.track(ctx, filepath.Join(iw.inboxDir, entry.Name()))
		}
	}
	return nil
}

// eventLoop 事件循环
func (iw *InboxWatcher) eventLoop(ctx context.Context) {
	defer iw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopChan:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			iw.handleEvent(ctx, event)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (iw *InboxWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if isHidden(name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		iw.logger.WithField("dir", name).Debug("Sample directory detected")
		iw.track(ctx, event.Name)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		iw.mu.Lock()
		delete(iw.submitted, event.Name)
		iw.mu.Unlock()
	}
}

// track 对每个目录只启动一个等待协程
func (iw *InboxWatcher) track(ctx context.Context, dir string) {
	iw.mu.Lock()
	if iw.pending[dir] || iw.submitted[dir] {
		iw.mu.Unlock()
		return
	}
	iw.pending[dir] = true
	iw.mu.Unlock()

	iw.wg.Add(1)
	go func() {
		defer iw.wg.Done()
		defer func() {
			iw.mu.Lock()
			delete(iw.pending, dir)
			iw.mu.Unlock()
		}()

		if err := iw.waitForSettled(ctx, dir); err != nil {
			iw.logger.WithError(err).WithField("dir", dir).Warn("Sample directory not submitted")
			return
		}

		iw.mu.Lock()
		iw.submitted[dir] = true
		iw.mu.Unlock()

		iw.logger.WithField("dir", dir).Info("Submitting sample directory")
		if err := iw.handler(ctx, dir); err != nil {
			iw.logger.WithError(err).WithField("dir", dir).Error("Failed to submit sample directory")
		}
	}()
}

// treeSnapshot 目录内容摘要
type treeSnapshot struct {
	files   int
	size    int64
	modTime time.Time
}

func snapshot(dir string) (treeSnapshot, error) {
	var s treeSnapshot
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(s.modTime) {
			s.modTime = info.ModTime()
		}
		if !d.IsDir() {
			s.files++
			s.size += info.Size()
		}
		return nil
	})
	return s, err
}

var errStopped = errors.New("watcher stopped")

// waitForSettled 等待目录内容在一个周期内不再变化
func (iw *InboxWatcher) waitForSettled(ctx context.Context, dir string) error {
	prev, err := snapshot(dir)
	if err != nil {
		return err
	}

	empty := 0
	for {
		timer := time.NewTimer(iw.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-iw.stopChan:
			timer.Stop()
			return errStopped
		case <-timer.C:
		}

		cur, err := snapshot(dir)
		if err != nil {
			return err
		}
		if cur == prev {
			if cur.files > 0 {
				return nil
			}
			empty++
			if empty >= maxEmptyChecks {
				return fmt.Errorf("directory stayed empty")
			}
		}
		prev = cur
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Submitted 已提交的目录数
func (iw *InboxWatcher) Submitted() int {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return len(iw.submitted)
}

// Stop 停止监控并等待处理中的目录
func (iw *InboxWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		iw.logger.Info("Stopping inbox watcher")
		close(iw.stopChan)
		err = iw.watcher.Close()
		iw.wg.Wait()
	})
	return err
}

// GetInboxDir 获取收件目录
func (iw *InboxWatcher) GetInboxDir() string {
	return iw.inboxDir
}
