package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, inbox string) (*InboxWatcher, chan string) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	got := make(chan string, 10)
	iw, err := NewInboxWatcher(inbox, 50*time.Millisecond, func(_ context.Context, dir string) error {
		got <- dir
		return nil
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = iw.Stop() })
	return iw, got
}

func writeSample(t *testing.T, dir string) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "smali", "com"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smali", "com", "A.smali"), []byte(".class Lcom/A;\n"), 0o644))
}

func TestInboxWatcher_SubmitsNewDirectoryOnce(t *testing.T) {
	inbox := t.TempDir()
	iw, got := newTestWatcher(t, inbox)
	require.NoError(t, iw.Start(context.Background(), false))

	sample := filepath.Join(inbox, "sample1")
	writeSample(t, sample)

	select {
	case dir := <-got:
		assert.Equal(t, sample, dir)
	case <-time.After(5 * time.Second):
		t.Fatal("sample directory was not submitted")
	}

	// 分析输出写回样本目录不应触发重复提交
	require.NoError(t, os.WriteFile(filepath.Join(sample, "report.json"), []byte("{}"), 0o644))
	select {
	case dir := <-got:
		t.Fatalf("unexpected resubmission of %s", dir)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, iw.Submitted())
}

func TestInboxWatcher_ScanExisting(t *testing.T) {
	inbox := t.TempDir()
	writeSample(t, filepath.Join(inbox, "old"))
	require.NoError(t, os.MkdirAll(filepath.Join(inbox, ".partial"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "loose.txt"), []byte("x"), 0o644))

	iw, got := newTestWatcher(t, inbox)
	require.NoError(t, iw.Start(context.Background(), true))

	select {
	case dir := <-got:
		assert.Equal(t, filepath.Join(inbox, "old"), dir)
	case <-time.After(5 * time.Second):
		t.Fatal("existing sample was not submitted")
	}

	select {
	case dir := <-got:
		t.Fatalf("unexpected submission of %s", dir)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInboxWatcher_StopCancelsPending(t *testing.T) {
	inbox := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	iw, err := NewInboxWatcher(inbox, time.Hour, func(context.Context, string) error {
		t.Fatal("handler must not run")
		return nil
	}, logger)
	require.NoError(t, err)

	writeSample(t, filepath.Join(inbox, "slow"))
	require.NoError(t, iw.Start(context.Background(), true))

	done := make(chan struct{})
	go func() {
		_ = iw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, inbox, iw.GetInboxDir())
}
