package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
)

const mib = 1024 * 1024

func TestNewDownloadManager_RejectsInvalidConfig(t *testing.T) {
	config := domain.DownloadConfig{ChunkSize: 0, RetryAttempts: -1}

	_, err := NewDownloadManager(nil, newFakeProvider(), config, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download.chunk_size")
	assert.Contains(t, err.Error(), "download.retry_attempts")
}

func TestEnqueue_CompletesDownload(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(5000, "report.pdf")
	ref := provider.add(1, file)

	dm, _ := newTestManager(t, testDownloadConfig(t), provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	require.NotNil(t, done.TotalSize)
	assert.Equal(t, int64(5000), *done.TotalSize)
	assert.Equal(t, int64(5000), done.BytesDownloaded)
	assert.Equal(t, "report.pdf", done.DisplayName)
	assert.Equal(t, "application/octet-stream", done.MimeType)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))

	// fallback name is used when no display name was given
	assert.Equal(t, "durov_1", filepath.Base(done.DestinationPath))

	progress := rec.ofType(domain.EventTaskProgress)
	require.Len(t, progress, 5)
	assert.Equal(t, int64(5000), progress[4].BytesDownloaded)
	assert.Equal(t, int64(5000-4*1024), progress[4].ChunkBytes)
}

func TestEnqueue_EveryThirdRequestFails(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(10*mib, "movie.mkv")
	file.failEvery = 3
	ref := provider.add(7, file)

	config := testDownloadConfig(t)
	config.ChunkSize = mib
	config.RetryAttempts = 5

	dm, _ := newTestManager(t, config, provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	task, err := dm.Enqueue(ref, "movie.mkv", "")
	require.NoError(t, err)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Equal(t, int64(10485760), done.BytesDownloaded)
	assert.Equal(t, 0, done.RetryCount)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))

	calls, failures, _ := provider.stats(7)
	assert.Len(t, rec.ofType(domain.EventTaskProgress), 10)
	assert.Equal(t, 10, calls-failures)
	assert.GreaterOrEqual(t, failures, 3)
	assert.Len(t, rec.ofType(domain.EventTaskRetrying), failures)
}

func TestEnqueue_InvalidReference(t *testing.T) {
	dm, repo := newTestManager(t, testDownloadConfig(t), newFakeProvider())

	_, err := dm.Enqueue("not a reference", "", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidReference))

	tasks, err := repo.FindAll(domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEnqueue_DestinationNamesAreUnique(t *testing.T) {
	provider := newFakeProvider()
	config := testDownloadConfig(t)
	config.MaxConcurrentDownloads = 1
	dm, _ := newTestManager(t, config, provider)

	blocker := newFakeFile(2048, "").blockAtOffset(0)
	first, err := dm.Enqueue(provider.add(1, blocker), "clip.mp4", "")
	require.NoError(t, err)
	waitReached(t, blocker)

	second, err := dm.Enqueue(provider.add(2, newFakeFile(10, "")), "clip.mp4", "")
	require.NoError(t, err)

	sub := filepath.Join(config.DownloadPath, "sub")
	require.NoError(t, os.MkdirAll(sub, 0755))
	third, err := dm.Enqueue(provider.add(3, newFakeFile(10, "")), "a/b.mp4", "sub")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(config.DownloadPath, "clip.mp4"), first.DestinationPath)
	assert.Equal(t, filepath.Join(config.DownloadPath, "clip (1).mp4"), second.DestinationPath)
	assert.Equal(t, filepath.Join(sub, "a_b.mp4"), third.DestinationPath)

	close(blocker.release)
}

func TestEnqueue_RelativeDownloadPathIsStoredAbsolute(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	provider := newFakeProvider()
	config := testDownloadConfig(t)
	config.DownloadPath = "./downloads"
	dm, _ := newTestManager(t, config, provider)

	downloads, err := filepath.Abs("downloads")
	require.NoError(t, err)

	task, err := dm.Enqueue(provider.add(1, newFakeFile(10, "")), "a.bin", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(task.DestinationPath))
	assert.Equal(t, filepath.Join(downloads, "a.bin"), task.DestinationPath)

	nested, err := dm.Enqueue(provider.add(2, newFakeFile(10, "")), "", "nested/b.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(downloads, "nested", "b.bin"), nested.DestinationPath)

	waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	waitForStatus(t, dm, nested.ID, domain.StatusCompleted)
	assert.Len(t, readFile(t, filepath.Join(downloads, "a.bin")), 10)
}

func TestCancel_MidTransferKeepsPartialFile(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(10*1024, "b.bin").blockAtOffset(4 * 1024)
	ref := provider.add(2, file)

	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)

	waitReached(t, file)
	require.NoError(t, dm.Cancel(task.ID))
	close(file.release)

	done := waitForStatus(t, dm, task.ID, domain.StatusCancelled)
	// the in-flight request finishes but its chunk is not applied
	assert.Equal(t, int64(4*1024), done.BytesDownloaded)
	assert.Equal(t, file.data[:4*1024], readFile(t, done.DestinationPath))

	assert.True(t, errors.Is(dm.Cancel(task.ID), domain.ErrInvalidState))
}

func TestCancel_QueuedTaskTakesEffectImmediately(t *testing.T) {
	provider := newFakeProvider()
	config := testDownloadConfig(t)
	config.MaxConcurrentDownloads = 1
	dm, _ := newTestManager(t, config, provider)

	blocker := newFakeFile(2048, "").blockAtOffset(0)
	_, err := dm.Enqueue(provider.add(1, blocker), "", "")
	require.NoError(t, err)
	waitReached(t, blocker)

	waiting, err := dm.Enqueue(provider.add(2, newFakeFile(2048, "")), "", "")
	require.NoError(t, err)

	require.NoError(t, dm.Cancel(waiting.ID))
	task, err := dm.GetTask(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)

	close(blocker.release)
	calls, _, _ := provider.stats(2)
	assert.Equal(t, 0, calls)
}

func TestClearAll_RemovesOnlyTerminalTasks(t *testing.T) {
	provider := newFakeProvider()
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	completed, err := dm.Enqueue(provider.add(1, newFakeFile(100, "")), "", "")
	require.NoError(t, err)
	waitForStatus(t, dm, completed.ID, domain.StatusCompleted)

	broken := newFakeFile(3000, "")
	broken.err = domain.Permanent(errors.New("file reference expired"))
	failed, err := dm.Enqueue(provider.add(2, broken), "", "")
	require.NoError(t, err)
	waitForStatus(t, dm, failed.ID, domain.StatusFailed)

	slow := newFakeFile(4096, "").blockAtOffset(1024)
	running, err := dm.Enqueue(provider.add(3, slow), "", "")
	require.NoError(t, err)
	waitReached(t, slow)

	n, err := dm.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = dm.GetTask(completed.ID)
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))
	_, err = dm.GetTask(failed.ID)
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))

	task, err := dm.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, task.Status)

	// completed files survive, partial files of failed tasks do not
	_, err = os.Stat(completed.DestinationPath)
	assert.NoError(t, err)
	_, err = os.Stat(failed.DestinationPath)
	assert.True(t, os.IsNotExist(err))

	close(slow.release)
	waitForStatus(t, dm, running.ID, domain.StatusCompleted)
}

func TestScheduler_RespectsConcurrencyLimit(t *testing.T) {
	provider := newFakeProvider()
	provider.delay = 5 * time.Millisecond

	config := testDownloadConfig(t)
	config.MaxConcurrentDownloads = 2
	dm, repo := newTestManager(t, config, provider)

	var ids []string
	for i := 1; i <= 5; i++ {
		task, err := dm.Enqueue(provider.add(i, newFakeFile(8*1024, "")), "", "")
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		stats, err := repo.GetStats()
		require.NoError(t, err)
		require.LessOrEqual(t, stats.Downloading, int64(2))
		require.LessOrEqual(t, dm.ActiveDownloads(), 2)
		if stats.Completed == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, id := range ids {
		waitForStatus(t, dm, id, domain.StatusCompleted)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&provider.maxSeen), int32(2))
}

func TestScheduler_FIFOAdmission(t *testing.T) {
	provider := newFakeProvider()
	config := testDownloadConfig(t)
	config.MaxConcurrentDownloads = 1
	dm, _ := newTestManager(t, config, provider)

	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	blocker := newFakeFile(1024, "").blockAtOffset(0)
	first, err := dm.Enqueue(provider.add(1, blocker), "", "")
	require.NoError(t, err)
	waitReached(t, blocker)

	var want []string
	want = append(want, first.ID)
	for i := 2; i <= 4; i++ {
		task, err := dm.Enqueue(provider.add(i, newFakeFile(100, "")), "", "")
		require.NoError(t, err)
		want = append(want, task.ID)
	}
	close(blocker.release)

	waitForStatus(t, dm, want[3], domain.StatusCompleted)

	var started []string
	for _, e := range rec.ofType(domain.EventTaskStatusChanged) {
		if e.NewStatus == domain.StatusDownloading {
			started = append(started, e.TaskID)
		}
	}
	assert.Equal(t, want, started)
}

func TestPauseResume_WithdrawsPendingPause(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(4096, "").blockAtOffset(2048)
	ref := provider.add(1, file)
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	require.NoError(t, dm.Pause(task.ID))
	require.NoError(t, dm.Resume(task.ID))
	close(file.release)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))

	_, _, offsets := provider.stats(1)
	assert.Equal(t, []int64{0, 1024, 2048, 3072}, offsets)
}

func TestPauseResume_ContinuesFromPersistedOffset(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(4096, "").blockAtOffset(2048)
	ref := provider.add(1, file)
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	require.NoError(t, dm.Pause(task.ID))
	close(file.release)

	paused := waitForStatus(t, dm, task.ID, domain.StatusPaused)
	assert.Equal(t, int64(2048), paused.BytesDownloaded)

	// pausing again is a no-op
	require.NoError(t, dm.Pause(task.ID))

	require.NoError(t, dm.Resume(task.ID))
	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))

	_, _, offsets := provider.stats(1)
	assert.Equal(t, []int64{0, 1024, 2048, 2048, 3072}, offsets)
}

func TestResume_InvalidStates(t *testing.T) {
	provider := newFakeProvider()
	config := testDownloadConfig(t)
	config.MaxConcurrentDownloads = 1
	dm, _ := newTestManager(t, config, provider)

	blocker := newFakeFile(2048, "").blockAtOffset(0)
	running, err := dm.Enqueue(provider.add(1, blocker), "", "")
	require.NoError(t, err)
	waitReached(t, blocker)

	queued, err := dm.Enqueue(provider.add(2, newFakeFile(10, "")), "", "")
	require.NoError(t, err)

	assert.True(t, errors.Is(dm.Resume(running.ID), domain.ErrInvalidState))
	assert.True(t, errors.Is(dm.Resume(queued.ID), domain.ErrInvalidState))
	assert.True(t, errors.Is(dm.Resume("missing"), domain.ErrTaskNotFound))

	close(blocker.release)
	waitForStatus(t, dm, queued.ID, domain.StatusCompleted)

	assert.True(t, errors.Is(dm.Resume(queued.ID), domain.ErrInvalidState))
	assert.True(t, errors.Is(dm.Cancel(queued.ID), domain.ErrInvalidState))
	assert.NoError(t, dm.Pause(queued.ID))
}

func TestRetries_ExhaustedThenManualResume(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(2048, "")
	file.err = domain.Transient(errors.New("timeout"))
	ref := provider.add(1, file)

	config := testDownloadConfig(t)
	config.RetryAttempts = 3
	dm, _ := newTestManager(t, config, provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)

	failed := waitForStatus(t, dm, task.ID, domain.StatusFailed)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Contains(t, failed.LastError, "timeout")

	calls, _, _ := provider.stats(1)
	assert.Equal(t, 4, calls)
	assert.Len(t, rec.ofType(domain.EventTaskRetrying), 3)
	assert.Len(t, rec.ofType(domain.EventTaskFailed), 1)

	provider.mu.Lock()
	file.err = nil
	provider.mu.Unlock()

	require.NoError(t, dm.Resume(task.ID))
	resumed, err := dm.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed.RetryCount)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Empty(t, done.LastError)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	provider := newFakeProvider()
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	// message 99 is unknown to the provider
	task, err := dm.Enqueue("durov/99", "", "")
	require.NoError(t, err)

	failed := waitForStatus(t, dm, task.ID, domain.StatusFailed)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Contains(t, failed.LastError, "message not found")
}

func TestRateLimitHintStretchesDelay(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(1024, "")
	file.err = domain.RateLimited(errors.New("FLOOD_WAIT"), 20*time.Millisecond)
	ref := provider.add(1, file)

	config := testDownloadConfig(t)
	config.RetryAttempts = 1
	dm, _ := newTestManager(t, config, provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitForStatus(t, dm, task.ID, domain.StatusFailed)

	retries := rec.ofType(domain.EventTaskRetrying)
	require.Len(t, retries, 1)
	assert.Equal(t, 20*time.Millisecond, retries[0].RetryIn)
}

func TestZeroSizeFileCompletes(t *testing.T) {
	provider := newFakeProvider()
	ref := provider.add(1, newFakeFile(0, "empty.txt"))
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Equal(t, int64(0), done.BytesDownloaded)
	assert.Empty(t, readFile(t, done.DestinationPath))

	calls, _, _ := provider.stats(1)
	assert.Equal(t, 0, calls)
}

func TestRemove_ActiveTaskCancelsAndDeletesFile(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(4096, "").blockAtOffset(2048)
	ref := provider.add(1, file)
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(file.release)
	}()
	require.NoError(t, dm.Remove(task.ID))

	_, err = dm.GetTask(task.ID)
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))
	_, err = os.Stat(task.DestinationPath)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, rec.ofType(domain.EventTaskRemoved), 1)

	assert.True(t, errors.Is(dm.Remove(task.ID), domain.ErrTaskNotFound))
}

func TestRemove_CompletedKeepsFile(t *testing.T) {
	provider := newFakeProvider()
	ref := provider.add(1, newFakeFile(100, ""))
	dm, _ := newTestManager(t, testDownloadConfig(t), provider)

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitForStatus(t, dm, task.ID, domain.StatusCompleted)

	require.NoError(t, dm.Remove(task.ID))
	_, err = os.Stat(task.DestinationPath)
	assert.NoError(t, err)
}

func TestRestart_ResumesByteForByte(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	config := testDownloadConfig(t)

	provider := newFakeProvider()
	file := newFakeFile(6*1024, "data.bin").blockAtOffset(3 * 1024)
	ref := provider.add(1, file)

	repo := openTestRepo(t, dbPath)
	dm, err := NewDownloadManager(repo, provider, config, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, dm.Start(context.Background()))

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	// the deadline expires while the request is still blocked
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, dm.Shutdown(ctx))

	stopped, err := repo.FindByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stopped.Status)
	assert.Equal(t, int64(3*1024), stopped.BytesDownloaded)

	_, err = dm.Enqueue(ref, "", "")
	assert.True(t, errors.Is(err, domain.ErrEngineStopped))
	require.NoError(t, repo.Close())

	// simulate a crash between the file write and the row write
	f, err := os.OpenFile(task.DestinationPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage that was never persisted"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	provider2 := newFakeProvider()
	provider2.add(1, &fakeFile{data: file.data, blockAt: -1})
	dm2 := startManager(t, openTestRepo(t, dbPath), config, provider2)

	done := waitForStatus(t, dm2, task.ID, domain.StatusCompleted)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))

	_, _, offsets := provider2.stats(1)
	assert.Equal(t, []int64{3 * 1024, 4 * 1024, 5 * 1024}, offsets)
}

func TestRestart_InterruptedDownloadingRowIsRequeued(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	config := testDownloadConfig(t)
	provider := newFakeProvider()
	file := newFakeFile(3*1024, "")
	ref := provider.add(1, file)

	repo := openTestRepo(t, dbPath)
	sr, err := domain.ParseSourceRef(ref)
	require.NoError(t, err)
	task := domain.NewDownloadTask(sr, "", filepath.Join(config.DownloadPath, "x.bin"), 1024)
	task.SetTotalSize(3 * 1024)
	task.MarkDownloading()
	task.Advance(1024)
	require.NoError(t, repo.Create(task))
	require.NoError(t, os.WriteFile(task.DestinationPath, file.data[:1024], 0644))

	dm := startManager(t, repo, config, provider)

	done := waitForStatus(t, dm, task.ID, domain.StatusCompleted)
	assert.Equal(t, file.data, readFile(t, done.DestinationPath))
}

func TestRestart_ShortPartialFileFails(t *testing.T) {
	config := testDownloadConfig(t)
	provider := newFakeProvider()
	ref := provider.add(1, newFakeFile(3*1024, ""))

	repo := openTestRepo(t, filepath.Join(t.TempDir(), "tasks.db"))
	sr, err := domain.ParseSourceRef(ref)
	require.NoError(t, err)
	task := domain.NewDownloadTask(sr, "", filepath.Join(config.DownloadPath, "x.bin"), 1024)
	task.SetTotalSize(3 * 1024)
	task.Advance(2048)
	require.NoError(t, repo.Create(task))

	dm := startManager(t, repo, config, provider)

	failed := waitForStatus(t, dm, task.ID, domain.StatusFailed)
	assert.Contains(t, failed.LastError, "recorded")
}

func TestStorageFailure_StopsEngine(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(4096, "").blockAtOffset(1024)
	ref := provider.add(1, file)

	repo := &flakyRepo{TaskRepository: openTestRepo(t, filepath.Join(t.TempDir(), "tasks.db"))}
	dm := startManager(t, repo, testDownloadConfig(t), provider)
	rec := &eventRecorder{}
	dm.Subscribe(rec.listen)

	_, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	repo.failing.Store(true)
	close(file.release)

	require.Eventually(t, func() bool {
		return len(rec.ofType(domain.EventEngineAlert)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err = dm.Enqueue(provider.add(2, newFakeFile(10, "")), "", "")
	assert.True(t, errors.Is(err, domain.ErrEngineStopped))
	assert.Error(t, dm.Healthy())
}

func TestShutdown_GracefulLeavesTaskQueued(t *testing.T) {
	provider := newFakeProvider()
	file := newFakeFile(4096, "").blockAtOffset(1024)
	ref := provider.add(1, file)

	repo := openTestRepo(t, filepath.Join(t.TempDir(), "tasks.db"))
	dm, err := NewDownloadManager(repo, provider, testDownloadConfig(t), zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, dm.Start(context.Background()))

	task, err := dm.Enqueue(ref, "", "")
	require.NoError(t, err)
	waitReached(t, file)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(file.release)
	}()
	require.NoError(t, dm.Shutdown(context.Background()))

	stopped, err := repo.FindByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stopped.Status)
	assert.Equal(t, int64(2048), stopped.BytesDownloaded)
}

func TestShutdown_AfterFailedStart(t *testing.T) {
	repo := openTestRepo(t, filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, repo.Close())

	dm, err := NewDownloadManager(repo, newFakeProvider(), testDownloadConfig(t), zap.NewNop(), nil)
	require.NoError(t, err)

	err = dm.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NotPanics(t, func() {
		assert.NoError(t, dm.Shutdown(ctx))
	})
	assert.True(t, errors.Is(dm.Healthy(), domain.ErrEngineStopped))
}
