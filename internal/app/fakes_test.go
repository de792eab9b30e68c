package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/internal/infrastructure"
)

// fakeFile scripts the provider's behaviour for one message id
type fakeFile struct {
	data      []byte
	name      string
	failEvery int   // every Nth fetch fails with a transient error
	err       error // returned by every fetch when set
	blockAt   int64 // offset at which the first fetch blocks until released, -1 for none

	reached chan struct{}
	release chan struct{}
	blocked bool

	calls    int
	failures int
	offsets  []int64
}

func newFakeFile(size int, name string) *fakeFile {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return &fakeFile{
		data:    data,
		name:    name,
		blockAt: -1,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// blockAtOffset makes the first fetch at offset wait for Release
func (f *fakeFile) blockAtOffset(offset int64) *fakeFile {
	f.blockAt = offset
	return f
}

// fakeProvider is an in-memory FileProvider keyed by message id
type fakeProvider struct {
	mu       sync.Mutex
	files    map[int]*fakeFile
	delay    time.Duration
	inflight int32
	maxSeen  int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{files: make(map[int]*fakeFile)}
}

func (p *fakeProvider) add(msgID int, f *fakeFile) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[msgID] = f
	return fmt.Sprintf("durov/%d", msgID)
}

func (p *fakeProvider) file(ref domain.SourceRef) (*fakeFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[ref.MessageID]
	if !ok {
		return nil, domain.Permanent(errors.New("message not found"))
	}
	return f, nil
}

func (p *fakeProvider) Probe(ctx context.Context, ref domain.SourceRef) (*domain.FileInfo, error) {
	f, err := p.file(ref)
	if err != nil {
		return nil, err
	}
	return &domain.FileInfo{Size: int64(len(f.data)), SuggestedName: f.name, MimeType: "application/octet-stream"}, nil
}

func (p *fakeProvider) FetchRange(ctx context.Context, ref domain.SourceRef, offset, length int64) ([]byte, error) {
	f, err := p.file(ref)
	if err != nil {
		return nil, err
	}

	n := atomic.AddInt32(&p.inflight, 1)
	defer atomic.AddInt32(&p.inflight, -1)
	for {
		seen := atomic.LoadInt32(&p.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&p.maxSeen, seen, n) {
			break
		}
	}

	p.mu.Lock()
	f.calls++
	call := f.calls
	f.offsets = append(f.offsets, offset)
	block := f.blockAt >= 0 && offset == f.blockAt && !f.blocked
	if block {
		f.blocked = true
	}
	p.mu.Unlock()

	if block {
		close(f.reached)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f.err != nil {
		f.failures++
		return nil, f.err
	}
	if f.failEvery > 0 && call%f.failEvery == 0 {
		f.failures++
		return nil, domain.Transient(errors.New("connection reset"))
	}

	end := offset + length
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	out := make([]byte, end-offset)
	copy(out, f.data[offset:end])
	return out, nil
}

func (p *fakeProvider) stats(msgID int) (calls, failures int, offsets []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.files[msgID]
	return f.calls, f.failures, append([]int64(nil), f.offsets...)
}

// flakyRepo lets a test make the store fail on demand
type flakyRepo struct {
	domain.TaskRepository
	failing atomic.Bool
}

func (r *flakyRepo) Update(task *domain.DownloadTask) error {
	if r.failing.Load() {
		return fmt.Errorf("%w: disk I/O error", domain.ErrStorageUnavailable)
	}
	return r.TaskRepository.Update(task)
}

func (r *flakyRepo) Create(task *domain.DownloadTask) error {
	if r.failing.Load() {
		return fmt.Errorf("%w: disk I/O error", domain.ErrStorageUnavailable)
	}
	return r.TaskRepository.Create(task)
}

func testDownloadConfig(t *testing.T) domain.DownloadConfig {
	t.Helper()
	return domain.DownloadConfig{
		DownloadPath:           t.TempDir(),
		MaxConcurrentDownloads: 2,
		ChunkSize:              1024,
		RetryAttempts:          5,
		RetryDelay:             0,
		RemovePartialFiles:     true,
	}
}

func openTestRepo(t *testing.T, dbPath string) *infrastructure.SQLiteTaskRepository {
	t.Helper()
	repo, err := infrastructure.NewSQLiteTaskRepository(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// newTestManager starts a manager over a fresh sqlite store
func newTestManager(t *testing.T, config domain.DownloadConfig, provider domain.FileProvider) (*DownloadManager, domain.TaskRepository) {
	t.Helper()
	repo := openTestRepo(t, filepath.Join(t.TempDir(), "tasks.db"))
	return startManager(t, repo, config, provider), repo
}

func startManager(t *testing.T, repo domain.TaskRepository, config domain.DownloadConfig, provider domain.FileProvider) *DownloadManager {
	t.Helper()
	dm, err := NewDownloadManager(repo, provider, config, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, dm.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dm.Shutdown(ctx)
	})
	return dm
}

func waitForStatus(t *testing.T, dm *DownloadManager, id string, want domain.TaskStatus) *domain.DownloadTask {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := dm.GetTask(id)
		return err == nil && task.Status == want
	}, 10*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)

	task, err := dm.GetTask(id)
	require.NoError(t, err)
	return task
}

func waitReached(t *testing.T, f *fakeFile) {
	t.Helper()
	select {
	case <-f.reached:
	case <-time.After(10 * time.Second):
		t.Fatal("provider was never asked for the blocking offset")
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// eventRecorder collects events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) listen(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
