package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire: want ErrAlreadyRunning, got %v", err)
	}
}

func TestReleaseThenAcquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lock.Release()
	lock.Release() // idempotent

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	again.Release()
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	// A pid far above any plausible live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire over stale lock failed: %v", err)
	}
	defer lock.Release()

	holder, err := readLockPID(path)
	if err != nil {
		t.Fatalf("read reclaimed lock: %v", err)
	}
	if holder != os.Getpid() {
		t.Fatalf("lock holds pid %d, want %d", holder, os.Getpid())
	}
}

func TestAcquireLockReclaimsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatalf("write garbage lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire over garbage lock failed: %v", err)
	}
	lock.Release()
}

func TestAcquireLockConcurrent(t *testing.T) {
	dir := t.TempDir()

	const workers = 8
	var wins int32
	var wg sync.WaitGroup
	locks := make(chan *Lock, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := AcquireLock(dir)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				locks <- lock
			}
		}()
	}
	wg.Wait()
	close(locks)

	if wins != 1 {
		t.Fatalf("got %d lock winners, want exactly 1", wins)
	}
	for lock := range locks {
		lock.Release()
	}
}
