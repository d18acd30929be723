// Package pagestore implements the Page Array consumed interface from
// spec.md 6: a file-backed store of fixed-size pages addressed by index.
package pagestore

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageArray is the interface the rest of the engine consumes. read_page /
// write_page / sync / close map directly onto spec.md 6's consumed
// interface.
type PageArray interface {
	PageSize() uint32
	PageCount() uint64
	SetPageCount(uint64) error
	ReadPage(index uint64, out []byte, offset, length int) error
	WritePage(index uint64, buf []byte, offset int) error
	Sync(metadata bool) error
	Close() error
}

// FileArray is the concrete, file-backed implementation, grounded in the
// teacher's OnDiskPager (bplustree/disk_pager.go): a raw unix file
// descriptor opened O_RDWR|O_CREAT, pages addressed by index*pageSize, growth done by
// truncating/extending the file. It adds what the teacher's pager didn't
// need: an advisory flock so two processes don't open the same file
// concurrently, and Fdatasync instead of the heavier full fsync for
// ordinary page syncs.
type FileArray struct {
	mu       sync.RWMutex
	fd       int
	pageSize uint32
	pageCnt  uint64
}

// Open opens (creating if absent) a page file at path, locking it
// exclusively for the duration this FileArray is open.
func Open(path string, pageSize uint32) (*FileArray, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "pagestore: open %s", path)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "pagestore: lock %s (already open?)", path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "pagestore: stat")
	}

	fa := &FileArray{fd: fd, pageSize: pageSize, pageCnt: uint64(st.Size) / uint64(pageSize)}
	return fa, nil
}

func (fa *FileArray) PageSize() uint32 { return fa.pageSize }

func (fa *FileArray) PageCount() uint64 {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	return fa.pageCnt
}

// SetPageCount grows or shrinks the backing file to hold count pages.
func (fa *FileArray) SetPageCount(count uint64) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	size := int64(count) * int64(fa.pageSize)
	if err := unix.Ftruncate(fa.fd, size); err != nil {
		return errors.Wrap(err, "pagestore: truncate")
	}
	fa.pageCnt = count
	return nil
}

func (fa *FileArray) ReadPage(index uint64, out []byte, offset, length int) error {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	at := int64(index)*int64(fa.pageSize) + int64(offset)
	n, err := unix.Pread(fa.fd, out[:length], at)
	if err != nil {
		return errors.Wrapf(err, "pagestore: read page %d", index)
	}
	if n < length {
		for i := n; i < length; i++ {
			out[i] = 0
		}
	}
	return nil
}

func (fa *FileArray) WritePage(index uint64, buf []byte, offset int) error {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	at := int64(index)*int64(fa.pageSize) + int64(offset)
	_, err := unix.Pwrite(fa.fd, buf, at)
	if err != nil {
		return errors.Wrapf(err, "pagestore: write page %d", index)
	}
	return nil
}

// Sync flushes pending writes. With metadata=false it uses fdatasync
// (data only, skipping inode metadata the OS will recover from the
// journal anyway); metadata=true forces a full fsync.
func (fa *FileArray) Sync(metadata bool) error {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	if metadata {
		return errors.Wrap(unix.Fsync(fa.fd), "pagestore: fsync")
	}
	return errors.Wrap(unix.Fdatasync(fa.fd), "pagestore: fdatasync")
}

func (fa *FileArray) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.fd < 0 {
		return nil
	}
	if err := unix.Fsync(fa.fd); err != nil {
		unix.Close(fa.fd)
		fa.fd = -1
		return errors.Wrap(err, "pagestore: sync before close")
	}
	err := unix.Close(fa.fd)
	fa.fd = -1
	return errors.Wrap(err, "pagestore: close")
}
