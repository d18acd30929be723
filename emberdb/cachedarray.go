package emberdb

import (
	"github.com/shubhamn/emberdb/internal/pagecache"
	"github.com/shubhamn/emberdb/pagestore"
)

// cachedPageArray decorates a per-index pagestore.PageArray with the
// Database's single process-wide primary page cache (spec.md 4.2),
// checked on every read and kept warm on every write. Grounded on
// DirectPageCache's role in Tupl's PageDb: the real file is still the
// sole source of truth, the cache just spares most reads a Pread.
//
// Because one pagecache.Cache instance is shared across every tree the
// Database opens, cache keys fold in the owning index id (indexID mixed
// with pageID via a splitmix-style constant) so two trees' page 1 never
// collide in the same hash chain.
type cachedPageArray struct {
	indexID uint64
	cache   *pagecache.Cache
	pagestore.PageArray
}

func newCachedPageArray(indexID uint64, cache *pagecache.Cache, pa pagestore.PageArray) *cachedPageArray {
	return &cachedPageArray{indexID: indexID, cache: cache, PageArray: pa}
}

// cacheKey mixes indexID into pageID so the shared cache can't alias two
// different trees' same-numbered page.
func cacheKey(indexID, pageID uint64) uint64 {
	const splitmix = 0x9E3779B97F4A7C15
	return pageID ^ (indexID * splitmix)
}

func (a *cachedPageArray) ReadPage(index uint64, out []byte, offset, length int) error {
	if offset == 0 && length == len(out) {
		if a.cache.Remove(cacheKey(a.indexID, index), out) {
			return nil
		}
	}
	if err := a.PageArray.ReadPage(index, out, offset, length); err != nil {
		return err
	}
	if offset == 0 && length == len(out) {
		a.cache.Add(cacheKey(a.indexID, index), out)
	}
	return nil
}

func (a *cachedPageArray) WritePage(index uint64, buf []byte, offset int) error {
	if err := a.PageArray.WritePage(index, buf, offset); err != nil {
		return err
	}
	if offset == 0 && len(buf) == int(a.PageSize()) {
		a.cache.Add(cacheKey(a.indexID, index), buf)
	}
	return nil
}
