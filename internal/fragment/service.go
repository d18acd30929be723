// Package fragment implements the "external fragment service" consumed
// interface from spec.md 6 (fragment_key/fragment/reconstruct/
// reconstruct_key/delete_fragments/fragmented_trash) plus the
// FragmentedTrash-style pending-delete queue described in SPEC_FULL.md
// §6, grounded in Tupl's FragmentedTrash.java (original_source).
package fragment

import (
	"sync"

	"github.com/pkg/errors"
)

// Service is the consumed interface btree calls into whenever a value is
// too large to fit inline in a leaf entry.
type Service interface {
	FragmentKey(key []byte) []byte
	Fragment(value []byte, length, maxInlineSize int) ([]byte, error)
	Reconstruct(pointer []byte) ([]byte, error)
	ReconstructKey(pointer []byte) ([]byte, error)
	DeleteFragments(pointer []byte) error
	Trash() *Trash
}

// chunk is one piece of a fragmented value; a real on-disk service would
// spread these across page-array pages, but the interface boundary is
// what btree depends on, so this in-memory default keeps the reference
// implementation simple while remaining swappable.
type chunk struct {
	id   uint64
	data []byte
}

// DefaultService is a process-local fragment store: values are split
// into fixed-size chunks addressed by a monotonically increasing id, and
// the "pointer" handed back to the B-tree leaf entry is just the encoded
// chunk id list. It exists so the engine has a working fragment service
// out of the box; a durable implementation would persist chunks through
// pagestore.PageArray instead of an in-memory map.
type DefaultService struct {
	mu        sync.Mutex
	nextID    uint64
	chunks    map[uint64][]byte
	chunkSize int
	trash     *Trash
}

func NewDefaultService(chunkSize int) *DefaultService {
	return &DefaultService{
		chunks:    make(map[uint64][]byte),
		chunkSize: chunkSize,
		trash:     newTrash(),
	}
}

func (s *DefaultService) FragmentKey(key []byte) []byte {
	// Large keys are chunked exactly like large values (spec.md 4.4 step
	// 1), just tagged with a leading 'K' so DeleteFragments/ReconstructKey
	// can tell a key pointer from a value pointer without a second chunk
	// namespace.
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	for off := 0; off < len(key); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(key) {
			end = len(key)
		}
		id := s.nextID
		s.nextID++
		buf := make([]byte, end-off)
		copy(buf, key[off:end])
		s.chunks[id] = buf
		ids = append(ids, id)
	}

	ptr := encodePointer(ids)
	out := make([]byte, len(ptr)+1)
	out[0] = 'K'
	copy(out[1:], ptr)
	return out
}

func (s *DefaultService) Fragment(value []byte, length, maxInlineSize int) ([]byte, error) {
	if length > len(value) {
		return nil, errors.New("fragment: length exceeds value size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	for off := 0; off < length; off += s.chunkSize {
		end := off + s.chunkSize
		if end > length {
			end = length
		}
		id := s.nextID
		s.nextID++
		buf := make([]byte, end-off)
		copy(buf, value[off:end])
		s.chunks[id] = buf
		ids = append(ids, id)
	}
	return encodePointer(ids), nil
}

func (s *DefaultService) Reconstruct(pointer []byte) ([]byte, error) {
	ids, err := decodePointer(pointer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, id := range ids {
		buf, ok := s.chunks[id]
		if !ok {
			return nil, errors.Errorf("fragment: missing chunk %d", id)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (s *DefaultService) ReconstructKey(pointer []byte) ([]byte, error) {
	if len(pointer) == 0 || pointer[0] != 'K' {
		return nil, errors.New("fragment: not a key pointer")
	}
	ids, err := decodePointer(pointer[1:])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, id := range ids {
		buf, ok := s.chunks[id]
		if !ok {
			return nil, errors.Errorf("fragment: missing chunk %d", id)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (s *DefaultService) DeleteFragments(pointer []byte) error {
	if len(pointer) > 0 && pointer[0] == 'K' {
		pointer = pointer[1:]
	}
	ids, err := decodePointer(pointer)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks, id)
	}
	return nil
}

func (s *DefaultService) Trash() *Trash { return s.trash }

func encodePointer(ids []uint64) []byte {
	out := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(id >> (8 * i))
		}
		out = append(out, b[:]...)
	}
	return out
}

func decodePointer(p []byte) ([]uint64, error) {
	if len(p)%8 != 0 {
		return nil, errors.New("fragment: malformed pointer")
	}
	ids := make([]uint64, 0, len(p)/8)
	for i := 0; i < len(p); i += 8 {
		var id uint64
		for j := 0; j < 8; j++ {
			id |= uint64(p[i+j]) << (8 * j)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
