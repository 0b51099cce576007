package dex

const (
	dimTagA uint8 = 1 << iota
	dimTagB
	dimDest
)

type indexKey struct {
	mask    uint8
	tagA    string
	tagB    string
	destPub string
}

func makeKey(tagA, tagB, destPub string) indexKey {
	k := indexKey{tagA: tagA, tagB: tagB, destPub: destPub}
	if tagA != "" {
		k.mask |= dimTagA
	}
	if tagB != "" {
		k.mask |= dimTagB
	}
	if destPub != "" {
		k.mask |= dimDest
	}
	return k
}

// TagIndex keeps one id-ordered bucket per combination of the blob's
// non-empty (tagA, tagB, destpub) values, including the empty combination.
// Buckets are append-only between purges. Callers hold the store lock.
type TagIndex struct {
	buckets map[indexKey][]*Blob
}

func NewTagIndex() *TagIndex {
	return &TagIndex{buckets: make(map[indexKey][]*Blob)}
}

func (x *TagIndex) keysFor(b *Blob) []indexKey {
	full := makeKey(b.TagA, b.TagB, b.DestPub)
	keys := make([]indexKey, 0, 8)
	for m := uint8(0); m < 8; m++ {
		if m&^full.mask != 0 {
			continue
		}
		k := indexKey{mask: m}
		if m&dimTagA != 0 {
			k.tagA = b.TagA
		}
		if m&dimTagB != 0 {
			k.tagB = b.TagB
		}
		if m&dimDest != 0 {
			k.destPub = b.DestPub
		}
		keys = append(keys, k)
	}
	return keys
}

func (x *TagIndex) Add(b *Blob) {
	for _, k := range x.keysFor(b) {
		x.buckets[k] = append(x.buckets[k], b)
	}
}

// Bucket returns the blobs matching exactly the given non-empty filters, in
// ascending id order. The returned slice must not be modified.
func (x *TagIndex) Bucket(tagA, tagB, destPub string) []*Blob {
	return x.buckets[makeKey(tagA, tagB, destPub)]
}

// Rebuild drops blobs for which keep returns false. Buckets are replaced, not
// edited, so slices handed to readers stay valid.
func (x *TagIndex) Rebuild(keep func(*Blob) bool) {
	next := make(map[indexKey][]*Blob, len(x.buckets))
	for k, bucket := range x.buckets {
		var out []*Blob
		for _, b := range bucket {
			if keep(b) {
				out = append(out, b)
			}
		}
		if len(out) > 0 {
			next[k] = out
		}
	}
	x.buckets = next
}

func (x *TagIndex) Len() int {
	return len(x.buckets)
}
