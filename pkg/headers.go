package mate

import "net/textproto"

// Headers is a case-insensitive string map that remembers insertion order.
// The zero value is ready to use.
type Headers struct {
	keys   []string
	values map[string]string
}

func headerKey(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

func (h *Headers) Set(key, value string) {
	k := headerKey(key)
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[k]; !exists {
		h.keys = append(h.keys, k)
	}
	h.values[k] = value
}

// SetIfAbsent sets key only when it is not already present and reports
// whether it did.
func (h *Headers) SetIfAbsent(key, value string) bool {
	if h.Has(key) {
		return false
	}
	h.Set(key, value)
	return true
}

func (h Headers) Get(key string) string {
	return h.values[headerKey(key)]
}

func (h Headers) Lookup(key string) (string, bool) {
	value, ok := h.values[headerKey(key)]
	return value, ok
}

func (h Headers) Has(key string) bool {
	_, ok := h.values[headerKey(key)]
	return ok
}

func (h *Headers) Del(key string) {
	k := headerKey(key)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, existing := range h.keys {
		if existing == k {
			h.keys = append(h.keys[:i:i], h.keys[i+1:]...)
			break
		}
	}
}

func (h Headers) Len() int {
	return len(h.keys)
}

func (h Headers) Keys() []string {
	return append([]string(nil), h.keys...)
}

// Each visits headers in insertion order.
func (h Headers) Each(fn func(key, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

func (h Headers) Clone() Headers {
	clone := Headers{}
	h.Each(clone.Set)
	return clone
}

// Merge copies every header of other that h does not already have.
func (h *Headers) Merge(other Headers) {
	other.Each(func(key, value string) {
		h.SetIfAbsent(key, value)
	})
}

// HeadersFrom builds Headers from alternating key/value pairs.
func HeadersFrom(pairs ...string) Headers {
	h := Headers{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}
