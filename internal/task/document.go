package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Document is an insertion-ordered string-keyed map of Values. It backs a
// task's context and every nested map inside it.
type Document struct {
	keys []string
	vals map[string]Value
}

func NewDocument() *Document {
	return &Document{vals: make(map[string]Value)}
}

// DocumentFromMap builds a document from a decoded JSON object. Go maps carry
// no order, so keys are inserted sorted.
func DocumentFromMap(m map[string]any) *Document {
	d := NewDocument()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Set(k, FromAny(m[k]))
	}
	return d
}

// ParseDocument decodes a JSON object, keeping key order. Empty input yields
// an empty document.
func ParseDocument(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewDocument(), nil
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decoding context document: %w", err)
	}
	d, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("context document must be a JSON object, got %s", v.Kind())
	}
	return d, nil
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.vals[key]
	return v, ok
}

// Set stores v under key. Existing keys keep their position.
func (d *Document) Set(key string, v Value) {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if _, ok := d.vals[key]; !ok {
		return false
	}
	delete(d.vals, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := NewDocument()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.vals[k].clone())
	}
	return out
}

// Merge returns a new document holding d with patch applied: keys present in
// patch overwrite keys in d, nested maps on both sides are merged
// recursively, and every other key of d is kept. Neither input is modified.
func (d *Document) Merge(patch *Document) *Document {
	out := d.Clone()
	if patch == nil {
		return out
	}
	for _, k := range patch.keys {
		pv := patch.vals[k]
		if cur, ok := out.vals[k]; ok && cur.kind == KindMap && pv.kind == KindMap {
			out.Set(k, Map(cur.doc.Merge(pv.doc)))
			continue
		}
		out.Set(k, pv.clone())
	}
	return out
}

// Equal reports deep equality including key order.
func (d *Document) Equal(o *Document) bool {
	if d.Len() != o.Len() {
		return false
	}
	for i, k := range d.Keys() {
		if o.keys[i] != k {
			return false
		}
		if !d.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}

// ToMap converts the document into plain Go values, as encoding/json would
// decode it.
func (d *Document) ToMap() map[string]any {
	out := make(map[string]any, d.Len())
	for _, k := range d.Keys() {
		out[k] = toAny(d.vals[k])
	}
	return out
}

func toAny(v Value) any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		items := make([]any, len(v.list))
		for i, it := range v.list {
			items[i] = toAny(it)
		}
		return items
	case KindMap:
		return v.doc.ToMap()
	default:
		return nil
	}
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := d.vals[k].encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// String renders the document as compact JSON.
func (d *Document) String() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}
