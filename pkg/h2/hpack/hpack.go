// Package hpack wraps golang.org/x/net/http2/hpack's Encoder/Decoder (L5)
// with a never-indexed/sensitive-header policy and the decoder acceptance/
// error rules for dynamic-table-size-update ordering.
package hpack

import (
	"golang.org/x/net/http2/hpack"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// DefaultTableSize is the HPACK dynamic table size both sides start with
// (HEADER_TABLE_SIZE 4 KiB).
const DefaultTableSize = 4096

// neverIndexed lists high-cardinality or sensitive header names that must
// never enter the dynamic table.
var neverIndexed = map[string]bool{
	":path":               true,
	"content-length":      true,
	"content-range":       true,
	"date":                true,
	"last-modified":       true,
	"etag":                true,
	"age":                 true,
	"expires":             true,
	"set-cookie":          true,
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"location":            true,
	"if-modified-since":   true,
	"if-none-match":       true,
}

// sensitive is the subset of neverIndexed that is also genuinely
// confidential and therefore bound to the HPACK "never indexed" literal
// representation (the N bit) so intermediaries know not to cache or
// recompress it.
//
// golang.org/x/net/http2/hpack's Encoder only exposes that representation
// (via HeaderField.Sensitive) as its sole mechanism for suppressing
// dynamic-table insertion — it has no public "literal without indexing,
// non-sensitive" form, since building one requires the encoder's private
// table search. The full neverIndexed set is therefore encoded as
// Sensitive too, not just this subset.
var sensitive = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

// HeaderField is an ordered (name, value) pair for encoding; names are
// expected already lowercased by the caller (pkg/h2).
type HeaderField struct {
	Name  string
	Value string
}

// Encoder serializes header lists to HPACK-compressed header blocks.
type Encoder struct {
	enc *hpack.Encoder
	out []byte
}

// NewEncoder creates an Encoder with the given dynamic table size cap.
func NewEncoder(maxTableSize uint32) *Encoder {
	e := &Encoder{}
	e.enc = hpack.NewEncoder(writerFunc(func(p []byte) (int, error) {
		e.out = append(e.out, p...)
		return len(p), nil
	}))
	e.enc.SetMaxDynamicTableSize(maxTableSize)
	return e
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// EncodeHeaders encodes fields (pseudo-headers first, by convention the
// caller supplies them first) into one HPACK block, applying the
// never-indexed/sensitive policy per field.
func (e *Encoder) EncodeHeaders(fields []HeaderField) ([]byte, error) {
	e.out = e.out[:0]
	for _, f := range fields {
		hf := hpack.HeaderField{Name: f.Name, Value: f.Value}
		if neverIndexed[f.Name] {
			hf.Sensitive = true
		}
		if err := e.enc.WriteField(hf); err != nil {
			return nil, httperr.NewProtocolError("hpack encode", err)
		}
	}
	block := make([]byte, len(e.out))
	copy(block, e.out)
	return block, nil
}

// SetMaxDynamicTableSize adjusts the encoder's dynamic table size cap,
// e.g. to honor a SETTINGS_HEADER_TABLE_SIZE change the peer advertised.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	e.enc.SetMaxDynamicTableSize(v)
}

// Decoder parses HPACK-compressed header blocks back into field lists.
// Any decode failure is connection-fatal: the HPACK dynamic table state is
// now unrecoverably out of sync with the peer.
type Decoder struct {
	dec *hpack.Decoder
}

// NewDecoder creates a Decoder with the given dynamic table size cap.
func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{dec: hpack.NewDecoder(maxTableSize, nil)}
}

// DecodeFull decodes one complete header block (already reassembled from
// any HEADERS+CONTINUATION chain by pkg/h2/conn). The underlying decoder
// already enforces dynamic-table-size-update ordering and rejects an
// update whose size exceeds the agreed table size as a COMPRESSION_ERROR.
func (d *Decoder) DecodeFull(block []byte) ([]HeaderField, error) {
	hfs, err := d.dec.DecodeFull(block)
	if err != nil {
		return nil, httperr.NewProtocolError("hpack decode failed (connection is no longer usable)", err)
	}
	out := make([]HeaderField, len(hfs))
	for i, hf := range hfs {
		out[i] = HeaderField{Name: hf.Name, Value: hf.Value}
	}
	return out, nil
}

// SetMaxDynamicTableSize adjusts the decoder's dynamic table size cap,
// mirroring a SETTINGS_HEADER_TABLE_SIZE change from the peer.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) {
	d.dec.SetMaxDynamicTableSize(v)
}
