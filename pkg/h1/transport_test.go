package h1

import (
	"context"
	"io"
)

// fakeTransport serves bytes from an in-memory buffer and satisfies
// Transport for response-parsing tests that don't need a real socket.
type fakeTransport struct {
	data []byte
	pos  int
}

func newFakeTransport(s string) *fakeTransport {
	return &fakeTransport{data: []byte(s)}
}

func (f *fakeTransport) Read(ctx context.Context, p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *fakeTransport) Write(ctx context.Context, p []byte) (int, error) {
	return len(p), nil
}
