package h1

import (
	"context"
	"io"
	"testing"
)

func TestReadResponseSimple(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"

	t_ := newFakeTransport(raw)
	var doneErr error
	var doneCalled bool
	resp, err := ReadResponse(context.Background(), t_, "GET", func(e error) {
		doneCalled = true
		doneErr = e
	})
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Headers["content-type"] != "text/plain" {
		t.Fatalf("missing content-type header: %+v", resp.Headers)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
	if !doneCalled {
		t.Fatalf("onBodyDone was never invoked")
	}
	if doneErr != nil {
		t.Fatalf("onBodyDone err = %v, want nil", doneErr)
	}
}

func TestReadResponseSkips100Continue(t *testing.T) {
	raw := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"ok"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
}

func TestReadResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n\r\n"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
}

func TestReadResponseChunkedWithExtension(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5;charset=utf8\r\nhello\r\n" +
		"0\r\n\r\n"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

func TestReadResponseCloseDelimited(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\nclose-delimited-body"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "close-delimited-body" {
		t.Fatalf("body = %q, want %q", body, "close-delimited-body")
	}
}

func TestReadResponseHeadHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "HEAD", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("HEAD response body = %q, want empty", body)
	}
}

func TestReadResponse204HasNoBody(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\n\r\n"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("204 response body = %q, want empty", body)
	}
}

func TestReadResponseContentLengthTruncatesExcess(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabcXYZ"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "abc" {
		t.Fatalf("body = %q, want %q", body, "abc")
	}
}

func TestReadResponseContentLengthShortReadIsError(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected error for short content-length body")
	}
}

func TestReadResponseHeaderSectionTooLarge(t *testing.T) {
	huge := make([]byte, MaxHeaderSectionBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	raw := "HTTP/1.1 200 OK\r\nX-Big: " + string(huge) + "\r\n\r\n"

	_, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err == nil {
		t.Fatalf("expected error for oversized header section")
	}
}

func TestReadResponseChunkSizeTooLarge(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"2000000\r\n" // hex for > 16MiB, no data needed before the error fires

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("expected error for chunk size exceeding 16MiB limit")
	}
}

func TestReadResponseHeaderContinuationFolding(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"X-Folded: first\r\n    continued\r\n" +
		"Content-Length: 0\r\n\r\n"

	resp, err := ReadResponse(context.Background(), newFakeTransport(raw), "GET", nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Headers["x-folded"] != "first continued" {
		t.Fatalf("folded header = %q, want %q", resp.Headers["x-folded"], "first continued")
	}
}
