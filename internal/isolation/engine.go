package isolation

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// engineAPIVersion pins the container engine API we speak. Anything the
// backend needs has been stable since well before this version.
const engineAPIVersion = "v1.43"

// engineClient is a thin HTTP client for the container engine socket.
// It knows how to dial the endpoint and shuttle JSON; all engine
// semantics live in ContainerBackend.
type engineClient struct {
	http *http.Client
	base string
}

// newEngineClient dials host, which is either a unix:///path socket URL
// or a tcp://host:port endpoint.
func newEngineClient(host string) (*engineClient, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, &ValidationError{Field: "engine_host", Reason: err.Error()}
	}
	transport := &http.Transport{}
	base := "http://engine/" + engineAPIVersion
	switch u.Scheme {
	case "unix":
		socketPath := u.Path
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	case "tcp":
		base = "http://" + u.Host + "/" + engineAPIVersion
	default:
		return nil, &ValidationError{Field: "engine_host", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return &engineClient{
		http: &http.Client{Transport: transport},
		base: base,
	}, nil
}

type engineStatusError struct {
	Status  int
	Message string
}

func (e *engineStatusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Message)
}

func (c *engineClient) do(ctx context.Context, method, apiPath string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+apiPath, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, &engineStatusError{Status: resp.StatusCode, Message: apiErr.Message}
	}
	return resp, nil
}

// callJSON performs a request with optional JSON body and decodes the
// JSON response into out (when non-nil).
func (c *engineClient) callJSON(ctx context.Context, method, apiPath string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, apiPath, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Multiplexed stream framing, as produced by attach/exec endpoints when
// the container has no TTY: one byte selects the stream (1 stdout,
// 2 stderr), three bytes pad, four bytes big-endian payload length.
const streamHeaderLen = 8

// demuxStream splits a multiplexed engine stream into stdout and stderr
// writers. Returns on EOF or the first malformed frame.
func demuxStream(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, streamHeaderLen)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("truncated stream header")
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		var dst io.Writer
		switch header[0] {
		case 0, 1:
			dst = stdout
		case 2:
			dst = stderr
		default:
			return fmt.Errorf("unknown stream selector %d", header[0])
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			if err == io.EOF {
				return fmt.Errorf("truncated stream payload")
			}
			return err
		}
	}
}

// streamWriter adapts a StreamFunc to io.Writer for one stream leg.
type streamWriter struct {
	stream StreamType
	fn     StreamFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) > 0 && w.fn != nil {
		buf := make([]byte, len(p))
		copy(buf, p)
		w.fn(w.stream, buf)
	}
	return len(p), nil
}

// singleFileTar wraps data in a one-entry tar archive named name, the
// format the engine's archive endpoint expects for uploads.
func singleFileTar(name string, data []byte, mode int64) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// extractSingleFile reads the first regular file from a tar stream, as
// returned by the archive endpoint for a file path.
func extractSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive contained no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// buildContext produces an in-memory build context holding a single
// Dockerfile, enough for the image bootstrap.
func buildContext(dockerfile string) (*bytes.Buffer, error) {
	return singleFileTar("Dockerfile", []byte(dockerfile), 0o644)
}

func joinGuestPath(dir, name string) string {
	return path.Join(dir, name)
}
