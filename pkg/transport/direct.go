package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
	"github.com/robit-man/hydra-sub001/pkg/relay"
)

// maxDirectBody caps how much of a direct response is buffered. Relay
// responses are bounded by the tunnel's own chunking; the direct path
// needs an explicit limit.
const maxDirectBody = 64 << 20

func (c *Client) newDirectRequest(ctx context.Context, desc *protocol.RequestDescriptor, body io.Reader) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, desc.Timeout(c.timeout))
	req, err := http.NewRequestWithContext(ctx, desc.EffectiveMethod(), desc.Target(), body)
	if err != nil {
		cancel()
		return nil, nil, relay.NewError(relay.KindProtocol, 0, "bad request: "+err.Error())
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}
	return req, cancel, nil
}

func classifyDirect(ctx context.Context, err error) *relay.Error {
	if ctx.Err() != nil {
		return relay.NewError(relay.KindTimeout, 0, "direct call deadline: "+err.Error())
	}
	return relay.NewError(relay.KindConnectivity, 0, "direct call failed: "+err.Error())
}

func headerMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}

// directCall executes a unary request over plain HTTP and normalizes the
// outcome to the shared result shape.
func (c *Client) directCall(ctx context.Context, desc *protocol.RequestDescriptor) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, relay.NewError(relay.KindProtocol, 0, err.Error())
	}
	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}
	req, cancel, err := c.newDirectRequest(ctx, desc, body)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if len(desc.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", protocol.ContentJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyDirect(req.Context(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectBody))
	if err != nil {
		return nil, relay.NewError(relay.KindConnectivity, resp.StatusCode, "reading body: "+err.Error())
	}
	return finishResult(resp.StatusCode, headerMap(resp.Header), raw, false)
}

// directStream executes a streaming request over plain HTTP, splitting the
// body into the same unit shapes the relay path produces: newline-delimited
// records in line mode, bounded byte slabs in chunk mode.
func (c *Client) directStream(ctx context.Context, desc *protocol.RequestDescriptor, sink Sink) error {
	if err := desc.Validate(); err != nil {
		return relay.NewError(relay.KindProtocol, 0, err.Error())
	}
	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}
	req, cancel, err := c.newDirectRequest(ctx, desc, body)
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyDirect(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return relay.NewError(relay.KindProtocol, resp.StatusCode, msg)
	}
	sink.OnBegin(resp.StatusCode, headerMap(resp.Header))

	if desc.Stream == protocol.StreamLines {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			sink.OnLine(line)
		}
		if err := sc.Err(); err != nil {
			return relay.NewError(relay.KindConnectivity, resp.StatusCode, "stream interrupted: "+err.Error())
		}
		return nil
	}

	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			sink.OnChunk(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return relay.NewError(relay.KindConnectivity, resp.StatusCode, "stream interrupted: "+err.Error())
		}
	}
}

// directUpload posts the whole body in one request. The chunk protocol
// exists only to fit relay message limits, so nothing is split here.
func (c *Client) directUpload(ctx context.Context, desc *protocol.RequestDescriptor, body []byte, contentType string) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, relay.NewError(relay.KindProtocol, 0, err.Error())
	}
	req, cancel, err := c.newDirectRequest(ctx, desc, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer cancel()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyDirect(req.Context(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectBody))
	if err != nil {
		return nil, relay.NewError(relay.KindConnectivity, resp.StatusCode, "reading body: "+err.Error())
	}
	return finishResult(resp.StatusCode, headerMap(resp.Header), raw, false)
}
