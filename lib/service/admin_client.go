// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"time"

	"github.com/bureau-foundation/ccfarm/lib/codec"
	"github.com/bureau-foundation/ccfarm/transport"
)

const (
	adminDialTimeout = 5 * time.Second

	// adminResponseTimeout covers the server's own timeouts plus the
	// action's work.
	adminResponseTimeout = 30 * time.Second

	maxResponseSize = 4 * 1024 * 1024
)

// ActionError is a failure reported by the admin server, as opposed
// to a failure to reach it.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// AdminClient talks to an AdminServer, one connection per request.
type AdminClient struct {
	path   string
	dialer transport.Dialer
}

// NewAdminClient returns a client for the admin socket at path.
func NewAdminClient(path string) *AdminClient {
	return &AdminClient{path: path, dialer: transport.UnixDialer{}}
}

// Call sends action with fields, which must not contain "action", and
// decodes the response data into result when both are present.
// Failures the server reports come back as *ActionError.
func (c *AdminClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	maps.Copy(request, fields)
	request["action"] = action

	response, err := c.roundTrip(ctx, request)
	if err != nil {
		return fmt.Errorf("asking %s for %s: %w", c.path, action, err)
	}
	if !response.OK {
		return &ActionError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", action, err)
		}
	}
	return nil
}

// Query calls a read-only action and returns its decoded result.
func Query[T any](ctx context.Context, client *AdminClient, action string) (T, error) {
	var result T
	err := client.Call(ctx, action, nil, &result)
	return result, err
}

func (c *AdminClient) roundTrip(ctx context.Context, request map[string]any) (*Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, adminDialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, c.path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unix, ok := conn.(*net.UnixConn); ok {
		unix.CloseWrite()
	}

	deadline := time.Now().Add(adminResponseTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
