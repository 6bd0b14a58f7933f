package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/daemon"
	"github.com/nextlevelbuilder/hiboss/pkg/protocol"
)

// callDaemon sends one request over the IPC socket and returns its result,
// or an error built from the response's ErrorPayload.
func callDaemon(home, token, method string, params any) (json.RawMessage, error) {
	paths := daemon.ResolvePaths(home)

	conn, err := net.DialTimeout("unix", paths.Socket, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("hiboss: connect to daemon at %s: %w (is it running?)", paths.Socket, err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("hiboss: encode params: %w", err)
		}
	}

	req := protocol.RequestFrame{ID: uuid.NewString(), Method: method, Token: token, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("hiboss: encode request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("hiboss: send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("hiboss: read response: %w", err)
		}
		return nil, fmt.Errorf("hiboss: daemon closed connection without a response")
	}

	var resp protocol.ResponseFrame
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("hiboss: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("hiboss: %s: %s", resp.Error.Code, resp.Error.Message)
	}

	result, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("hiboss: re-encode result: %w", err)
	}
	return result, nil
}
