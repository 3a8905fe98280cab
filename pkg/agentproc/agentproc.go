// Package agentproc implements the agent-child bootstrap: since Go has no
// fork(), a call is isolated by re-executing the agent binary as a child
// process that inherits the already-accepted connection's file descriptor,
// reads its call payload from stdin (written there by the parent, which has
// already read the request off the connection), invokes the resolved
// function, and writes the reply over the inherited descriptor before
// exiting.
package agentproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"

	"github.com/cuemby/fleetrun/pkg/port"
	"github.com/cuemby/fleetrun/pkg/wire"
)

// ChildArg is the argv[1] value that tells the re-executed binary to run as
// an agent-child instead of starting the normal serve loop.
const ChildArg = "__agent_child__"

// connFD is the file descriptor the inherited connection is attached to
// inside the child; fd 0-2 are stdin/stdout/stderr, so the first
// ExtraFiles entry lands on fd 3.
const connFD = 3

// Request is what the parent hands the child on stdin: enough to resolve
// and invoke the call without re-reading the socket.
type Request struct {
	Identifier string         `json:"identifier"`
	Kwargs     map[string]any `json:"kwargs"`
}

// CallableFunc is the shape every resolved function has, identical to
// agent.CallableFunc but declared independently here to avoid an import
// cycle between pkg/agent and pkg/agentproc.
type CallableFunc func(ctx context.Context, kwargs map[string]any) (any, error)

// ResolveFunc resolves a function identifier the same way the parent
// Agent's own function store would.
type ResolveFunc func(identifier string) (CallableFunc, error)

// Spawn re-executes the current binary with ChildArg, handing it connFile
// (a duplicated descriptor for the in-flight connection) and req on stdin.
// The returned *exec.Cmd has already been started; the caller is
// responsible for reaping it (directly or via a pool cleaner).
func Spawn(executable string, connFile *os.File, req Request) (*exec.Cmd, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentproc: marshal request: %w", err)
	}

	cmd := exec.Command(executable, ChildArg)
	cmd.ExtraFiles = []*os.File{connFile}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentproc: start child: %w", err)
	}
	return cmd, nil
}

// RunChild is the agent-child's entire program: read the request from
// stdin, resolve and invoke it, write the CaughtFailure-or-result response
// over the inherited connection, and return the process exit code.
func RunChild(resolve ResolveFunc) int {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "agentproc: decode request: %v\n", err)
		return 1
	}

	connFile := os.NewFile(connFD, "agent-conn")
	conn, err := net.FileConn(connFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentproc: wrap inherited fd: %v\n", err)
		return 1
	}
	p := port.New(conn)
	defer p.Close()

	response := invoke(resolve, req)
	if err := p.Write(response); err != nil {
		fmt.Fprintf(os.Stderr, "agentproc: write response: %v\n", err)
		return 1
	}
	return 0
}

func invoke(resolve ResolveFunc, req Request) any {
	fn, err := resolve(req.Identifier)
	if err != nil {
		return wire.NewCaughtFailure(err.Error(), "")
	}

	result, caught := runCaught(fn, req.Kwargs)
	if caught != nil {
		return wire.NewCaughtFailure(caught.exceptionRepr, caught.traceback)
	}

	if d, ok := result.(wire.Dumper); ok {
		state, err := d.Dump()
		if err != nil {
			return wire.NewCaughtFailure(fmt.Sprintf("dump error: %v", err), "")
		}
		return state
	}
	return result
}

// caughtError carries the two strings a CaughtFailure needs; kept distinct
// from a plain error so a panic recovery and a normal error return produce
// the same shape.
type caughtError struct {
	exceptionRepr string
	traceback     string
}

// runCaught calls fn, converting both a returned error and a panic into
// the same CaughtFailure-shaped description, matching the "catch
// any user exception, wrapping it as CaughtFailure(exc_repr, traceback)".
func runCaught(fn CallableFunc, kwargs map[string]any) (result any, caught *caughtError) {
	defer func() {
		if r := recover(); r != nil {
			caught = &caughtError{
				exceptionRepr: fmt.Sprintf("panic: %v", r),
				traceback:     string(stack()),
			}
		}
	}()

	result, err := fn(context.Background(), kwargs)
	if err != nil {
		return nil, &caughtError{exceptionRepr: err.Error(), traceback: traceback(err)}
	}
	return result, nil
}

func traceback(err error) string {
	return fmt.Sprintf("%+v", err)
}

func stack() []byte {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return buf[:n]
}
