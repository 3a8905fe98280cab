package health

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTCPCheckerHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check()
	assert.True(t, result.Healthy)
}

func TestTCPCheckerUnhealthy(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1")
	result := checker.Check()
	assert.False(t, result.Healthy)
}

func TestStatusBecomesUnhealthyAfterRetries(t *testing.T) {
	status := NewStatus()
	cfg := Config{Retries: 2}

	status.Update(Result{Healthy: false}, cfg)
	assert.True(t, status.Healthy)

	status.Update(Result{Healthy: false}, cfg)
	assert.False(t, status.Healthy)

	status.Update(Result{Healthy: true}, cfg)
	assert.True(t, status.Healthy)
}
