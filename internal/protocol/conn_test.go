package protocol

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestDeadlineConn_ReadTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewDeadlineConn(server, 20*time.Millisecond)

	_, err := ReadFrame(conn)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("ReadFrame() error = %v, want deadline exceeded", err)
	}
}

func TestDeadlineConn_PassesTraffic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewDeadlineConn(server, time.Second)
	go Send(client, StatusMessage{Status: StatusReady})

	var msg StatusMessage
	if err := Receive(conn, &msg); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Status != StatusReady {
		t.Errorf("Status = %q, want %q", msg.Status, StatusReady)
	}
}
