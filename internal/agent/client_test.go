package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/virt-do/project-2024/internal/schema"
)

func TestConnectRetriesUntilListenerAppears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nobody listening yet

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		l2, err := net.Listen("tcp", addr.String())
		if err != nil {
			return
		}
		conn, err := l2.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted a connection")
	}
}

func TestExecuteStreamsUntilFinal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		for _, resp := range []schema.ExecuteResponse{
			{Stdout: []byte("hello\n"), Final: false},
			{Stdout: nil, ExitCode: 0, Final: true},
		} {
			b, _ := json.Marshal(resp)
			b = append(b, '\n')
			conn.Write(b)
		}
	}()

	ctx := context.Background()
	client, err := Connect(ctx, addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	req := schema.ExecuteRequest{WorkloadName: "t", Language: "python", Action: schema.ActionPrepareAndRun}
	frames, errCh := client.Execute(ctx, req)

	var got []schema.ExecutionFrame
	for f := range frames {
		got = append(got, f)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if !got[1].Final {
		t.Errorf("expected last frame to be Final")
	}
}
