package wire

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if err := writeLine(w, []byte(`{"cmd":"info","id":1}`)); err != nil {
		t.Fatalf("write line: %v", err)
	}

	if got := buf.String(); got != "{\"cmd\":\"info\",\"id\":1}\n" {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"id\":1}\n{\"id\":2}\r\n{\"id\":3}"))

	for _, want := range []string{`{"id":1}`, `{"id":2}`, `{"id":3}`} {
		line, err := readLine(r)
		if err != nil {
			t.Fatalf("read line: %v", err)
		}
		if string(line) != want {
			t.Errorf("expected %q, got %q", want, line)
		}
	}

	if _, err := readLine(r); err == nil {
		t.Error("expected EOF after last line")
	}
}

func TestReadLineLongerThanBuffer(t *testing.T) {
	long := `{"bytes":"` + strings.Repeat("ab", 40000) + `"}`
	r := bufio.NewReaderSize(strings.NewReader(long+"\n"), 16)

	line, err := readLine(r)
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if string(line) != long {
		t.Errorf("line mismatch: got %d bytes, want %d", len(line), len(long))
	}
}

func TestRawTransportRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tr := NewRawTransport(client)
	defer tr.Close()

	received := make(chan string, 1)
	go func() {
		line, err := readLine(bufio.NewReader(server))
		if err != nil {
			received <- "error: " + err.Error()
			return
		}
		received <- string(line)
		server.Write([]byte("{\"id\":1,\"terminated\":\"normal\"}\n"))
	}()

	if err := tr.Send([]byte(`{"cmd":"info","id":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != `{"cmd":"info","id":1}` {
			t.Errorf("unexpected request: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request")
	}

	line, err := tr.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(line) != `{"id":1,"terminated":"normal"}` {
		t.Errorf("unexpected response: %q", line)
	}
}

func TestSocketTransport(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		line, err := readLine(r)
		if err != nil {
			return
		}
		conn.Write(append(line, '\n'))
	}()

	tr, err := NewSocketTransport(listener.Addr().String())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Send([]byte(`{"cmd":"scan","id":7}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	line, err := tr.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(line) != `{"cmd":"scan","id":7}` {
		t.Errorf("echo mismatch: %q", line)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tr := NewRawTransport(client)
	defer tr.Close()

	const senders = 8
	const perSender = 25

	lines := make(chan string, senders*perSender)
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := readLine(r)
			if err != nil {
				close(lines)
				return
			}
			lines <- string(line)
		}
	}()

	payload := `{"cmd":"readMem","ranges":[` + strings.Repeat(`{"start":0,"length":8},`, 50) + `{"start":0,"length":8}]}`

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := tr.Send([]byte(payload)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < senders*perSender; i++ {
		select {
		case got := <-lines:
			if got != payload {
				t.Fatalf("line %d corrupted: %q", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d lines", i)
		}
	}
}

func TestReadLineTooLong(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates more than MaxLineLength")
	}
	r := bufio.NewReader(strings.NewReader(strings.Repeat("x", MaxLineLength+1) + "\n"))
	if _, err := readLine(r); !errors.Is(err, ErrLineTooLong) {
		t.Errorf("expected ErrLineTooLong, got %v", err)
	}
}
