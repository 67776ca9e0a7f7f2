/*------------------------------------------------------------------------------
* beamsim unit test driver : server event loop (end to end over tcp)
*-----------------------------------------------------------------------------*/
package beamsim_test

import (
	"beamsim"
	"bufio"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

/* start a server on an ephemeral port and dial it */
func startsvr(t *testing.T) (*beamsim.BeamSvr, net.Conn, *bufio.Reader) {
	svr := new(beamsim.BeamSvr)
	svr.InitServer()
	if svr.StartServer(0) == 0 {
		t.Fatal("server start error")
	}
	t.Cleanup(func() {
		svr.StopServer()
		beamsim.Sleepms(50)
	})

	_, port, err := net.SplitHostPort(svr.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sock, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sock.Close() })

	/* let the simulation settle past the first tick */
	beamsim.Sleepms(50)
	return svr, sock, bufio.NewReader(sock)
}

/* send one command line and read one response line */
func request(t *testing.T, sock net.Conn, rd *bufio.Reader, cmd string) string {
	if _, err := sock.Write([]byte(cmd + "\n")); err != nil {
		t.Fatal(err)
	}
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("no response to %q: %v", cmd, err)
	}
	return strings.TrimRight(line, "\n")
}

func Test_svr_get(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	resp := request(t, sock, rd, "GET:BL02:RING:CURRENT")
	assert.Regexp(regexp.MustCompile(`^OK:[0-9.eE+-]+$`), resp)
	v, err := strconv.ParseFloat(strings.TrimPrefix(resp, "OK:"), 64)
	assert.Nil(err)
	assert.True(v >= 0 && v <= 400)

	assert.Equal("ERR:UNKNOWN_PV", request(t, sock, rd, "GET:NO:SUCH:PV"))
}

func Test_svr_ping_unknown(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:PONG", request(t, sock, rd, "PING"))
	assert.Equal("ERR:UNKNOWN_CMD", request(t, sock, rd, "FOO:BAR"))
	assert.Equal("ERR:UNKNOWN_CMD", request(t, sock, rd, "HELLO"))
}

func Test_svr_put(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:PUT", request(t, sock, rd, "PUT:BL02:MONO:ENERGY:7112"))
	assert.Equal("OK:7112", request(t, sock, rd, "GET:BL02:MONO:ENERGY.RBV"))

	assert.Equal("ERR:INVALID_VALUE", request(t, sock, rd, "PUT:BL02:MONO:ENERGY:50000"))
	assert.Equal("ERR:INVALID_VALUE", request(t, sock, rd, "PUT:BL02:RING:CURRENT:100"))
	assert.Equal("ERR:UNKNOWN_PV", request(t, sock, rd, "PUT:NO:SUCH:PV:1"))
}

func Test_svr_move_status(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:MOVING", request(t, sock, rd, "MOVE:BL02:SAMPLE:X:1000"))
	assert.Equal("OK:MOVING", request(t, sock, rd, "STATUS:BL02:SAMPLE:X"))
	assert.Equal("OK:1", request(t, sock, rd, "GET:BL02:SAMPLE:X.DMOV"))

	/* 1000 units at 1000 units/s: idle after just over 1 s of simulation */
	beamsim.Sleepms(1500)
	assert.Equal("OK:IDLE", request(t, sock, rd, "STATUS:BL02:SAMPLE:X"))
	assert.Equal("OK:1000", request(t, sock, rd, "GET:BL02:SAMPLE:X.RBV"))
	assert.Equal("OK:0", request(t, sock, rd, "GET:BL02:SAMPLE:X.DMOV"))

	assert.Equal("ERR:INVALID_VALUE", request(t, sock, rd, "MOVE:BL02:SAMPLE:X:20000"))
	assert.Equal("ERR:INVALID_VALUE", request(t, sock, rd, "MOVE:NO:SUCH:MOTOR:10"))
	assert.Equal("ERR:UNKNOWN_PV", request(t, sock, rd, "STATUS:NO:SUCH:MOTOR"))
}

func Test_svr_list(t *testing.T) {
	svr, sock, rd := startsvr(t)
	assert := assert.New(t)

	resp := request(t, sock, rd, "LIST")
	assert.True(strings.HasPrefix(resp, "OK:"))
	names := strings.Split(strings.TrimPrefix(resp, "OK:"), ",")
	assert.Equal(svr.Dev.Npv(), len(names))

	resp = request(t, sock, rd, "LIST:BL02:DET:*")
	assert.Equal("OK:BL02:DET:I0,BL02:DET:IT,BL02:DET:IF", resp)

	/* empty pattern after the colon matches every pv */
	resp = request(t, sock, rd, "LIST:")
	assert.Equal(svr.Dev.Npv(), len(strings.Split(strings.TrimPrefix(resp, "OK:"), ",")))

	/* no match yields an empty OK */
	assert.Equal("OK", request(t, sock, rd, "LIST:NO:MATCH:*"))
}

func Test_svr_monitor(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:MONITORING", request(t, sock, rd, "MONITOR:BL02:DET:I0:100"))

	/* collect frames for ~1.2 s */
	ndata := 0
	deadline := time.Now().Add(1200 * time.Millisecond)
	for {
		sock.SetReadDeadline(deadline)
		line, err := rd.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "DATA:") {
			v, err := strconv.ParseFloat(strings.TrimSpace(line[5:]), 64)
			assert.Nil(err)
			assert.True(v >= 0 && v <= 1e6)
			ndata++
		}
	}
	assert.True(ndata >= 8, "got %d frames", ndata)
	assert.True(ndata <= 16, "got %d frames", ndata)

	/* stop: skip frames in flight until the response, then silence */
	if _, err := sock.Write([]byte("STOP\n")); err != nil {
		t.Fatal(err)
	}
	for {
		sock.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimRight(line, "\n") == "OK:STOPPED" {
			break
		}
	}
	sock.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err := rd.ReadString('\n')
	ne, ok := err.(net.Error)
	assert.True(ok && ne.Timeout(), "expected silence after STOP, got %v", err)
}

/* a monitor on a missing pv subscribes fine and emits nothing */
func Test_svr_monitor_unknown_pv(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:MONITORING", request(t, sock, rd, "MONITOR:NO:SUCH:PV:50"))
	sock.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err := rd.ReadString('\n')
	ne, ok := err.(net.Error)
	assert.True(ok && ne.Timeout(), "expected no frames, got %v", err)
}

func Test_svr_quit(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	assert.Equal("OK:BYE", request(t, sock, rd, "QUIT"))

	/* server closes the connection after BYE */
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := rd.ReadString('\n')
	assert.Equal(io.EOF, err)
}

/* several commands in one segment, one command across two segments */
func Test_svr_framing(t *testing.T) {
	_, sock, rd := startsvr(t)
	assert := assert.New(t)

	if _, err := sock.Write([]byte("PING\nPING\nPING\n")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		sock.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := rd.ReadString('\n')
		assert.Nil(err)
		assert.Equal("OK:PONG\n", line)
	}

	if _, err := sock.Write([]byte("GET:BL02:MONO")); err != nil {
		t.Fatal(err)
	}
	beamsim.Sleepms(50)
	if _, err := sock.Write([]byte(":ENERGY\n")); err != nil {
		t.Fatal(err)
	}
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := rd.ReadString('\n')
	assert.Nil(err)
	assert.Equal("OK:8000\n", line)
}
