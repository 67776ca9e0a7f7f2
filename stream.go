/*------------------------------------------------------------------------------
* stream.go : telemetry output stream
*
*          write-only mirror stream for emitted monitor frames: serial
*          port, local file or remote tcp collector. the event loop
*          writes best-effort; stream errors never reach clients
*
* version : $Revision:$ $Date:$
* history : 2025/06/18 1.0  new
*-----------------------------------------------------------------------------*/
package beamsim

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	serial "github.com/tarm/goserial"
)

/* stream types --------------------------------------------------------------*/
const (
	STR_NONE   = 0 /* no stream */
	STR_SERIAL = 1 /* serial port */
	STR_FILE   = 2 /* local file */
	STR_TCPCLI = 3 /* tcp client */
)

const (
	DEFBAUD    = 9600 /* default serial bitrate */
	STRCONNTMO = 5    /* tcp connect timeout (s) */
)

type Stream struct { /* telemetry stream type */
	Type  int    /* stream type (STR_???) */
	Path  string /* stream path */
	Msg   string /* status message */
	state int    /* state (-1:error,0:close,1:open) */

	serialio io.ReadWriteCloser /* serial port */
	fp       *os.File           /* file */
	sock     net.Conn           /* tcp client socket */
}

/* initialize stream ----------------------------------------------------------*/
func (stream *Stream) InitStream() {
	stream.Type = STR_NONE
	stream.Path = ""
	stream.Msg = ""
	stream.state = 0
	stream.serialio = nil
	stream.fp = nil
	stream.sock = nil
}

/* open serial port (path = port[:bitrate]) ------------------------------------*/
func (stream *Stream) openSerial(path string) int {
	var (
		port  string = path
		brate int    = DEFBAUD
	)
	if index := strings.IndexByte(path, ':'); index >= 0 {
		port = path[:index]
		if b, err := strconv.Atoi(path[index+1:]); err == nil {
			brate = b
		}
	}
	s, err := serial.OpenPort(&serial.Config{Name: port, Baud: brate})
	if err != nil {
		stream.Msg = fmt.Sprintf("serial open error: %s", err.Error())
		Tracet(1, "openserial: %s path=%s\n", stream.Msg, path)
		return 0
	}
	stream.serialio = s
	return 1
}

/* open output file ------------------------------------------------------------*/
func (stream *Stream) openFile(path string) int {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		stream.Msg = fmt.Sprintf("file open error: %s", err.Error())
		Tracet(1, "openfile: %s path=%s\n", stream.Msg, path)
		return 0
	}
	stream.fp = fp
	return 1
}

/* open tcp client (path = addr:port) ------------------------------------------*/
func (stream *Stream) openTcpCli(path string) int {
	sock, err := net.DialTimeout("tcp", path, STRCONNTMO*time.Second)
	if err != nil {
		stream.Msg = fmt.Sprintf("connect error: %s", err.Error())
		Tracet(1, "opentcpcli: %s path=%s\n", stream.Msg, path)
		return 0
	}
	stream.sock = sock
	return 1
}

/* open stream ------------------------------------------------------------------
* open a telemetry output stream
* args   : int    ctype     I   stream type (STR_???)
*          string path      I   stream path
*                               STR_SERIAL: port[:bitrate]
*                               STR_FILE  : file path
*                               STR_TCPCLI: address:port
* return : status (1:ok,0:error)
*-----------------------------------------------------------------------------*/
func (stream *Stream) OpenStream(ctype int, path string) int {
	var stat int

	Tracet(3, "openstream: type=%d path=%s\n", ctype, path)

	stream.Type = ctype
	stream.Path = path
	stream.Msg = ""

	switch ctype {
	case STR_NONE:
		stream.state = 0
		return 1
	case STR_SERIAL:
		stat = stream.openSerial(path)
	case STR_FILE:
		stat = stream.openFile(path)
	case STR_TCPCLI:
		stat = stream.openTcpCli(path)
	default:
		stream.Msg = fmt.Sprintf("stream type error: %d", ctype)
		stat = 0
	}
	if stat == 0 {
		stream.state = -1
		return 0
	}
	stream.state = 1
	return 1
}

/* write stream -----------------------------------------------------------------
* write bytes to the stream (best effort, no retry)
* args   : uint8  *buff     I   data
*          int    n         I   data length (bytes)
* return : bytes written (0 on error or closed stream)
*-----------------------------------------------------------------------------*/
func (stream *Stream) StreamWrite(buff []byte, n int) int {
	var (
		ns  int
		err error
	)
	if stream.state < 1 || n <= 0 {
		return 0
	}
	switch stream.Type {
	case STR_SERIAL:
		ns, err = stream.serialio.Write(buff[:n])
	case STR_FILE:
		ns, err = stream.fp.Write(buff[:n])
	case STR_TCPCLI:
		stream.sock.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		ns, err = stream.sock.Write(buff[:n])
	default:
		return 0
	}
	if err != nil {
		stream.Msg = err.Error()
		stream.state = -1
		Tracet(2, "streamwrite: write error type=%d err=%s\n", stream.Type, stream.Msg)
		return 0
	}
	return ns
}

/* close stream ---------------------------------------------------------------*/
func (stream *Stream) StreamClose() {
	Tracet(3, "streamclose: type=%d\n", stream.Type)

	switch stream.Type {
	case STR_SERIAL:
		if stream.serialio != nil {
			stream.serialio.Close()
		}
	case STR_FILE:
		if stream.fp != nil {
			stream.fp.Close()
		}
	case STR_TCPCLI:
		if stream.sock != nil {
			stream.sock.Close()
		}
	}
	stream.state = 0
}

/* get stream state (-1:error,0:close,1:open) ---------------------------------*/
func (stream *Stream) StateStream() int {
	return stream.state
}
