/*------------------------------------------------------------------------------
* server.go : beamline simulator server
*
*          single-threaded cooperative event loop: polls the listen
*          socket and client sockets with short deadlines, frames
*          newline terminated commands, dispatches them against the
*          device registry and pushes periodic monitor frames. the
*          simulation tick runs between i/o batches so clients never
*          observe a torn pv value
*
* version : $Revision:$ $Date:$
* history : 2025/06/16 1.0  new
*           2025/06/22 1.1  add telemetry stream mirror and sample channel
*-----------------------------------------------------------------------------*/
package beamsim

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"time"
)

type BeamConn struct { /* client connection type */
	sock       net.Conn          /* client socket */
	active     bool              /* slot in use */
	buff       [CMDBUFSIZE]byte  /* receive buffer */
	nb         int               /* receive buffer length */
	monitoring bool              /* monitor subscription active */
	monitorPv  string            /* monitored pv name */
	intervalMs int               /* monitor interval (ms) */
	lastEmit   int64             /* last monitor emit tick (ms) */
}

type PvSample struct { /* archived pv sample type */
	Tick  int64   /* emit tick (ms) */
	Name  string  /* pv name */
	Value float64 /* pv value */
}

/* sample channel for external archivers (offers are non-blocking) */
var SampleChannel chan PvSample = make(chan PvSample, 1024)

type BeamSvr struct { /* beamline server type */
	State     int           /* server state (0:stop,1:run) */
	Dev       Devices       /* device set */
	Cycle     int           /* simulation tick period (ms) */
	Tick      func() int64  /* monotonic ms source (replace for tests) */
	Telemetry Stream        /* monitor frame mirror stream */

	lsn     *net.TCPListener     /* listen socket */
	clients [MAXCLIENT]BeamConn  /* client table */
	ncli    int                  /* number of active clients */
}

/* initialize server ------------------------------------------------------------
* initialize server state and build the device set
* args   : none
* return : none
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) InitServer() {
	var i int

	svr.State = 0
	svr.Cycle = TICKCYCLE
	svr.Tick = TickGet
	svr.Telemetry.InitStream()
	svr.Dev.InitDevices()
	for i = 0; i < MAXCLIENT; i++ {
		svr.clients[i].active = false
	}
	svr.ncli = 0
}

/* open listen socket -----------------------------------------------------------
* bind and listen on the given tcp port
* args   : int    port      I   listen port (0: ephemeral)
* return : status (1:ok,0:error)
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) OpenServer(port int) int {
	lsn, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Printf("listen error: %s\n", err.Error())
		return 0
	}
	svr.lsn = lsn.(*net.TCPListener)
	log.Printf("beamline simulator v%s listening on %s\n", VER_BEAMSIM, svr.lsn.Addr())
	return 1
}

/* listen address (for ephemeral ports) ---------------------------------------*/
func (svr *BeamSvr) Addr() net.Addr {
	if svr.lsn == nil {
		return nil
	}
	return svr.lsn.Addr()
}

/* number of active clients ---------------------------------------------------*/
func (svr *BeamSvr) Ncli() int {
	return svr.ncli
}

/* disconnect client ----------------------------------------------------------*/
func (svr *BeamSvr) disconnectClient(con *BeamConn) {
	if con == nil || !con.active {
		return
	}
	log.Printf("client disconnected (%s)\n", con.sock.RemoteAddr())
	con.sock.Close()
	con.active = false
	con.monitoring = false
	con.nb = 0
	svr.ncli--
}

/* best-effort response write (partial sends are not retried) -----------------*/
func (svr *BeamSvr) sendResp(con *BeamConn, resp string) {
	con.sock.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := con.sock.Write([]byte(resp)); err != nil {
		Tracet(2, "sendresp: send error addr=%s err=%s\n", con.sock.RemoteAddr(), err.Error())
	}
}

/* execute command and send response ------------------------------------------*/
func (svr *BeamSvr) execCmd(con *BeamConn, cmd *Cmd) {
	d := &svr.Dev

	switch cmd.Type {
	case CMD_GET:
		pv := d.FindPv(cmd.Target)
		if pv == nil {
			svr.sendResp(con, FormatError(ERR_UNKNOWN_PV))
		} else {
			svr.sendResp(con, FormatResponse("OK", FormatValue(d.PvGet(pv))))
		}
	case CMD_PUT:
		pv := d.FindPv(cmd.Target)
		if pv == nil {
			svr.sendResp(con, FormatError(ERR_UNKNOWN_PV))
		} else if d.PvSet(pv, cmd.Value) == 0 {
			svr.sendResp(con, FormatError(ERR_INVALID_VALUE))
		} else {
			svr.sendResp(con, FormatResponse("OK", "PUT"))
		}
	case CMD_PING:
		svr.sendResp(con, FormatResponse("OK", "PONG"))
	case CMD_QUIT:
		svr.sendResp(con, FormatResponse("OK", "BYE"))
		svr.disconnectClient(con)
	case CMD_MONITOR:
		con.monitoring = true
		con.monitorPv = cmd.Target
		con.intervalMs = cmd.IntervalMs
		con.lastEmit = svr.Tick()
		svr.sendResp(con, FormatResponse("OK", "MONITORING"))
	case CMD_STOP:
		con.monitoring = false
		svr.sendResp(con, FormatResponse("OK", "STOPPED"))
	case CMD_LIST:
		var list string
		d.ListPv(cmd.Target, &list, RESPBUFSIZE)
		svr.sendResp(con, FormatResponse("OK", list))
	case CMD_MOVE:
		if d.MoveMotor(cmd.Target, cmd.Value) == 0 {
			svr.sendResp(con, FormatError(ERR_INVALID_VALUE))
		} else {
			svr.sendResp(con, FormatResponse("OK", "MOVING"))
		}
	case CMD_STATUS:
		motor := d.FindMotor(cmd.Target)
		if motor == nil {
			svr.sendResp(con, FormatError(ERR_UNKNOWN_PV))
		} else {
			svr.sendResp(con, FormatResponse("OK", MotorStatusStr(motor)))
		}
	default:
		svr.sendResp(con, FormatError(ERR_UNKNOWN_CMD))
	}
}

/* frame and dispatch buffered lines ------------------------------------------*/
func (svr *BeamSvr) processLines(con *BeamConn) {
	var cmd Cmd

	for con.active {
		index := bytes.IndexByte(con.buff[:con.nb], '\n')
		if index < 0 {
			break
		}
		line := string(con.buff[:index])
		copy(con.buff[:], con.buff[index+1:con.nb])
		con.nb -= index + 1

		if ParseCmd(line, &cmd) == 1 {
			svr.execCmd(con, &cmd)
		} else {
			svr.sendResp(con, FormatError(ERR_UNKNOWN_CMD))
		}
	}
}

/* poll one client socket -----------------------------------------------------*/
func (svr *BeamSvr) handleClient(con *BeamConn) {
	if con == nil || !con.active {
		return
	}
	if con.nb >= CMDBUFSIZE-1 {
		/* buffer full without a newline */
		log.Printf("command buffer overflow (%s)\n", con.sock.RemoteAddr())
		svr.disconnectClient(con)
		return
	}
	con.sock.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := con.sock.Read(con.buff[con.nb : CMDBUFSIZE-1])
	if n > 0 {
		con.nb += n
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			/* no data available */
		} else if err == io.EOF {
			svr.disconnectClient(con)
			return
		} else {
			log.Printf("read error (%s): %s\n", con.sock.RemoteAddr(), err.Error())
			svr.disconnectClient(con)
			return
		}
	}
	svr.processLines(con)
}

/* accept one pending connection ----------------------------------------------*/
func (svr *BeamSvr) acceptClient() {
	var i int

	svr.lsn.SetDeadline(time.Now().Add(time.Millisecond))
	sock, err := svr.lsn.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		Tracet(2, "acceptclient: accept error err=%s\n", err.Error())
		return
	}
	for i = 0; i < MAXCLIENT; i++ {
		if !svr.clients[i].active {
			break
		}
	}
	if i >= MAXCLIENT {
		/* reject, never evict */
		log.Printf("max clients reached, rejecting connection (%s)\n", sock.RemoteAddr())
		sock.Close()
		return
	}
	con := &svr.clients[i]
	con.sock = sock
	con.active = true
	con.nb = 0
	con.monitoring = false
	con.monitorPv = ""
	con.intervalMs = 0
	con.lastEmit = 0
	svr.ncli++

	log.Printf("client connected (%s)\n", sock.RemoteAddr())
}

/* emit due monitor frames ------------------------------------------------------
* scan clients and push DATA frames whose interval has elapsed; emitted
* samples are mirrored to the telemetry stream and offered to the
* sample channel without blocking
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) checkMonitors() {
	var i int

	now := svr.Tick()
	for i = 0; i < MAXCLIENT; i++ {
		con := &svr.clients[i]
		if !con.active || !con.monitoring {
			continue
		}
		if now-con.lastEmit < int64(con.intervalMs) {
			continue
		}
		if pv := svr.Dev.FindPv(con.monitorPv); pv != nil {
			value := svr.Dev.PvGet(pv)
			frame := FormatData(value)
			svr.sendResp(con, frame)
			if svr.Telemetry.StateStream() > 0 {
				svr.Telemetry.StreamWrite([]byte(frame), len(frame))
			}
			select {
			case SampleChannel <- PvSample{Tick: now, Name: pv.Name, Value: value}:
			default:
			}
		}
		con.lastEmit = now
	}
}

/* run one event loop iteration -------------------------------------------------
* accept at most one connection, poll every client socket for complete
* command lines and emit due monitor frames
* args   : none
* return : none
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) RunOnce() {
	var i int

	svr.acceptClient()
	for i = 0; i < MAXCLIENT; i++ {
		if svr.clients[i].active {
			svr.handleClient(&svr.clients[i])
		}
	}
	svr.checkMonitors()
}

/* run server loop --------------------------------------------------------------
* run the event loop until State drops to 0; drives the simulation tick
* at the configured cycle and sleeps briefly between iterations
* args   : none
* return : none
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) RunServer() {
	lastns := TickNsec()

	log.Printf("server loop started (cycle=%dms)\n", svr.Cycle)

	for svr.State > 0 {
		svr.RunOnce()

		if ns := TickNsec(); ns-lastns >= int64(svr.Cycle)*1000000 {
			svr.Dev.UpdateDevices(float64(ns-lastns) / 1e9)
			lastns = ns
		}
		Sleepms(IDLESLEEP)
	}
	svr.CloseServer()
}

/* start server -----------------------------------------------------------------
* open the listen socket and run the event loop on a new goroutine
* args   : int    port      I   listen port (0: ephemeral)
* return : status (1:ok,0:error)
*-----------------------------------------------------------------------------*/
func (svr *BeamSvr) StartServer(port int) int {
	if svr.OpenServer(port) == 0 {
		return 0
	}
	svr.State = 1
	go svr.RunServer()
	return 1
}

/* request server stop --------------------------------------------------------*/
func (svr *BeamSvr) StopServer() {
	svr.State = 0
}

/* close server ---------------------------------------------------------------*/
func (svr *BeamSvr) CloseServer() {
	var i int

	for i = 0; i < MAXCLIENT; i++ {
		if svr.clients[i].active {
			svr.disconnectClient(&svr.clients[i])
		}
	}
	if svr.lsn != nil {
		svr.lsn.Close()
		svr.lsn = nil
	}
	if svr.Telemetry.StateStream() != 0 {
		svr.Telemetry.StreamClose()
	}
	log.Printf("server closed\n")
}
