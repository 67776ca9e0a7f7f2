/*------------------------------------------------------------------------------
* common.go : beamline simulator common functions
*
*          time tick, debug trace and string utilities shared by the
*          device registry, protocol codec and server event loop
*
* version : $Revision:$ $Date:$
* history : 2025/06/14 1.0  new
*-----------------------------------------------------------------------------*/
package beamsim

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

/* constants -----------------------------------------------------------------*/
const (
	VER_BEAMSIM = "0.1.0" /* simulator version */

	MAXPV       = 128  /* max number of process variables */
	MAXPVNAME   = 64   /* max length of pv name (incl. terminator) */
	MAXMOTOR    = 8    /* max number of motors */
	MAXCLIENT   = 16   /* max number of client connections */
	CMDBUFSIZE  = 4096 /* command receive buffer size (bytes) */
	RESPBUFSIZE = 4096 /* response buffer size (bytes) */

	DEFPORT    = 5064 /* default listen port (epics ca) */
	DEFBACKLOG = 8    /* listen backlog (kernel default applies) */
	POLLCYCLE  = 10   /* socket readiness timeout (ms, unused: sockets are polled with 1 ms deadlines) */
	TICKCYCLE  = 10   /* simulation tick period (ms) */
	IDLESLEEP  = 1    /* idle sleep between iterations (ms) */
)

var tickbase time.Time = time.Now()

/* get tick time ---------------------------------------------------------------
* get current monotonic tick in ms
* args   : none
* return : current tick in ms
*-----------------------------------------------------------------------------*/
func TickGet() int64 {
	return time.Since(tickbase).Milliseconds()
}

/* get tick time in ns ---------------------------------------------------------
* get current monotonic tick in ns (for simulation dt)
* args   : none
* return : current tick in ns
*-----------------------------------------------------------------------------*/
func TickNsec() int64 {
	return time.Since(tickbase).Nanoseconds()
}

/* sleep ms --------------------------------------------------------------------
* sleep ms
* args   : int   ms         I   milliseconds to sleep (<0:no sleep)
* return : none
*-----------------------------------------------------------------------------*/
func Sleepms(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

/* debug trace functions -----------------------------------------------------*/
var (
	fp_trace    *os.File /* file pointer of trace */
	level_trace int      /* level of trace */
	tick_trace  int64    /* tick time at traceopen (ms) */
)

func TraceOpen(file string) {
	if len(file) == 0 {
		fp_trace = os.Stdout
	} else {
		var err error
		fp_trace, err = os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Printf("trace file open error: %s\n", file)
			return
		}
	}
	tick_trace = TickGet()
}
func TraceClose() {
	if fp_trace != nil && fp_trace != os.Stdout {
		fp_trace.Close()
	}
	fp_trace = nil
}
func TraceLevel(level int) {
	level_trace = level
}
func Trace(level int, format string, v ...interface{}) {
	/* print error message to stderr */
	if level <= 1 {
		log.Printf(format, v...)
	}
	if fp_trace == nil || level > level_trace {
		return
	}
	fmt.Fprintf(fp_trace, "%d ", level)
	fmt.Fprintf(fp_trace, format, v...)
}
func Tracet(level int, format string, v ...interface{}) {
	if fp_trace == nil || level > level_trace {
		return
	}
	fmt.Fprintf(fp_trace, "%d %9.3f: ", level, float64(TickGet()-tick_trace)/1000.0)
	fmt.Fprintf(fp_trace, format, v...)
}

/* string to double ------------------------------------------------------------
* convert numeric string to double
* args   : string str       I   numeric string (surrounding space allowed)
*          double *out      O   converted value
* return : status (1:ok,0:error)
* notes  : empty strings, trailing garbage and range overflow are rejected
*-----------------------------------------------------------------------------*/
func Str2Dbl(str string, out *float64) int {
	s := strings.TrimSpace(str)
	if len(s) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	*out = v
	return 1
}

/* match pv name pattern --------------------------------------------------------
* match a name against a glob pattern ('*' matches any substring, all other
* characters match literally, whole-string match)
* args   : string pattern   I   pattern ("": match all)
*          string name      I   name to test
* return : status (1:match,0:no match)
* notes  : on '*' the leftmost occurrence of the following literal segment is
*          taken; later '*' tokens are reduced the same way
*-----------------------------------------------------------------------------*/
func MatchPattern(pattern, name string) int {
	if len(pattern) == 0 {
		return 1 /* no pattern matches all */
	}
	p, s := pattern, name

	for len(p) > 0 {
		if p[0] == '*' {
			p = p[1:]
			if len(p) == 0 {
				return 1 /* trailing '*' matches rest */
			}
			seg := p
			if i := strings.IndexByte(p, '*'); i >= 0 {
				seg = p[:i]
			}
			j := strings.Index(s, seg)
			if j < 0 {
				return 0
			}
			s = s[j:]
		} else {
			if len(s) == 0 || s[0] != p[0] {
				return 0
			}
			p, s = p[1:], s[1:]
		}
	}
	if len(s) == 0 {
		return 1
	}
	return 0
}
