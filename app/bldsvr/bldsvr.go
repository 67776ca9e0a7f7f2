/*------------------------------------------------------------------------------
* bldsvr.go : beamline simulator server console ap
*
* usage   : bldsvr [-p port][-o file][-t level][-a type]
*
* version : $Revision:$ $Date:$
* history : 2025/06/20 1.0  new
*           2025/06/25 1.1  add influxdb/clickhouse sample archivers
*-----------------------------------------------------------------------------*/
package main

import (
	"beamsim"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/ClickHouse/clickhouse-go"
	"github.com/google/uuid"
	db "github.com/influxdata/influxdb-client-go/v2"
	"github.com/jmoiron/sqlx"
)

var PRGNAME string = "bldsvr"      /* program name */
var OPTSFILE string = "bldsvr.conf" /* default options file */

/* global variables ----------------------------------------------------------*/
var (
	svr beamsim.BeamSvr /* beamline server struct */

	intflg = 0 /* interrupt flag (1:shutdown) */

	port     = beamsim.DEFPORT   /* listen port */
	svrcycle = beamsim.TICKCYCLE /* simulation cycle (ms) */
	trace    = 0                 /* debug trace level (0:off,1-5:on) */

	telstrtype = 0  /* telemetry stream type */
	telstrpath = "" /* telemetry stream path */

	archtype = 0                       /* sample archive backend */
	archurl  = "http://localhost:8086" /* influxdb url */
	archtok  = ""                      /* influxdb token */
	archorg  = "beamline"              /* influxdb org */
	archbkt  = "bl02"                  /* influxdb bucket */
	archdsn  = ""                      /* clickhouse dsn */

	runid = uuid.NewString() /* archive session id */
)

/* options tables ------------------------------------------------------------*/
var TELOPT string = "0:none,1:serial,2:file,3:tcpcli"
var ARCOPT string = "0:none,1:influx,2:clickhouse"

var svropts map[string]*beamsim.Opt = map[string]*beamsim.Opt{
	"svr-port":     {Name: "svr-port", Format: 0, VarInt: &port, Comment: ""},
	"svr-cycle":    {Name: "svr-cycle", Format: 0, VarInt: &svrcycle, Comment: "ms"},
	"svr-trace":    {Name: "svr-trace", Format: 0, VarInt: &trace, Comment: "0:off,1-5:on"},
	"telstr-type":  {Name: "telstr-type", Format: 3, VarInt: &telstrtype, Comment: TELOPT},
	"telstr-path":  {Name: "telstr-path", Format: 2, VarString: &telstrpath, Comment: ""},
	"archive-type": {Name: "archive-type", Format: 3, VarInt: &archtype, Comment: ARCOPT},
	"archive-url":  {Name: "archive-url", Format: 2, VarString: &archurl, Comment: ""},
	"archive-token": {Name: "archive-token", Format: 2, VarString: &archtok, Comment: ""},
	"archive-org":  {Name: "archive-org", Format: 2, VarString: &archorg, Comment: ""},
	"archive-bucket": {Name: "archive-bucket", Format: 2, VarString: &archbkt, Comment: ""},
	"archive-dsn":  {Name: "archive-dsn", Format: 2, VarString: &archdsn, Comment: ""}}

/* write pv samples to influxdb ----------------------------------------------*/
func writeSamples2Influx(ch chan beamsim.PvSample) {
	client := db.NewClient(archurl, archtok)
	writeAPI := client.WriteAPI(archorg, archbkt)
	defer client.Close()

	for intflg == 0 {
		data, ok := <-ch
		if !ok {
			return
		}
		p := db.NewPointWithMeasurement("pv").
			AddTag("run", runid).
			AddTag("name", data.Name).
			AddField("value", data.Value).
			SetTime(time.Now())
		writeAPI.WritePoint(p)
		writeAPI.Flush()
	}
}

/* write pv samples to clickhouse --------------------------------------------*/
func writeSamples2ClickHouse(ch chan beamsim.PvSample) {
	client, err := sqlx.Open("clickhouse", archdsn)
	if err != nil {
		log.Printf("clickhouse open error: %s\n", err.Error())
		return
	}
	client.SetMaxOpenConns(4)
	client.SetMaxIdleConns(4)
	defer client.Close()

	for intflg == 0 {
		data, ok := <-ch
		if !ok {
			return
		}
		tx, err := client.Begin()
		if err != nil {
			log.Printf("clickhouse begin error: %s\n", err.Error())
			return
		}
		stmt, err := tx.Prepare("insert into PvSample (`Time`, Run, Name, Value)")
		if err != nil {
			log.Printf("clickhouse prepare error: %s\n", err.Error())
			tx.Rollback()
			return
		}
		if _, err = stmt.Exec(time.Now(), runid, data.Name, data.Value); err != nil {
			log.Printf("clickhouse insert error: %s\n", err.Error())
			tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			log.Printf("clickhouse commit error: %s\n", err.Error())
			return
		}
	}
}

func printusage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-p port][-o file][-t level][-a type]\n", PRGNAME)
	os.Exit(0)
}

func main() {
	var (
		file  string
		usage bool
	)

	flag.IntVar(&port, "p", port, "port number for pv service")
	flag.StringVar(&file, "o", OPTSFILE, "options file")
	flag.IntVar(&trace, "t", trace, "debug trace level (0:off,1-5:on)")
	flag.IntVar(&archtype, "a", archtype, "sample archive ("+ARCOPT+")")
	flag.BoolVar(&usage, "h", false, "print usage")
	flag.Parse()

	if usage {
		printusage()
	}

	/* load options file (flags take precedence) */
	if beamsim.LoadOpts(file, svropts) == 0 {
		fmt.Fprintf(os.Stderr, "no options file: %s. defaults used\n", file)
	}
	flag.Parse()

	if trace > 0 {
		beamsim.TraceOpen(PRGNAME + ".trace")
		beamsim.TraceLevel(trace)
		defer beamsim.TraceClose()
	}

	svr.InitServer()
	svr.Cycle = svrcycle

	if telstrtype != beamsim.STR_NONE {
		if svr.Telemetry.OpenStream(telstrtype, telstrpath) == 0 {
			log.Printf("telemetry stream open error: %s\n", svr.Telemetry.Msg)
		}
	}

	switch archtype {
	case 1:
		go writeSamples2Influx(beamsim.SampleChannel)
	case 2:
		go writeSamples2ClickHouse(beamsim.SampleChannel)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	go func() {
		for s := range c {
			switch s {
			case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM:
				log.Printf("shutdown signal: %v\n", s)
				intflg = 1
				svr.StopServer()
			default:
			}
		}
	}()

	if svr.StartServer(port) == 0 {
		fmt.Fprintf(os.Stderr, "server start error (port=%d)\n", port)
		os.Exit(1)
	}

	for svr.State > 0 {
		beamsim.Sleepms(1000)
	}
	/* let the event loop close sockets */
	beamsim.Sleepms(100)

	log.Printf("%s: clean shutdown\n", PRGNAME)
}
