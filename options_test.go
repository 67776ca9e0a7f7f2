/*------------------------------------------------------------------------------
* beamsim unit test driver : options functions
*-----------------------------------------------------------------------------*/
package beamsim_test

import (
	"beamsim"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

/* Str2Enum()/Enum2Str() */
func Test_enum(t *testing.T) {
	var (
		val int
		s   string
	)
	assert := assert.New(t)
	table := "0:none,1:serial,2:file,3:tcpcli"

	assert.True(beamsim.Str2Enum("serial", table, &val) == 1)
	assert.Equal(1, val)
	assert.True(beamsim.Str2Enum("tcpcli", table, &val) == 1)
	assert.Equal(3, val)
	assert.True(beamsim.Str2Enum("2", table, &val) == 1)
	assert.Equal(2, val)
	assert.True(beamsim.Str2Enum("bogus", table, &val) == 0)
	assert.True(beamsim.Str2Enum("9", table, &val) == 0)

	beamsim.Enum2Str(&s, table, 2)
	assert.Equal("file", s)
	beamsim.Enum2Str(&s, table, 0)
	assert.Equal("none", s)
}

/* LoadOpts()/SaveOpts() */
func Test_loadopts(t *testing.T) {
	var (
		port  int = 5064
		cycle int = 10
		path  string
		styp  int
	)
	assert := assert.New(t)

	opts := map[string]*beamsim.Opt{
		"svr-port":    {Name: "svr-port", Format: 0, VarInt: &port},
		"svr-cycle":   {Name: "svr-cycle", Format: 0, VarInt: &cycle, Comment: "ms"},
		"telstr-path": {Name: "telstr-path", Format: 2, VarString: &path},
		"telstr-type": {Name: "telstr-type", Format: 3, VarInt: &styp,
			Comment: "0:none,1:serial,2:file,3:tcpcli"}}

	file := filepath.Join(t.TempDir(), "bldsvr.conf")
	conf := "# beamline simulator options\n" +
		"\n" +
		"svr-port      =6064  # listen port\n" +
		"svr-cycle     =20\n" +
		"telstr-type   =file\n" +
		"telstr-path   =telemetry.log\n" +
		"unknown-key   =ignored\n" +
		"svr-cycle\n"
	assert.Nil(os.WriteFile(file, []byte(conf), 0644))

	assert.True(beamsim.LoadOpts(file, opts) == 1)
	assert.Equal(6064, port)
	assert.Equal(20, cycle)
	assert.Equal(beamsim.STR_FILE, styp)
	assert.Equal("telemetry.log", path)

	assert.True(beamsim.LoadOpts(filepath.Join(t.TempDir(), "missing.conf"), opts) == 0)

	/* save and reload round trip */
	port, cycle, styp, path = 0, 0, 0, ""
	out := filepath.Join(t.TempDir(), "saved.conf")
	assert.True(beamsim.SaveOpts(out, "saved by unit test", opts) == 1)
	assert.True(beamsim.LoadOpts(out, opts) == 1)
	assert.Equal(0, port)
	assert.Equal(0, cycle)

	port = 7064
	cycle = 5
	styp = beamsim.STR_TCPCLI
	path = "collector:2101"
	assert.True(beamsim.SaveOpts(out, "saved by unit test", opts) == 1)
	port, cycle, styp, path = 0, 0, 0, ""
	assert.True(beamsim.LoadOpts(out, opts) == 1)
	assert.Equal(7064, port)
	assert.Equal(5, cycle)
	assert.Equal(beamsim.STR_TCPCLI, styp)
	assert.Equal("collector:2101", path)
}
