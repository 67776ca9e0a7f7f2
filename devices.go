/*------------------------------------------------------------------------------
* devices.go : process variable registry and beamline device simulation
*
*          fixed-capacity pv table, motor table with linear trajectory
*          interpolation and stochastic sensor models for the bl02
*          beamline (ring current, vacuum, hutch temperature, detectors,
*          shutter, sample stage and monochromator)
*
* version : $Revision:$ $Date:$
* history : 2025/06/14 1.0  new
*           2025/06/20 1.1  add shutter status follow and energy readback
*                           mirror on put
*-----------------------------------------------------------------------------*/
package beamsim

import (
	"log"
	"math"
	"math/rand"
	"strings"
	"time"
)

/* pv semantic types ---------------------------------------------------------*/
const (
	PV_AI = 0 /* analog input */
	PV_AO = 1 /* analog output */
	PV_BI = 2 /* binary input */
	PV_BO = 3 /* binary output */
)

const MOTOR_EPS = 0.001 /* position convergence threshold */

type Pv struct { /* process variable type */
	Name     string             /* pv name (<=MAXPVNAME-1 chars) */
	Type     int                /* pv type (PV_???) */
	Value    float64            /* current value */
	Min, Max float64            /* valid range (inclusive) */
	Writable bool               /* external put permitted */
	UpdateFn func(*Devices, *Pv) /* per-tick update (nil: static) */
}

type Motor struct { /* motor axis type */
	Setpoint *Pv     /* commanded position pv */
	Readback *Pv     /* measured position pv */
	StatusPv *Pv     /* done-moving flag pv (1:moving,0:idle) */
	Velocity float64 /* speed (units/s) */
	Accel    float64 /* unused by linear interpolation */
	Target   float64 /* move target */
	Moving   bool    /* trajectory active */
}

type Devices struct { /* device set type */
	Pvs    [MAXPV]Pv        /* pv registry */
	Motors [MAXMOTOR]Motor  /* motor table */
	Rng    *rand.Rand       /* noise source (reseed for tests) */
	npv    int              /* number of registered pvs */
	nmotor int              /* number of registered motors */
	drift  float64          /* hutch temperature drift state */
}

func (d *Devices) Npv() int    { return d.npv }
func (d *Devices) Nmotor() int { return d.nmotor }

/* register pv ---------------------------------------------------------------*/
func (d *Devices) registerPv(name string, ctype int, min, max float64,
	writable bool, fn func(*Devices, *Pv)) *Pv {
	if d.npv >= MAXPV {
		log.Printf("pv registry full, cannot register: %s\n", name)
		return nil
	}
	if len(name) > MAXPVNAME-1 {
		name = name[:MAXPVNAME-1]
	}
	pv := &d.Pvs[d.npv]
	d.npv++
	pv.Name = name
	pv.Type = ctype
	pv.Value = 0.0
	pv.Min = min
	pv.Max = max
	pv.Writable = writable
	pv.UpdateFn = fn
	return pv
}

/* register motor ------------------------------------------------------------*/
func (d *Devices) registerMotor(name string, min, max, velocity float64) *Motor {
	if d.nmotor >= MAXMOTOR {
		log.Printf("motor table full, cannot register: %s\n", name)
		return nil
	}
	motor := &d.Motors[d.nmotor]
	d.nmotor++
	motor.Setpoint = d.registerPv(name, PV_AO, min, max, true, nil)
	motor.Readback = d.registerPv(name+".RBV", PV_AI, min, max, false, nil)
	motor.StatusPv = d.registerPv(name+".DMOV", PV_BI, 0, 1, false, nil)
	motor.Velocity = velocity
	motor.Accel = 0.0
	motor.Target = 0.0
	motor.Moving = false
	return motor
}

/* sensor update functions ---------------------------------------------------*/
func (d *Devices) noise(amp float64) float64 {
	return (d.Rng.Float64() - 0.5) * amp
}

func updateRingCurrent(d *Devices, pv *Pv) {
	pv.Value = 350.0 + d.noise(4.0)
	if pv.Value < 0 {
		pv.Value = 0
	}
	if pv.Value > 400 {
		pv.Value = 400
	}
}

func updateVacuum(d *Devices, pv *Pv) {
	/* log-scale pressure with noise */
	logp := -8.3 + d.noise(0.2)
	pv.Value = math.Pow(10, logp)
	if pv.Value < 1e-10 {
		pv.Value = 1e-10
	}
	if pv.Value > 1e-8 {
		pv.Value = 1e-8
	}
}

func updateTemp(d *Devices, pv *Pv) {
	/* slow drift around 23 degc */
	d.drift += d.noise(0.01)
	pv.Value = 23.0 + d.drift
	if pv.Value < 20 {
		pv.Value = 20
	}
	if pv.Value > 26 {
		pv.Value = 26
	}
}

/* detector count rate proportional to ring current --------------------------*/
func (d *Devices) updateDetector(pv *Pv, base, namp, max float64) {
	ring := d.FindPv("BL02:RING:CURRENT")
	if ring == nil {
		return
	}
	factor := ring.Value / 350.0
	pv.Value = base*factor + d.noise(namp)
	if pv.Value < 0 {
		pv.Value = 0
	}
	if pv.Value > max {
		pv.Value = max
	}
}

func updateDetectorI0(d *Devices, pv *Pv) { d.updateDetector(pv, 500000.0, 10000.0, 1e6) }
func updateDetectorIt(d *Devices, pv *Pv) { d.updateDetector(pv, 450000.0, 10000.0, 1e6) }
func updateDetectorIf(d *Devices, pv *Pv) { d.updateDetector(pv, 50000.0, 1000.0, 1e5) }

func updateShutterStatus(d *Devices, pv *Pv) {
	/* status follows command instantly */
	if cmd := d.FindPv("BL02:SHUTTER:CMD"); cmd != nil {
		pv.Value = cmd.Value
	}
}

/* initialize devices -----------------------------------------------------------
* build the bl02 pv registry and motor table
* args   : none
* return : none
* notes  : the noise source is seeded from wall time; assign Rng before the
*          first tick for deterministic trajectories
*-----------------------------------------------------------------------------*/
func (d *Devices) InitDevices() {
	d.npv = 0
	d.nmotor = 0
	d.drift = 0.0
	d.Rng = rand.New(rand.NewSource(time.Now().UnixNano()))

	/* sensors (read-only) */
	d.registerPv("BL02:RING:CURRENT", PV_AI, 0, 400, false, updateRingCurrent)
	d.registerPv("BL02:VACUUM:PRESSURE", PV_AI, 1e-10, 1e-8, false, updateVacuum)
	d.registerPv("BL02:HUTCH:TEMP", PV_AI, 20, 26, false, updateTemp)
	d.registerPv("BL02:DET:I0", PV_AI, 0, 1e6, false, updateDetectorI0)
	d.registerPv("BL02:DET:IT", PV_AI, 0, 1e6, false, updateDetectorIt)
	d.registerPv("BL02:DET:IF", PV_AI, 0, 1e5, false, updateDetectorIf)

	/* shutter */
	d.registerPv("BL02:SHUTTER:STATUS", PV_BI, 0, 1, false, updateShutterStatus)
	d.registerPv("BL02:SHUTTER:CMD", PV_BO, 0, 1, true, nil)

	/* sample stage and monochromator */
	d.registerMotor("BL02:SAMPLE:X", -10000, 10000, 1000.0)
	d.registerMotor("BL02:SAMPLE:Y", -10000, 10000, 1000.0)
	d.registerMotor("BL02:SAMPLE:Z", -5000, 5000, 1000.0)
	d.registerMotor("BL02:SAMPLE:THETA", -180, 180, 10.0)

	energy := d.registerMotor("BL02:MONO:ENERGY", 4000, 20000, 100.0)
	energy.Target = 8000.0
	energy.Setpoint.Value = 8000.0
	energy.Readback.Value = 8000.0

	log.Printf("initialized %d process variables, %d motors\n", d.npv, d.nmotor)
}

/* update motor trajectory ---------------------------------------------------*/
func updateMotor(motor *Motor, dt float64) {
	if motor == nil || !motor.Moving {
		return
	}
	diff := motor.Target - motor.Readback.Value

	if math.Abs(diff) < MOTOR_EPS {
		/* reached target */
		motor.Moving = false
		motor.Readback.Value = motor.Target
		if motor.StatusPv != nil {
			motor.StatusPv.Value = 0.0 /* idle */
		}
		return
	}
	step := motor.Velocity * dt

	if math.Abs(diff) < step {
		motor.Readback.Value = motor.Target
		motor.Moving = false
		if motor.StatusPv != nil {
			motor.StatusPv.Value = 0.0
		}
	} else {
		if diff > 0 {
			motor.Readback.Value += step
		} else {
			motor.Readback.Value -= step
		}
		if motor.StatusPv != nil {
			motor.StatusPv.Value = 1.0 /* moving */
		}
	}
}

/* simulation tick --------------------------------------------------------------
* advance sensor models and motor trajectories by an elapsed interval
* args   : double dt        I   elapsed time (s)
* return : none
*-----------------------------------------------------------------------------*/
func (d *Devices) UpdateDevices(dt float64) {
	var i int

	for i = 0; i < d.npv; i++ {
		if d.Pvs[i].UpdateFn != nil {
			d.Pvs[i].UpdateFn(d, &d.Pvs[i])
		}
	}
	for i = 0; i < d.nmotor; i++ {
		updateMotor(&d.Motors[i], dt)
	}
}

/* find pv ----------------------------------------------------------------------
* look up a pv by exact name
* args   : string name      I   pv name
* return : pv (nil: not found)
* notes  : handles are stable for process lifetime
*-----------------------------------------------------------------------------*/
func (d *Devices) FindPv(name string) *Pv {
	var i int

	if len(name) == 0 {
		return nil
	}
	for i = 0; i < d.npv; i++ {
		if d.Pvs[i].Name == name {
			return &d.Pvs[i]
		}
	}
	return nil
}

/* get pv value ---------------------------------------------------------------*/
func (d *Devices) PvGet(pv *Pv) float64 {
	if pv == nil {
		return 0.0
	}
	return pv.Value
}

/* set pv value -----------------------------------------------------------------
* write a value to a writable pv with range validation
* args   : pv     *pv       IO  pv to write
*          double value     I   value
* return : status (1:ok,0:rejected)
* notes  : a put to BL02:MONO:ENERGY mirrors the value into the readback pv
*-----------------------------------------------------------------------------*/
func (d *Devices) PvSet(pv *Pv, value float64) int {
	if pv == nil || !pv.Writable {
		return 0
	}
	if value < pv.Min || value > pv.Max {
		return 0
	}
	pv.Value = value

	/* monochromator readback follows the setpoint immediately */
	if pv.Name == "BL02:MONO:ENERGY" {
		if rbv := d.FindPv("BL02:MONO:ENERGY.RBV"); rbv != nil {
			rbv.Value = value
		}
	}
	return 1
}

/* list pv names ----------------------------------------------------------------
* enumerate pv names matching a glob pattern, comma separated
* args   : string pattern   I   glob pattern ("": all)
*          string *buf      O   comma separated name list (truncated to fit)
*          int    size      I   output capacity (bytes)
* return : number of names written
*-----------------------------------------------------------------------------*/
func (d *Devices) ListPv(pattern string, buf *string, size int) int {
	var (
		sb    strings.Builder
		i, n  int
	)
	*buf = ""
	if size <= 0 {
		return 0
	}
	for i = 0; i < d.npv; i++ {
		name := d.Pvs[i].Name
		if MatchPattern(pattern, name) == 0 {
			continue
		}
		sep := 0
		if sb.Len() > 0 {
			sep = 1
		}
		if sb.Len()+sep+len(name) >= size {
			break
		}
		if sep > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(name)
		n++
	}
	*buf = sb.String()
	return n
}

/* find motor -------------------------------------------------------------------
* look up a motor by its setpoint pv name
* args   : string name      I   setpoint pv name
* return : motor (nil: not found)
*-----------------------------------------------------------------------------*/
func (d *Devices) FindMotor(name string) *Motor {
	var i int

	if len(name) == 0 {
		return nil
	}
	for i = 0; i < d.nmotor; i++ {
		if d.Motors[i].Setpoint != nil && d.Motors[i].Setpoint.Name == name {
			return &d.Motors[i]
		}
	}
	return nil
}

/* start motor move -------------------------------------------------------------
* validate a target against the setpoint range and start a trajectory
* args   : string name      I   setpoint pv name
*          double target    I   target position
* return : status (1:moving,0:rejected)
*-----------------------------------------------------------------------------*/
func (d *Devices) MoveMotor(name string, target float64) int {
	motor := d.FindMotor(name)
	if motor == nil || motor.Setpoint == nil {
		return 0
	}
	if target < motor.Setpoint.Min || target > motor.Setpoint.Max {
		return 0
	}
	motor.Target = target
	motor.Setpoint.Value = target
	motor.Moving = true
	if motor.StatusPv != nil {
		motor.StatusPv.Value = 1.0 /* moving */
	}
	return 1
}

/* motor status string --------------------------------------------------------*/
func MotorStatusStr(motor *Motor) string {
	if motor == nil {
		return "UNKNOWN"
	}
	if motor.Moving {
		return "MOVING"
	}
	return "IDLE"
}
