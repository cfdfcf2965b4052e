// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/counters"
	"github.com/intuitivelabs/wtimer"
	"github.com/shirou/gopsutil/v4/process"
)

// procMonitor tracks the profiled process's own resource usage so
// that the engine overhead stays observable: cpu times and rss are
// read periodically (off the hot path, on the timer wheel) and
// exported through the counters tree next to the engine statistics.
type procMonitor struct {
	timerH wtimer.TimerLnk
	intvl  time.Duration
	on     int32
	proc   *process.Process

	grp      *counters.Group
	hCPUUser counters.Handle // cumulative user cpu, ms
	hCPUSys  counters.Handle // cumulative system cpu, ms
	hRSS     counters.Handle // resident set size, kb
}

var monitor procMonitor

func (m *procMonitor) Start(intvl time.Duration) error {
	var err error
	m.proc, err = process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	if m.grp == nil {
		monCntDefs := [...]counters.Def{
			{H: &m.hCPUUser, Flags: 0, Name: "cpu_user_ms",
				Desc: "process user cpu time in ms"},
			{H: &m.hCPUSys, Flags: 0, Name: "cpu_sys_ms",
				Desc: "process system cpu time in ms"},
			{H: &m.hRSS, Flags: counters.CntMaxF, Name: "rss_kb",
				Desc: "process resident set size in kb"},
		}
		entries := len(monCntDefs)
		m.grp = counters.NewGroup("proc", nil, entries)
		if m.grp == nil {
			// TODO: better error fallback
			m.grp = &counters.Group{}
			m.grp.Init("proc", nil, entries)
		}
		if !m.grp.RegisterDefs(monCntDefs[:]) {
			Log.PANIC("procMonitor: failed to register counters\n")
		}
	}
	m.intvl = intvl
	if m.intvl < timerTick {
		m.intvl = timerTick
	}
	atomic.StoreInt32(&m.on, 1)
	if err = timers.InitTimer(&m.timerH, timersFlags); err != nil {
		atomic.StoreInt32(&m.on, 0)
		return err
	}
	return timers.Add(&m.timerH, m.intvl, monitorTick, m)
}

func (m *procMonitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.on, 1, 0) {
		return
	}
	if ok, err := timers.DelTry(&m.timerH); !ok && err != nil {
		ERR("proc monitor timer del: %s\n", err)
	}
}

func monitorTick(wt *wtimer.WTimer, h *wtimer.TimerLnk,
	arg interface{}) (bool, time.Duration) {

	m := arg.(*procMonitor)
	if atomic.LoadInt32(&m.on) == 0 {
		return false, 0
	}
	if t, err := m.proc.Times(); err == nil {
		m.grp.Set(m.hCPUUser, counters.Val(t.User*1000))
		m.grp.Set(m.hCPUSys, counters.Val(t.System*1000))
	}
	if mi, err := m.proc.MemoryInfo(); err == nil {
		m.grp.Set(m.hRSS, counters.Val(mi.RSS/1024))
	}
	return true, m.intvl
}
