package hostinfo

import (
	cpu "github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// Host describes the machine the decoy runs on.
type Host struct {
	Hostname  string `json:"host"`
	OS        string `json:"os"`
	UptimeSec uint64 `json:"uptime"`
	CPUCores  int    `json:"cpu_cores"`
	TotalMem  uint64 `json:"total_mem"`
}

// Collect gathers what gopsutil can see. Fields it cannot read stay zero;
// the error is only returned when host info itself is unavailable.
func Collect() (Host, error) {
	h, err := host.Info()
	if err != nil {
		return Host{}, err
	}
	out := Host{
		Hostname:  h.Hostname,
		OS:        h.Platform + " " + h.PlatformVersion,
		UptimeSec: h.Uptime,
	}
	if c, err := cpu.Counts(true); err == nil {
		out.CPUCores = c
	}
	if m, err := mem.VirtualMemory(); err == nil {
		out.TotalMem = m.Total
	}
	return out, nil
}
