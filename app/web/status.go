package web

import (
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// APIStatusResponse reports reconciler state and host health
type APIStatusResponse struct {
	Mode      string    `json:"mode"` // push, poll, subscribing or inactive
	Jobs      APIStats  `json:"jobs"`
	Host      HostStats `json:"host"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// HostStats carries host load for the status endpoint, zeroed when the
// platform does not expose a metric
type HostStats struct {
	LoadAvg1      float64 `json:"load_avg_1"`
	LoadAvg5      float64 `json:"load_avg_5"`
	MemoryPercent float64 `json:"memory_percent"`
}

// handleStatus returns reconciler mode, job stats and host load
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := APIStatusResponse{
		Mode:      string(s.Mode()),
		Version:   s.Version,
		Timestamp: time.Now(),
	}

	resp.Jobs = jobStats(s.Jobs.Snapshot())

	if avg, err := load.Avg(); err == nil {
		resp.Host.LoadAvg1 = avg.Load1
		resp.Host.LoadAvg5 = avg.Load5
	} else {
		log.Printf("[DEBUG] failed to get load average: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemoryPercent = vm.UsedPercent
	} else {
		log.Printf("[DEBUG] failed to get memory stats: %v", err)
	}

	rest.RenderJSON(w, resp)
}
