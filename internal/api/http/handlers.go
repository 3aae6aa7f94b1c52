package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/shared/id"
)

// Handlers exposes kernel introspection over REST. Every endpoint is a
// read-only snapshot; mutation happens through syscalls, never HTTP.
type Handlers struct {
	kernel   *kernel.Kernel
	registry *contracts.Registry
}

// NewHandlers creates a handler set over a booted kernel.
func NewHandlers(k *kernel.Kernel, registry *contracts.Registry) *Handlers {
	return &Handlers{kernel: k, registry: registry}
}

// Root handles the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "raeen-core",
		"boot_id": string(h.kernel.BootID()),
	})
}

// Health reports liveness plus the headline counters.
func (h *Handlers) Health(c *gin.Context) {
	snap := h.kernel.Syscalls.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"boot_id":   string(h.kernel.BootID()),
		"uptime_ns": snap.UptimeNS,
		"processes": snap.Procs.Live,
		"threads":   snap.Sched.Threads,
		"channels":  snap.IPC.Channels,
	})
}

// Processes lists the process table, zombies included.
func (h *Handlers) Processes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"processes": h.kernel.Procs.Processes(),
		"stats":     h.kernel.Procs.Stats(),
	})
}

// Scheduler lists every live thread and the per-core counters.
func (h *Handlers) Scheduler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"threads": h.kernel.Sched.Threads(),
		"stats":   h.kernel.Sched.Stats(),
	})
}

// Channels lists live channels with ring occupancy and credit state.
func (h *Handlers) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"channels": h.kernel.IPC.Channels(),
		"stats":    h.kernel.IPC.Stats(),
	})
}

// Grants lists live memory grants and their mapping counts.
func (h *Handlers) Grants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"grants": h.kernel.IPC.Grants(),
	})
}

// Audit returns the newest capability audit records, bounded by ?limit.
func (h *Handlers) Audit(c *gin.Context) {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": h.kernel.Caps.AuditRecords(limit),
		"stats":   h.kernel.Caps.AuditStats(),
	})
}

// SLOReport returns latency quantiles per category against targets.
func (h *Handlers) SLOReport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slo": h.kernel.SLO.Report()})
}

// Memory returns manager stats, plus one space's regions when ?pid names
// a live process.
func (h *Handlers) Memory(c *gin.Context) {
	out := gin.H{"stats": h.kernel.Mem.Stats()}
	if pidStr := c.Query("pid"); pidStr != "" {
		pid64, err := strconv.ParseUint(pidStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pid must be a number"})
			return
		}
		asid, ok := h.kernel.Procs.SpaceOf(defs.PID(pid64))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live process " + pidStr})
			return
		}
		regions, err := h.kernel.Mem.Regions(asid)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		out["space"] = asid
		out["regions"] = regions
	}
	c.JSON(http.StatusOK, out)
}

// Flight returns the newest flight recorder events, bounded by ?limit.
func (h *Handlers) Flight(c *gin.Context) {
	limit, err := intQuery(c, "limit", 256)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.kernel.Recorder.Events(limit)})
}

// FlightDump streams the whole ring as zstd-compressed canonical CBOR.
// The filename carries a fresh dump ID so artifacts never collide.
func (h *Handlers) FlightDump(c *gin.Context) {
	dump := id.NewDumpID()
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", `attachment; filename="`+string(dump)+`.cbor.zst"`)
	if _, err := h.kernel.Recorder.Dump(c.Writer); err != nil {
		// The status line is already on the wire; log and cut the stream.
		c.Error(err)
		c.Abort()
	}
}

// Stats returns the same snapshot the kernel_stats syscall serves.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.kernel.Syscalls.Snapshot()})
}

// Contracts lists the registered service contracts.
func (h *Handlers) Contracts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contracts": h.registry.All()})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number", name)
	}
	return v, nil
}
