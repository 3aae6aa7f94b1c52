package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records request metrics for the introspection API.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		m.RecordHTTPRequest(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}

// Timer measures a duration and reports it through a callback on Stop.
type Timer struct {
	start  time.Time
	report func(time.Duration)
}

// NewTimer starts a timer that feeds report when stopped.
func NewTimer(report func(time.Duration)) *Timer {
	return &Timer{start: time.Now(), report: report}
}

// Stop ends the timer and reports the elapsed time.
func (t *Timer) Stop() {
	if t.report != nil {
		t.report(time.Since(t.start))
	}
}
