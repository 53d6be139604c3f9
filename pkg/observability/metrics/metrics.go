package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	commandsDispatched atomic.Int64
	commandsDenied     atomic.Int64
	commandsFailed     atomic.Int64
	auditAppends       atomic.Int64

	perCommandMu sync.Mutex
	perCommand   = make(map[string]*atomic.Int64)
)

func Init() {}

func CommandDispatched(name string) {
	commandsDispatched.Add(1)
	counterFor(name).Add(1)
}

func CommandDenied(name string) {
	commandsDenied.Add(1)
}

func CommandFailed(name string) {
	commandsFailed.Add(1)
}

func AuditAppended() {
	auditAppends.Add(1)
}

func counterFor(name string) *atomic.Int64 {
	perCommandMu.Lock()
	defer perCommandMu.Unlock()
	c, ok := perCommand[name]
	if !ok {
		c = &atomic.Int64{}
		perCommand[name] = c
	}
	return c
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP medichain_commands_dispatched_total Commands accepted by the dispatcher.\n")
	fmt.Fprintf(w, "# TYPE medichain_commands_dispatched_total counter\n")
	fmt.Fprintf(w, "medichain_commands_dispatched_total %d\n", commandsDispatched.Load())

	fmt.Fprintf(w, "# HELP medichain_commands_denied_total Commands refused by the permission engine.\n")
	fmt.Fprintf(w, "# TYPE medichain_commands_denied_total counter\n")
	fmt.Fprintf(w, "medichain_commands_denied_total %d\n", commandsDenied.Load())

	fmt.Fprintf(w, "# HELP medichain_commands_failed_total Commands that returned a typed error.\n")
	fmt.Fprintf(w, "# TYPE medichain_commands_failed_total counter\n")
	fmt.Fprintf(w, "medichain_commands_failed_total %d\n", commandsFailed.Load())

	fmt.Fprintf(w, "# HELP medichain_audit_appends_total Audit events committed.\n")
	fmt.Fprintf(w, "# TYPE medichain_audit_appends_total counter\n")
	fmt.Fprintf(w, "medichain_audit_appends_total %d\n", auditAppends.Load())

	fmt.Fprintf(w, "# HELP medichain_command_total Commands accepted, per command kind.\n")
	fmt.Fprintf(w, "# TYPE medichain_command_total counter\n")
	perCommandMu.Lock()
	for name, c := range perCommand {
		fmt.Fprintf(w, "medichain_command_total{command=%q} %d\n", name, c.Load())
	}
	perCommandMu.Unlock()
}
