package api

import "fmt"

// v0 contains public types shared between the CLI and library consumers.

// InstanceHandle identifies a running managed node. It is produced by the
// provisioner when an instance is started and is read-only afterwards.
type InstanceHandle struct {
	ID string `json:"id" yaml:"id"`
	IP string `json:"ip" yaml:"ip"`
}

// Addr returns the host:port address of a subsystem on the instance.
func (h InstanceHandle) Addr(port int) string {
	return fmt.Sprintf("%s:%d", h.IP, port)
}

// Zero reports whether the handle has not been populated yet.
func (h InstanceHandle) Zero() bool {
	return h.ID == "" && h.IP == ""
}

// StatusReport is the shape returned by the status endpoint. Services is
// either a map of service label to state, or the ServicesUnavailable sentinel
// when service enumeration is not possible on the host.
type StatusReport struct {
	Status   string `json:"status"`
	Services any    `json:"services"`
}

const StatusRunning = "running"

// ServicesUnavailable is the fallback reported when the harness cannot
// enumerate system services on the instance.
var ServicesUnavailable = []string{"undefined"}

type InstanceState string

const (
	StatePrepared InstanceState = "prepared"
	StateRunning  InstanceState = "running"
	StateStopped  InstanceState = "stopped"
)
