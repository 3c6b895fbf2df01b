package model

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfigID selects one entry of the relay server table.
type ServerConfigID string

const (
	ServerPrimary   ServerConfigID = "primary"
	ServerSecondary ServerConfigID = "secondary"
)

// ServerConfigIDs lists the selectable servers in display order.
var ServerConfigIDs = []ServerConfigID{ServerPrimary, ServerSecondary}

// ParseServerConfigID accepts "primary"/"secondary" as well as the 1-based
// indexes shown by the dashboard selector.
func ParseServerConfigID(s string) (ServerConfigID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "1", "":
		return ServerPrimary, nil
	case "secondary", "2":
		return ServerSecondary, nil
	}
	return "", fmt.Errorf("unknown server %q (want primary or secondary)", s)
}

// ServerEndpoint is one relay server an frpc client authenticates against.
type ServerEndpoint struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
	Token   string `yaml:"token" json:"-"`
}

// ServerTable maps each server id to its endpoint.
type ServerTable map[ServerConfigID]ServerEndpoint

// ConnectionProfile is everything needed to render one frpc config.
// It is passed by value and never modified after NewProfile.
type ConnectionProfile struct {
	ServerConfig     ServerConfigID `json:"server"`
	ServerAddress    string         `json:"server_addr"`
	ServerPort       int            `json:"server_port"`
	AuthToken        string         `json:"-"`
	LocalServicePort int            `json:"local_port"`
	RemotePort       int            `json:"remote_port"`
}

// NewProfile resolves the server endpoint for id from table.
func NewProfile(table ServerTable, id ServerConfigID, localServicePort, remotePort int) (ConnectionProfile, error) {
	ep, ok := table[id]
	if !ok {
		return ConnectionProfile{}, fmt.Errorf("server %q is not configured", id)
	}
	if strings.TrimSpace(ep.Address) == "" {
		return ConnectionProfile{}, fmt.Errorf("server %q has no address", id)
	}
	return ConnectionProfile{
		ServerConfig:     id,
		ServerAddress:    ep.Address,
		ServerPort:       ep.Port,
		AuthToken:        ep.Token,
		LocalServicePort: localServicePort,
		RemotePort:       remotePort,
	}, nil
}

// ProxyName is the section name frpc uses for this tunnel.
func (p ConnectionProfile) ProxyName() string {
	return fmt.Sprintf("tcp_%d", p.RemotePort)
}

func (p ConnectionProfile) String() string {
	return fmt.Sprintf("%s %s:%d local=%d remote=%d", p.ServerConfig, p.ServerAddress, p.ServerPort, p.LocalServicePort, p.RemotePort)
}

type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// Active reports whether a session in this state owns (or is acquiring) a process.
func (s SessionState) Active() bool {
	return s == SessionStarting || s == SessionRunning || s == SessionStopping
}

type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonPortConflict  FailureReason = "port_conflict"
	ReasonSpawnFailure  FailureReason = "spawn_failure"
	ReasonProcessExited FailureReason = "process_exited"
	ReasonConfigError   FailureReason = "config_error"
)

// Session is a point-in-time view of the supervisor's current session.
type Session struct {
	ID         string            `json:"id,omitempty"`
	Profile    ConnectionProfile `json:"profile"`
	State      SessionState      `json:"state"`
	Reason     FailureReason     `json:"reason,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	ProbePort  int               `json:"probe_port,omitempty"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	UptimeSec  int64             `json:"uptime_seconds"`
	Diagnostic string            `json:"diagnostic,omitempty"`
}
