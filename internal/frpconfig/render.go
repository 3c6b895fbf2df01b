// Package frpconfig renders connection profiles into frpc's INI config,
// manages the short-lived file handed to frpc, and reads existing frpc
// configs back.
package frpconfig

import (
	"fmt"
	"strings"

	"github.com/treykane/frpc-manager/internal/model"
)

// LocalIP is where frpc forwards incoming tunnel traffic.
const LocalIP = "127.0.0.1"

// Render produces the frpc config for profile. It is a pure function: the
// same profile always yields byte-identical output.
//
//	[common]
//	server_addr = relay.example.com
//	server_port = 7000
//	token = secret
//
//	[tcp_16000]
//	type = tcp
//	local_ip = 127.0.0.1
//	local_port = 8080
//	remote_port = 16000
func Render(p model.ConnectionProfile) string {
	var b strings.Builder
	b.WriteString("[common]\n")
	b.WriteString(fmt.Sprintf("server_addr = %s\n", p.ServerAddress))
	b.WriteString(fmt.Sprintf("server_port = %d\n", p.ServerPort))
	b.WriteString(fmt.Sprintf("token = %s\n", p.AuthToken))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("[%s]\n", p.ProxyName()))
	b.WriteString("type = tcp\n")
	b.WriteString(fmt.Sprintf("local_ip = %s\n", LocalIP))
	b.WriteString(fmt.Sprintf("local_port = %d\n", p.LocalServicePort))
	b.WriteString(fmt.Sprintf("remote_port = %d\n", p.RemotePort))
	return b.String()
}
