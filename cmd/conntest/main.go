// Package main provides the entry point for the conntest CLI.
//
// conntest performs one authenticated connectivity check against a remote
// service and reports whether the credentials were accepted. It supports
// SSH, RDP, VNC, VMware vCenter, Opsview, WinRM and SNMP.
//
// Usage:
//
//	conntest ssh -u root -p secret 10.0.0.5
//	conntest vnc -p secret 10.0.0.9
//	conntest batch -c targets.yaml
//
// See --help for all available options.
package main

// main is the entry point for conntest.
func main() {
	Execute()
}
