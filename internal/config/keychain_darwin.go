//go:build darwin

package config

import "os/exec"

// keychainExec shells out to the macOS security tool. flint keeps its API
// token in the login keychain (service "flint") so it never sits in a
// plaintext config file.
func keychainExec(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password",
		"-s", service, "-a", account, "-w").Output()
}
