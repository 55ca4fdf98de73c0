package gpu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshRunner executes commands on the GPU host over SSH. The service
// account on the host has passwordless sudo for shutdown only.
type sshRunner struct {
	host    string
	user    string
	keyPath string
	timeout time.Duration
}

func newSSHRunner(host, user, keyPath string, timeout time.Duration) *sshRunner {
	return &sshRunner{host: host, user: user, keyPath: keyPath, timeout: timeout}
}

// Run executes one command and returns its combined output.
func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	key, err := os.ReadFile(r.keyPath)
	if err != nil {
		return "", fmt.Errorf("read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("parse ssh key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host lives on the same LAN segment, key pinning is handled by the deploy
		Timeout:         r.timeout,
	}

	type result struct {
		out string
		err error
	}

	done := make(chan result, 1)

	go func() {
		out, err := run(r.host, cfg, command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.out, res.err
	}
}

func run(host string, cfg *ssh.ClientConfig, command string) (string, error) {
	client, err := ssh.Dial("tcp", host, cfg)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", host, err)
	}

	defer func() {
		_ = client.Close()
	}()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}

	defer func() {
		_ = session.Close()
	}()

	var out bytes.Buffer

	session.Stdout = &out
	session.Stderr = &out

	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("ssh run %q: %w", command, err)
	}

	return out.String(), nil
}
