package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ScriptRunner executes a shell script on a remote host as root.
type ScriptRunner interface {
	Run(ctx context.Context, ip, privateKeyPEM, script string) (ScriptResult, error)
}

const (
	sshUser        = "ubuntu"
	sshPort        = 22
	sshDialTimeout = 10 * time.Second
)

// SSHRunner runs scripts over SSH using the runner's daily keypair.
type SSHRunner struct {
	// DialTimeout overrides the default TCP dial timeout when positive.
	DialTimeout time.Duration
}

// WrapScript encodes a script so it survives shell quoting and runs under
// sudo regardless of its contents.
func WrapScript(script string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(script))
	return fmt.Sprintf("echo %s | base64 -d | sudo bash", enc)
}

// Run connects to ip:22 with the given private key and executes the script
// as root. A non-zero exit status is reported in the result, not as an error;
// errors mean the script could not be run at all.
func (r *SSHRunner) Run(ctx context.Context, ip, privateKeyPEM, script string) (ScriptResult, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return ScriptResult{}, fmt.Errorf("parse private key: %w", err)
	}

	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = sshDialTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            sshUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(ip, fmt.Sprint(sshPort))
	conn, err := dialContext(ctx, addr, cfg)
	if err != nil {
		return ScriptResult{}, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return ScriptResult{}, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Kill the session if the context ends before the script does.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-runDone:
		}
	}()

	err = session.Run(WrapScript(script))
	res := ScriptResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("ssh run: %w", err)
	}
	return res, nil
}

// dialContext is ssh.Dial with context-aware TCP establishment.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(tcp, addr, cfg)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
